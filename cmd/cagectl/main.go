// Command cagectl is the admin REPL for a running cagekerneld: one-shot
// execution via -e, or an interactive liner-backed prompt otherwise.
//
// Grounded on the teacher's cmd/minimega/main.go (the -e one-shot flag and
// the interactive cliLocal loop) and cmd/minimega/cli.go's cliLocal
// (liner.State, Ctrl-C aborts a prompt rather than quitting, history).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"cagekernel/pkg/minipager"
)

var (
	fBase = flag.String("base", "/tmp/cagekernel", "base path cagekerneld was started with")
	fExec = flag.String("e", "", "execute a single command and exit, instead of starting an interactive prompt")
)

func usage() {
	fmt.Println("usage: cagectl [option]... [command]")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	sock := filepath.Join(*fBase, "cagekerneld")

	conn, err := Dial(sock)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if *fExec != "" {
		runAndPrint(conn, *fExec)
		return
	}

	if rest := flag.Args(); len(rest) > 0 {
		runAndPrint(conn, strings.Join(rest, " "))
		return
	}

	repl(conn)
}

func runAndPrint(conn *Conn, cmd string) {
	out, err := conn.Run(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	minipager.DefaultPager.Page(out)
}

func repl(conn *Conn) {
	input := liner.NewLiner()
	defer input.Close()
	input.SetCtrlCAborts(true)

	for {
		line, err := input.Prompt("cagectl$ ")
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		if line == "quit" || line == "exit" {
			break
		}

		runAndPrint(conn, line)
	}
}

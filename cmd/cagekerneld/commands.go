// Admin command handlers: a minicli.Registry wired directly against the
// runtime's Kernel, the same way the teacher's cliCommands in
// cmd/minimega/cli.go close over vms/meshageNode in-process rather than
// going through a wire protocol for the actual work -- only the raw command
// text and rendered text response cross the control socket.
package main

import (
	"fmt"
	"strconv"
	"strings"

	"cagekernel/internal/cage"
	"cagekernel/internal/vmmap"
	"cagekernel/pkg/minicli"
	"cagekernel/pkg/ranges"
)

func newCommandRegistry(rt *runtime) *minicli.Registry {
	r := minicli.NewRegistry()

	r.Register(&minicli.Handler{
		Patterns:  []string{"cage list"},
		HelpShort: "list live cage ids",
		Call: func(args map[string]string, rest []string) (string, error) {
			ids := rt.Kernel.Registry.List()
			if len(ids) == 0 {
				return "no live cages", nil
			}
			var b strings.Builder
			for _, id := range ids {
				c := rt.Kernel.Registry.Get(id)
				if c == nil {
					continue
				}
				fmt.Fprintf(&b, "%d\tparent=%d\tuid=%d\tchildren=%d\n", id, c.Parent, c.Uid(), c.ChildNum())
			}
			return b.String(), nil
		},
	})

	r.Register(&minicli.Handler{
		Patterns:  []string{"cage kill <target>"},
		HelpShort: "drive exit(2) for one or more cage ids (accepts ranges, e.g. 2-5,9)",
		Call: func(args map[string]string, rest []string) (string, error) {
			ids, err := ranges.Split(args["target"])
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, id := range ids {
				rt.Kernel.Registry.Exit(uint64(id), -1)
				fmt.Fprintf(&b, "killed cage %d\n", id)
			}
			return b.String(), nil
		},
	})

	r.Register(&minicli.Handler{
		Patterns:  []string{"vmmap dump <cage>"},
		HelpShort: "dump a cage's virtual memory map",
		Call: func(args map[string]string, rest []string) (string, error) {
			id, err := strconv.ParseUint(args["cage"], 10, 64)
			if err != nil {
				return "", err
			}
			c := rt.Kernel.Registry.Get(id)
			if c == nil {
				return "", fmt.Errorf("no such cage: %d", id)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "program break: page %d\n", c.Vmmap.ProgramBreak())
			for _, e := range c.Vmmap.Snapshot() {
				fmt.Fprintf(&b, "[%d,%d) prot=%s flags=%#x backing=%s\n",
					e.StartPage, e.StartPage+e.NPages, protString(e.Prot), e.Flags, backingString(e.Backing))
			}
			return b.String(), nil
		},
	})

	r.Register(&minicli.Handler{
		Patterns:  []string{"fdtable dump <cage>"},
		HelpShort: "dump a cage's virtual fd table",
		Call: func(args map[string]string, rest []string) (string, error) {
			id, err := strconv.ParseUint(args["cage"], 10, 64)
			if err != nil {
				return "", err
			}
			c := rt.Kernel.Registry.Get(id)
			if c == nil {
				return "", fmt.Errorf("no such cage: %d", id)
			}

			var b strings.Builder
			for vfd, e := range c.Fdtable.Snapshot() {
				fmt.Fprintf(&b, "%d -> kind=%s underfd=%d cloexec=%v\n", vfd, e.Kind, e.UnderFD, e.Cloexec)
			}
			return b.String(), nil
		},
	})

	r.Register(&minicli.Handler{
		Patterns:  []string{"waitpid <cage> <target>"},
		HelpShort: "reap a terminated child of a cage, -1 for any child, without blocking",
		Call: func(args map[string]string, rest []string) (string, error) {
			id, err := strconv.ParseUint(args["cage"], 10, 64)
			if err != nil {
				return "", err
			}
			target, err := strconv.ParseInt(args["target"], 10, 64)
			if err != nil {
				return "", err
			}
			c := rt.Kernel.Registry.Get(id)
			if c == nil {
				return "", fmt.Errorf("no such cage: %d", id)
			}
			// NoHang: the admin socket serves one connection goroutine per
			// client; a blocking wait here would wedge that goroutine
			// against an operator's terminal instead of the guest runtime
			// that normally owns this call.
			reaped, code, err := c.Wait(target, cage.WaitOptions{NoHang: true})
			if err != nil {
				return "", err
			}
			if reaped == 0 {
				return "no zombie available", nil
			}
			return fmt.Sprintf("reaped cage %d, exit code %d", reaped, code), nil
		},
	})

	r.Register(&minicli.Handler{
		Patterns:  []string{"hostinfo"},
		HelpShort: "report host memory and load",
		Call: func(args map[string]string, rest []string) (string, error) {
			snap, err := readHostinfo()
			if err != nil {
				return "", err
			}
			return snap, nil
		},
	})

	r.Register(&minicli.Handler{
		Patterns:  []string{"help"},
		HelpShort: "list every admin command",
		Call: func(args map[string]string, rest []string) (string, error) {
			return r.Help(), nil
		},
	})

	return r
}

func protString(p vmmap.Prot) string {
	s := ""
	if p&vmmap.ProtRead != 0 {
		s += "r"
	} else {
		s += "-"
	}
	if p&vmmap.ProtWrite != 0 {
		s += "w"
	} else {
		s += "-"
	}
	if p&vmmap.ProtExec != 0 {
		s += "x"
	} else {
		s += "-"
	}
	return s
}

func backingString(b vmmap.Backing) string {
	if b.Anonymous {
		return "anon"
	}
	return fmt.Sprintf("vfd:%d", b.VFD)
}

package main

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
)

// fakeServer is a minimal stand-in for cagekerneld's control socket: it
// echoes the received command back as Output, so this test can exercise
// Dial/Run's framing without depending on cmd/cagekerneld.
func fakeServer(t *testing.T, sock string) net.Listener {
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		enc := json.NewEncoder(conn)
		dec := json.NewDecoder(conn)
		for {
			var req Request
			if err := dec.Decode(&req); err != nil {
				return
			}
			if err := enc.Encode(&Response{Output: "echo: " + req.Command}); err != nil {
				return
			}
		}
	}()
	return l
}

func TestDialAndRunRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cagekerneld")
	l := fakeServer(t, sock)
	defer l.Close()

	conn, err := Dial(sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	out, err := conn.Run("cage list")
	if err != nil {
		t.Fatal(err)
	}
	if out != "echo: cage list" {
		t.Fatalf("got %q", out)
	}
}

func TestDialNoServerFails(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "nobody-listening")
	if _, err := Dial(sock); err == nil {
		t.Fatal("expected an error dialing a socket with no listener")
	}
}

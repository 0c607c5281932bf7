// The unix-domain control socket cagectl talks to.
//
// Grounded on the teacher's cmd/minimega/command_socket.go: a single
// net.Listen("unix", ...), one goroutine per accepted connection, JSON
// request/response framing over the raw connection. Deliberately
// simplified relative to the teacher's miniclient.Request/Response: no
// plumbing pipes, no Suggest completions, no streamed "More" chunks --
// every admin command here runs to completion synchronously, so one
// request maps to exactly one response.
package main

import (
	"encoding/json"
	"net"

	log "cagekernel/pkg/minilog"

	"cagekernel/pkg/minicli"
)

// Request is one command line sent by cagectl.
type Request struct {
	Command string
}

// Response is cagekerneld's reply: exactly one of Output/Error is set.
type Response struct {
	Output string
	Error  string
}

func serveControlSocket(rt *runtime, socketPath string) error {
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}

	registry := newCommandRegistry(rt)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				log.Debug("control socket: listener closed: %v", err)
				return
			}
			go handleControlConn(registry, conn)
		}
	}()

	return nil
}

func handleControlConn(registry *minicli.Registry, conn net.Conn) {
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		out, err := registry.Run(req.Command)

		var resp Response
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Output = out
		}

		if err := enc.Encode(&resp); err != nil {
			log.Debug("control socket: encode reply: %v", err)
			return
		}
	}
}

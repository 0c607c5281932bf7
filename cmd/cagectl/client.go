// Package main's client half: Dial/Run against cagekerneld's control
// socket. Grounded on pkg/miniclient/client.go's Dial (retry with backoff)
// and Run, trimmed to this project's synchronous single-response protocol
// (no streamed More chunks, no Suggest completions).
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Request and Response mirror cmd/cagekerneld's wire types; kept as a
// separate local copy rather than importing cmd/cagekerneld, matching the
// teacher's miniclient being its own package independent of cmd/minimega.
type Request struct {
	Command string
}

type Response struct {
	Output string
	Error  string
}

// Conn is a live connection to cagekerneld's control socket.
type Conn struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the control socket at path, retrying briefly if
// cagekerneld has not finished its startup listen yet -- the same
// dial-with-backoff shape as miniclient.Dial.
func Dial(path string) (*Conn, error) {
	var lastErr error
	for i := 0; i < 10; i++ {
		c, err := net.Dial("unix", path)
		if err == nil {
			return &Conn{conn: c, enc: json.NewEncoder(c), dec: json.NewDecoder(c)}, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("cagectl: dial %s: %w", path, lastErr)
}

// Run sends cmd and blocks for cagekerneld's single synchronous reply.
func (c *Conn) Run(cmd string) (string, error) {
	if err := c.enc.Encode(&Request{Command: cmd}); err != nil {
		return "", err
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%s", resp.Error)
	}
	return resp.Output, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Package console allocates a host pty pair and wires it into a cage's
// fdtable as vfds 0/1/2, the controlling terminal for the init cage (cage 1).
//
// Grounded on the teacher's cmd/minimega/container.go: containerShim
// dup2's fd(6)/fd(7)/fd(8) onto stdin/stdout/stderr for a container's
// controlling terminal, and ContainerVM.console pumps bytes between that
// terminal and a unix-socket listener for an operator to attach to.
package console

import (
	"io"
	"net"
	"os"

	"github.com/kr/pty"
	"golang.org/x/sys/unix"

	log "cagekernel/pkg/minilog"

	"cagekernel/internal/fdtable"
)

// Console owns one allocated pty pair.
type Console struct {
	Master *os.File
	Slave  *os.File

	listener net.Listener
}

// Open allocates a new pty pair. The slave end is what gets wired into a
// cage's fdtable; the master end is what ListenAndServe pumps to a client
// attached to its unix socket.
func Open() (*Console, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &Console{Master: master, Slave: slave}, nil
}

// SeedStdio installs the console's slave end as vfds 0/1/2 in table, per
// spec.md §6's "every cage is born with vfds 0/1/2 pointing at host
// stdin/stdout/stderr (for the init cage) or /dev/null surrogates (for the
// utility cage)." Each vfd gets its own dup'd host fd, the same way a real
// process's stdin/stdout/stderr are three distinct fd numbers referring to
// one open file description, so closing one does not invalidate the others.
func (c *Console) SeedStdio(table *fdtable.Table) error {
	base := int32(c.Slave.Fd())

	if err := table.GetSpecificVirtualFd(0, fdtable.KindKernel, base, false, nil); err != nil {
		return err
	}

	for _, vfd := range []int32{1, 2} {
		dup, err := unix.Dup(int(base))
		if err != nil {
			return err
		}
		if err := table.GetSpecificVirtualFd(vfd, fdtable.KindKernel, int32(dup), false, nil); err != nil {
			unix.Close(dup)
			return err
		}
	}

	return nil
}

// SeedDevNull installs /dev/null as vfds 0/1/2, for the utility cage per
// spec.md §6.
func SeedDevNull(table *fdtable.Table) error {
	for _, vfd := range []int32{0, 1, 2} {
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		if err := table.GetSpecificVirtualFd(vfd, fdtable.KindKernel, int32(f.Fd()), false, nil); err != nil {
			f.Close()
			return err
		}
	}
	return nil
}

// ListenAndServe opens a unix domain socket at socketPath and pumps bytes
// between connecting clients and the console's master end, the same
// attach-to-the-running-VM shape as ContainerVM.console.
func (c *Console) ListenAndServe(socketPath string) error {
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	c.listener = l

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				log.Debug("console: listener closed: %v", err)
				return
			}
			log.Info("console: client attached")
			go c.pump(conn)
		}
	}()

	return nil
}

func (c *Console) pump(conn net.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(conn, c.Master)
		close(done)
	}()
	io.Copy(c.Master, conn)
	<-done
}

// Close releases the pty pair and stops the console listener, if any.
func (c *Console) Close() {
	if c.listener != nil {
		c.listener.Close()
	}
	if err := c.Slave.Close(); err != nil {
		log.Debug("console: closing slave: %v", err)
	}
	if err := c.Master.Close(); err != nil {
		log.Debug("console: closing master: %v", err)
	}
}

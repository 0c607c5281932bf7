package console

import (
	"testing"

	"cagekernel/internal/fdtable"
)

func TestSeedStdioInstallsThreeDistinctFds(t *testing.T) {
	c, err := Open()
	if err != nil {
		t.Skipf("cannot allocate a pty in this environment: %v", err)
	}
	defer c.Close()

	table := fdtable.InitEmpty(1)
	if err := c.SeedStdio(table); err != nil {
		t.Fatal(err)
	}

	e0, err := table.TranslateVirtualFd(0)
	if err != nil {
		t.Fatal(err)
	}
	e1, err := table.TranslateVirtualFd(1)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := table.TranslateVirtualFd(2)
	if err != nil {
		t.Fatal(err)
	}

	if e1.UnderFD == e0.UnderFD || e2.UnderFD == e0.UnderFD || e1.UnderFD == e2.UnderFD {
		t.Fatalf("expected three distinct host fds, got %d %d %d", e0.UnderFD, e1.UnderFD, e2.UnderFD)
	}
}

func TestSeedDevNullInstallsAllThreeVfds(t *testing.T) {
	table := fdtable.InitEmpty(0)
	if err := SeedDevNull(table); err != nil {
		t.Fatal(err)
	}

	for _, vfd := range []int32{0, 1, 2} {
		if _, err := table.TranslateVirtualFd(vfd); err != nil {
			t.Fatalf("vfd %d: %v", vfd, err)
		}
	}
}

package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Process is one row of the OS process table.
type Process struct {
	PID  int
	Comm string
}

// Name is the executable base name used for prefix matching.
func (p Process) Name() string {
	return filepath.Base(p.Comm)
}

// ExecFunc runs a command and returns its stdout.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Lister enumerates running processes.
type Lister interface {
	List(ctx context.Context) ([]Process, error)
}

// PSLister reads the process table through ps(1).
type PSLister struct {
	exec ExecFunc
}

func NewPSLister() *PSLister {
	return &PSLister{exec: defaultExec}
}

func NewPSListerWithExec(execFn ExecFunc) *PSLister {
	return &PSLister{exec: execFn}
}

func (l *PSLister) List(ctx context.Context) ([]Process, error) {
	out, err := l.exec(ctx, "ps", "-axo", "pid=,comm=")
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}
	return parsePS(out), nil
}

// parsePS reads "  123 /path/to/comm" rows. Malformed rows are skipped.
func parsePS(out []byte) []Process {
	var procs []Process
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		pidStr, comm, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid <= 0 {
			continue
		}
		procs = append(procs, Process{PID: pid, Comm: strings.TrimSpace(comm)})
	}
	return procs
}

// Alive probes pid with signal 0. EPERM still means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

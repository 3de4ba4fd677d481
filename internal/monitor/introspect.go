package monitor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const cwdCacheSize = 256

// CWDResolver answers "what is this process's working directory".
type CWDResolver interface {
	CWD(ctx context.Context, pid int) (string, error)
	Forget(pid int)
}

// ProcCWD resolves cwd through /proc on linux and lsof elsewhere, caching
// results per pid. A process's cwd can change, but the session it started
// stays anchored to the first answer.
type ProcCWD struct {
	exec  ExecFunc
	goos  string
	procs string
	cache *lru.Cache[int, string]
}

func NewProcCWD() *ProcCWD {
	return newProcCWD(defaultExec, runtime.GOOS, "/proc")
}

func newProcCWD(execFn ExecFunc, goos, procRoot string) *ProcCWD {
	cache, _ := lru.New[int, string](cwdCacheSize)
	return &ProcCWD{exec: execFn, goos: goos, procs: procRoot, cache: cache}
}

func (r *ProcCWD) CWD(ctx context.Context, pid int) (string, error) {
	if cwd, ok := r.cache.Get(pid); ok {
		return cwd, nil
	}
	var (
		cwd string
		err error
	)
	if r.goos == "linux" {
		cwd, err = os.Readlink(r.procs + "/" + strconv.Itoa(pid) + "/cwd")
	} else {
		cwd, err = r.lsof(ctx, pid)
	}
	if err != nil {
		return "", fmt.Errorf("cwd of pid %d: %w", pid, err)
	}
	r.cache.Add(pid, cwd)
	return cwd, nil
}

func (r *ProcCWD) Forget(pid int) {
	r.cache.Remove(pid)
}

// lsof -Fn prints one field per line; the cwd is the "n" line.
func (r *ProcCWD) lsof(ctx context.Context, pid int) (string, error) {
	out, err := r.exec(ctx, "lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn")
	if err != nil {
		return "", fmt.Errorf("lsof: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "n") && len(line) > 1 {
			return line[1:], nil
		}
	}
	return "", fmt.Errorf("lsof: no cwd for pid %d", pid)
}

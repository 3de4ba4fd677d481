package async

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(log *slog.Logger, name string, fn func()) {
	go func() {
		defer Recover(log, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(log *slog.Logger, name string) {
	if r := recover(); r != nil {
		if log == nil {
			return
		}
		log.Error("goroutine panic", "name", name, "panic", r, "stack", string(debug.Stack()))
	}
}

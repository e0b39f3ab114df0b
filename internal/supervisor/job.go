package supervisor

import (
	"sync"
	"time"
)

// Job describes one external command execution.
type Job struct {
	ID      string
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration // zero means no timeout

	// UsePTY spawns the command on a pseudo-terminal. Some uploader tools
	// only flush progress and final output when attached to a tty. Stderr is
	// merged into stdout in this mode.
	UsePTY bool
}

// Result is the caller-visible outcome of a Job. Stdout and Stderr are
// sanitized before the Result is produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Success  bool
	Duration time.Duration
}

// lockedBuffer accumulates stream output from a drain goroutine while the
// supervisor reads partial contents during the termination sequence.
type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

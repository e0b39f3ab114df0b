//go:build !windows

package supervisor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrpub/mediabotd/internal/sanitize"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return New(Options{
		Grace:    500 * time.Millisecond,
		TermWait: 500 * time.Millisecond,
	})
}

func TestRunSuccess(t *testing.T) {
	s := newTestSupervisor(t)

	res, err := s.Run(Job{
		Argv:    []string{"/bin/sh", "-c", "echo hello; echo oops >&2"},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Empty(t, s.Running())
}

func TestRunNonZeroExit(t *testing.T) {
	s := newTestSupervisor(t)

	res, err := s.Run(Job{
		Argv:    []string{"/bin/sh", "-c", "echo partial; exit 3"},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
}

func TestRunSpawnFailure(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Run(Job{Argv: []string{"/no/such/binary-xyz"}})
	require.Error(t, err)
	assert.Empty(t, s.Running())
}

func TestRunTimeoutGracefulExit(t *testing.T) {
	s := newTestSupervisor(t)

	// The script traps the interrupt, flushes a final line and exits
	// inside the grace window. That line must survive into the result.
	script := `trap 'echo salvaged; exit 1' INT TERM
echo started
sleep 30`
	res, err := s.Run(Job{
		Argv:    []string{"/bin/sh", "-c", script},
		Timeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.Contains(t, res.Stdout, "started")
	assert.Contains(t, res.Stdout, "salvaged")
	assert.Contains(t, res.Stderr, "timed out after 0s")
}

func TestRunTimeoutStubbornTree(t *testing.T) {
	s := newTestSupervisor(t)

	// Ignores both soft signals so the escalation has to go all the way
	// to the kill.
	script := `trap '' INT TERM
echo running
sleep 60`
	start := time.Now()
	res, err := s.Run(Job{
		Argv:    []string{"/bin/sh", "-c", script},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "running")
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Empty(t, s.Running())
}

func TestRunKillsDescendants(t *testing.T) {
	s := newTestSupervisor(t)

	// The inner sleep is a grandchild of the supervised shell. After the
	// escalation nothing from the tree may survive.
	script := `sh -c 'sleep 60' &
echo $!
wait`
	res, err := s.Run(Job{
		Argv:    []string{"/bin/sh", "-c", script},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.TimedOut)

	var childPid int
	_, scanErr := fmt.Sscan(res.Stdout, &childPid)
	require.NoError(t, scanErr)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(childPid, 0) != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("descendant pid %d survived termination", childPid)
}

func TestShutdownInterruptsRunningJobs(t *testing.T) {
	s := New(Options{
		Grace:         5 * time.Second,
		TermWait:      500 * time.Millisecond,
		ShutdownGrace: 300 * time.Millisecond,
	})

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run(Job{
			Argv:    []string{"/bin/sh", "-c", "echo up; sleep 60"},
			Timeout: time.Minute,
		})
		done <- outcome{res, err}
	}()

	// Let the job actually start before shutting down.
	require.Eventually(t, func() bool { return len(s.Running()) == 1 }, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	o := <-done
	require.NoError(t, o.err)
	assert.False(t, o.res.Success)
	assert.Contains(t, o.res.Stderr, "interrupted")
	assert.Empty(t, s.Running())

	_, err := s.Run(Job{Argv: []string{"/bin/true"}})
	assert.Error(t, err)
}

func TestRunningSnapshot(t *testing.T) {
	s := newTestSupervisor(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(Job{
			Argv:    []string{"/bin/sh", "-c", "sleep 0.5"},
			Timeout: 10 * time.Second,
		})
	}()

	require.Eventually(t, func() bool { return len(s.Running()) == 1 }, 2*time.Second, 20*time.Millisecond)
	entry := s.Running()[0]
	assert.NotEmpty(t, entry.JobID)
	assert.NotZero(t, entry.Pid)

	<-done
	assert.Empty(t, s.Running())
}

// chunkReader hands out one predetermined chunk per Read call.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *recordingSink) JobOutput(_, _ string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, data)
}

func TestDrainHoldsTornEscapeForSink(t *testing.T) {
	sink := &recordingSink{}
	s := New(Options{Sink: sink})

	// The color escape is torn across two reads. Each chunk the sink sees
	// must sanitize cleanly on its own.
	r := &chunkReader{chunks: [][]byte{
		[]byte("before \x1b[3"),
		[]byte("1mred\x1b[0m\n"),
	}}
	var buf lockedBuffer
	s.drain("job-1", "stdout", r, &buf)

	// The raw capture is untouched.
	assert.Equal(t, "before \x1b[31mred\x1b[0m\n", buf.String())

	var clean strings.Builder
	for _, c := range sink.chunks {
		piece := sanitize.Output(string(c))
		assert.NotContains(t, piece, "\x1b", "torn escape leaked: %q", c)
		assert.NotContains(t, piece, "[3", "torn escape leaked: %q", c)
		clean.WriteString(piece)
	}
	assert.Equal(t, "before red\n", clean.String())
}

func TestDrainFlushesHeldTailAtEOF(t *testing.T) {
	sink := &recordingSink{}
	s := New(Options{Sink: sink})

	// A stream that ends inside an escape sequence still delivers every
	// byte once the reader is exhausted.
	r := &chunkReader{chunks: [][]byte{[]byte("done\x1b[3")}}
	var buf lockedBuffer
	s.drain("job-2", "stdout", r, &buf)

	var joined []byte
	for _, c := range sink.chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, "done\x1b[3", string(joined))
}

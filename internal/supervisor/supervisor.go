// Package supervisor owns the lifecycle of external uploader commands:
// spawn, output capture, timeout enforcement, graceful-then-forceful
// termination of the whole process tree, and a registry of in-flight
// processes swept on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nostrpub/mediabotd/internal/sanitize"
)

// OutputSink receives raw output chunks as they are captured, before
// sanitization, for live streaming. Implementations must not block.
type OutputSink interface {
	JobOutput(jobID, stream string, data []byte)
}

type Options struct {
	Provider TreeProvider
	Logger   *zap.Logger
	Sink     OutputSink

	// Grace is the window after the interrupt signal on timeout before the
	// tree-wide escalation starts.
	Grace time.Duration
	// TermWait bounds the wait after the tree-wide terminate before the
	// unconditional kill.
	TermWait time.Duration
	// ShutdownGrace replaces Grace for service-shutdown interrupts.
	ShutdownGrace time.Duration
}

type Supervisor struct {
	provider TreeProvider
	log      *zap.Logger
	sink     OutputSink

	grace         time.Duration
	termWait      time.Duration
	shutdownGrace time.Duration

	mu       sync.Mutex
	running  map[int]RunningProcess
	closed   bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// RunningProcess is one registry entry, exposed for status reporting.
type RunningProcess struct {
	JobID     string
	Pid       int
	Argv      []string
	StartedAt time.Time
}

// finalReadWindow bounds the last drain of stdout/stderr after the process
// has been signaled: cleanup handlers may still flush diagnostics while
// dying, and those bytes must not be lost.
const finalReadWindow = 1 * time.Second

// reapTimeout bounds the wait for process exit after the unconditional kill.
const reapTimeout = 2 * time.Second

func New(opts Options) *Supervisor {
	s := &Supervisor{
		provider:      opts.Provider,
		log:           opts.Logger,
		sink:          opts.Sink,
		grace:         opts.Grace,
		termWait:      opts.TermWait,
		shutdownGrace: opts.ShutdownGrace,
		running:       make(map[int]RunningProcess),
		shutdown:      make(chan struct{}),
	}
	if s.provider == nil {
		s.provider = NewNativeProvider()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.grace == 0 {
		s.grace = 15 * time.Second
	}
	if s.termWait == 0 {
		s.termWait = 2 * time.Second
	}
	if s.shutdownGrace == 0 {
		s.shutdownGrace = 3 * time.Second
	}
	return s
}

// Run executes one job to completion. A failing or killed command is
// reported through the Result; the returned error is reserved for
// supervisor-internal faults such as a missing executable.
func (s *Supervisor) Run(job Job) (*Result, error) {
	if len(job.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor is shut down")
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	cmd := exec.Command(job.Argv[0], job.Argv[1:]...)
	cmd.Dir = job.Dir
	cmd.Env = job.Env

	var stdout, stderr lockedBuffer
	drained := make(chan struct{})
	var closeStreams func()

	if job.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("spawn %s on pty: %w", job.Argv[0], err)
		}
		go func() {
			s.drain(job.ID, "stdout", ptmx, &stdout)
			close(drained)
		}()
		closeStreams = func() { _ = ptmx.Close() }
	} else {
		outR, outW, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			outR.Close()
			outW.Close()
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stdout = outW
		cmd.Stderr = errW
		setupProcessGroup(cmd)

		if err := cmd.Start(); err != nil {
			outR.Close()
			outW.Close()
			errR.Close()
			errW.Close()
			return nil, fmt.Errorf("spawn %s: %w", job.Argv[0], err)
		}
		// The child holds the write ends now.
		outW.Close()
		errW.Close()

		var dw sync.WaitGroup
		dw.Add(2)
		go func() {
			defer dw.Done()
			s.drain(job.ID, "stdout", outR, &stdout)
		}()
		go func() {
			defer dw.Done()
			s.drain(job.ID, "stderr", errR, &stderr)
		}()
		go func() {
			dw.Wait()
			close(drained)
		}()
		closeStreams = func() {
			outR.Close()
			errR.Close()
		}
	}

	pid := cmd.Process.Pid
	startedAt := time.Now()
	s.register(RunningProcess{JobID: job.ID, Pid: pid, Argv: job.Argv, StartedAt: startedAt})
	defer s.unregister(pid)

	s.log.Info("job started",
		zap.String("job_id", job.ID),
		zap.Int("pid", pid),
		zap.String("command", job.Argv[0]))

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if job.Timeout > 0 {
		timer := time.NewTimer(job.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var timedOut, interrupted bool
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timeoutCh:
		timedOut = true
		s.log.Warn("job timed out, interrupting",
			zap.String("job_id", job.ID),
			zap.Int("pid", pid),
			zap.Duration("timeout", job.Timeout))
		waitErr = s.terminate(job.ID, pid, s.grace, waitCh)
	case <-s.shutdown:
		interrupted = true
		s.log.Info("shutdown requested, interrupting job",
			zap.String("job_id", job.ID), zap.Int("pid", pid))
		waitErr = s.terminate(job.ID, pid, s.shutdownGrace, waitCh)
	}

	// Bounded final read: whatever the tree flushed while dying.
	select {
	case <-drained:
	case <-time.After(finalReadWindow):
	}
	closeStreams()

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	outText := sanitize.Output(stdout.String())
	errText := sanitize.Output(stderr.String())

	var reason string
	switch {
	case timedOut:
		reason = fmt.Sprintf("timed out after %ds", int(job.Timeout/time.Second))
	case interrupted:
		reason = "interrupted"
	}
	if reason != "" {
		if errText != "" {
			errText = reason + "\n" + errText
		} else {
			errText = reason
		}
	}

	result := &Result{
		ExitCode: exitCode,
		Stdout:   outText,
		Stderr:   errText,
		TimedOut: timedOut,
		Success:  exitCode == 0 && !timedOut && !interrupted,
		Duration: time.Since(startedAt),
	}

	s.log.Info("job reaped",
		zap.String("job_id", job.ID),
		zap.Int("pid", pid),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// terminate walks the graceful-then-forceful escalation: interrupt the
// parent, wait out the grace period, terminate the whole descendant tree,
// and finally kill any survivors. Returns the process wait error.
func (s *Supervisor) terminate(jobID string, pid int, grace time.Duration, waitCh <-chan error) error {
	if err := s.provider.Signal(pid, SignalInterrupt); err != nil {
		s.log.Warn("interrupt failed", zap.String("job_id", jobID), zap.Int("pid", pid), zap.Error(err))
	}

	select {
	case err := <-waitCh:
		// Graceful exit within the grace period; output written by cleanup
		// handlers has been draining all along.
		return err
	case <-time.After(grace):
	}

	// The command may have launched its own children (a shell launching an
	// interpreter launching the real worker); all of them get the stronger
	// signal.
	tree := append(s.provider.Descendants(pid), pid)
	s.log.Warn("grace period expired, terminating process tree",
		zap.String("job_id", jobID),
		zap.Int("pid", pid),
		zap.Int("tree_size", len(tree)))
	for _, p := range tree {
		if err := s.provider.Signal(p, SignalTerminate); err != nil {
			s.log.Warn("terminate failed", zap.Int("pid", p), zap.Error(err))
		}
	}

	var waitErr error
	exited := false
	select {
	case waitErr = <-waitCh:
		exited = true
	case <-time.After(s.termWait):
	}

	for _, p := range tree {
		if exited && p == pid {
			continue
		}
		if s.provider.Alive(p) {
			if err := s.provider.Signal(p, SignalKill); err != nil {
				// Best effort: a stray survivor is logged, never fatal.
				s.log.Error("kill failed, process may survive", zap.Int("pid", p), zap.Error(err))
			}
		}
	}

	if exited {
		return waitErr
	}
	select {
	case waitErr = <-waitCh:
		return waitErr
	case <-time.After(reapTimeout):
		s.log.Error("process did not exit after kill", zap.String("job_id", jobID), zap.Int("pid", pid))
		return fmt.Errorf("pid %d unreaped after kill", pid)
	}
}

// maxHeldEscape bounds how much of a chunk boundary is withheld from the
// sink while waiting for an escape sequence terminator. Anything longer is
// not a real sequence and gets flushed.
const maxHeldEscape = 256

func (s *Supervisor) drain(jobID, stream string, r io.Reader, buf *lockedBuffer) {
	chunk := make([]byte, 4096)
	var held []byte
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if s.sink != nil {
				// An escape sequence torn across two reads would reach the
				// sink as two halves the per-chunk sanitizer cannot remove,
				// so the unterminated tail waits for the next read.
				held = append(held, chunk[:n]...)
				cut := sanitize.IncompleteEscape(held)
				if len(held)-cut > maxHeldEscape {
					cut = len(held)
				}
				if cut > 0 {
					data := make([]byte, cut)
					copy(data, held[:cut])
					s.sink.JobOutput(jobID, stream, data)
					held = held[:copy(held, held[cut:])]
				}
			}
		}
		if err != nil {
			// EOF, or EIO from a pty whose child side is gone.
			if s.sink != nil && len(held) > 0 {
				s.sink.JobOutput(jobID, stream, held)
			}
			return
		}
	}
}

func (s *Supervisor) register(e RunningProcess) {
	s.mu.Lock()
	s.running[e.Pid] = e
	s.mu.Unlock()
}

func (s *Supervisor) unregister(pid int) {
	s.mu.Lock()
	delete(s.running, pid)
	s.mu.Unlock()
}

// Running returns a snapshot of in-flight processes.
func (s *Supervisor) Running() []RunningProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunningProcess, 0, len(s.running))
	for _, e := range s.running {
		out = append(out, e)
	}
	return out
}

// Shutdown interrupts every in-flight job and waits for all of them to be
// reaped. The registry is the source of truth: anything still present when
// the context expires gets a last unconditional kill sweep so no external
// process outlives the service.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.shutdown)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		for _, e := range s.Running() {
			tree := append(s.provider.Descendants(e.Pid), e.Pid)
			for _, p := range tree {
				_ = s.provider.Signal(p, SignalKill)
			}
			s.log.Error("killed unreaped job during shutdown",
				zap.String("job_id", e.JobID), zap.Int("pid", e.Pid))
		}
	}
}

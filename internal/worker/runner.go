package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/common/logger"
)

const (
	// killGrace is how long a soft termination signal gets before the
	// process group is force-killed.
	killGrace = 5 * time.Second

	// readChunkSize is the unit of output streaming. Chunks are forwarded
	// as-is; line splitting happens in the caller's OnOutput.
	readChunkSize = 4096

	// captureLimit bounds how much of each stream is retained for the
	// terminal result. Older output is evicted; the streamed progress
	// envelopes carry the full transcript.
	captureLimit = 64 * 1024
)

// RunRequest describes one subprocess execution.
type RunRequest struct {
	// Tool is the executable name or absolute path.
	Tool string
	// Args are passed verbatim to the tool.
	Args []string
	// Dir is the working directory the tool runs in.
	Dir string
	// Timeout terminates the subprocess when it elapses. Zero means no
	// deadline.
	Timeout time.Duration
	// OnOutput receives every output chunk in read order. Stream is
	// "stdout" or "stderr". It is invoked from the reader goroutines and
	// must not block.
	OnOutput func(stream, chunk string)
}

// RunResult is the observable outcome of a finished subprocess.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Runner executes external tools as subprocesses, streaming both output
// pipes while honoring a deadline and a cancellation path. Each child runs
// in its own process group so termination reaches the whole tree.
type Runner struct {
	logger *logger.Logger
}

// NewRunner creates a subprocess runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{logger: log.WithFields(zap.String("component", "runner"))}
}

// Run spawns the tool and blocks until it exits. The subprocess inherits
// the ambient environment. A lapsed timeout or a canceled ctx sends
// SIGTERM to the process group, escalating to SIGKILL after a short
// grace; Run still returns the observed exit state rather than an error
// in those cases, with TimedOut set when the deadline caused it.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Tool == "" {
		return nil, fmt.Errorf("tool is required")
	}

	cmd := exec.Command(req.Tool, req.Args...)
	cmd.Dir = req.Dir
	// New process group: termination signals reach the tool's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", req.Tool, err)
	}
	r.logger.Debug("Subprocess started",
		zap.String("tool", req.Tool),
		zap.String("dir", req.Dir),
		zap.Int("pid", cmd.Process.Pid),
		zap.Duration("timeout", req.Timeout))

	outBuf := newTailBuffer(captureLimit)
	errBuf := newTailBuffer(captureLimit)

	var readers sync.WaitGroup
	readers.Add(2)
	go r.readStream(&readers, stdout, "stdout", outBuf, req.OnOutput)
	go r.readStream(&readers, stderr, "stderr", errBuf, req.OnOutput)

	// done is closed once the child has exited, releasing the stop path.
	done := make(chan struct{})
	var timedOut atomic.Bool
	var stopOnce sync.Once

	stop := func(cause string) {
		stopOnce.Do(func() {
			r.logger.Warn("Terminating subprocess",
				zap.String("tool", req.Tool),
				zap.String("cause", cause))
			r.signal(cmd, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGrace):
				r.logger.Warn("Subprocess ignored SIGTERM, killing",
					zap.String("tool", req.Tool))
				r.signal(cmd, syscall.SIGKILL)
			}
		})
	}

	var watchers sync.WaitGroup
	if req.Timeout > 0 {
		timer := time.AfterFunc(req.Timeout, func() {
			timedOut.Store(true)
			stop("timeout")
		})
		defer timer.Stop()
	}
	watchers.Add(1)
	go func() {
		defer watchers.Done()
		select {
		case <-ctx.Done():
			stop("canceled")
		case <-done:
		}
	}()

	readers.Wait()
	err = cmd.Wait()
	close(done)
	watchers.Wait()

	res := &RunResult{
		ExitCode: exitCode(err),
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		TimedOut: timedOut.Load(),
		Duration: time.Since(start),
	}
	r.logger.Debug("Subprocess exited",
		zap.String("tool", req.Tool),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// readStream forwards one pipe chunk-by-chunk until EOF.
func (r *Runner) readStream(wg *sync.WaitGroup, pipe io.ReadCloser, stream string, capture *tailBuffer, onOutput func(string, string)) {
	defer wg.Done()
	reader := bufio.NewReader(pipe)
	buf := make([]byte, readChunkSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			capture.Write(chunk)
			if onOutput != nil {
				onOutput(stream, chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				r.logger.Debug("Subprocess output read error",
					zap.String("stream", stream),
					zap.Error(err))
			}
			return
		}
	}
}

// signal delivers sig to the child's process group, falling back to the
// child alone when the group lookup fails.
func (r *Runner) signal(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}

// exitCode derives the exit code from cmd.Wait's error. Signal-terminated
// children report the shell convention 128+signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}

// tailBuffer retains the most recent maxBytes of a stream. Single-writer;
// String is only called after the writer has finished.
type tailBuffer struct {
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(s string) {
	b.data = append(b.data, s...)
	if over := len(b.data) - b.max; over > 0 {
		b.data = b.data[over:]
	}
}

func (b *tailBuffer) String() string {
	return string(b.data)
}

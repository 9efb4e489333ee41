package ffmpeg

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19cast/internal/domain/stream"
)

// DefaultKillGrace is how long a process may take to exit after the stop
// signal before it is killed.
const DefaultKillGrace = 3 * time.Second

// ProcessConfig describes a subprocess whose stdout is the stream output.
type ProcessConfig struct {
	Name       string         // Used in logs and TransportError.Op
	Binary     string
	Args       []string
	Stdin      io.Reader      // Optional
	StopSignal syscall.Signal // Sent to the process group on cancellation (default SIGTERM)
	KillGrace  time.Duration  // Wait before SIGKILL (default DefaultKillGrace)
}

// Process is a running subprocess. Its output reaches EOF before its
// completion settles, and it is torn down at most once.
type Process struct {
	cfg        ProcessConfig
	cmd        *exec.Cmd
	output     *io.PipeReader
	completion *stream.Completion

	stopOnce  sync.Once
	mu        sync.Mutex
	exited    bool
	killTimer *time.Timer

	stderrMu   sync.Mutex
	stderrTail string
}

// StartProcess starts the subprocess. Cancelling ctx terminates the whole
// process group.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if ctx.Err() != nil {
		return nil, stream.Cancelled(ctx)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	if cfg.StopSignal == 0 {
		cfg.StopSignal = syscall.SIGTERM
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = cfg.KillGrace

	var stdin io.WriteCloser
	if cfg.Stdin != nil {
		var err error
		if stdin, err = cmd.StdinPipe(); err != nil {
			return nil, errors.Wrap(err, "failed to create stdin pipe")
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, stream.NewTransportError(cfg.Name, errors.Wrapf(err, "failed to start %s", cfg.Binary))
	}
	zlog.Debug().Msgf("%s: started: pid=%d args=%v", cfg.Name, cmd.Process.Pid, cfg.Args)

	if stdin != nil {
		// Not tied to Wait: the feeder may block on a reader that outlives
		// the process.
		go func() {
			_, _ = io.Copy(stdin, cfg.Stdin)
			_ = stdin.Close()
		}()
	}

	pr, pw := io.Pipe()
	p := &Process{
		cfg:        cfg,
		cmd:        cmd,
		output:     pr,
		completion: stream.NewCompletion(),
	}
	go p.run(ctx, stdout, stderr, pw)
	return p, nil
}

// Output returns the process stdout.
func (p *Process) Output() io.ReadCloser {
	return p.output
}

// Completion settles once the process has exited and its output is drained.
func (p *Process) Completion() *stream.Completion {
	return p.completion
}

// Pid returns the process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stream returns the process as a stream without volume control.
func (p *Process) Stream() *stream.Stream {
	return &stream.Stream{
		Handle: stream.Handle{
			Controller: stream.FixedVolume{},
			Completion: p.completion,
		},
		Output: p.output,
	}
}

// Stop terminates the process group: the stop signal first, then SIGKILL
// after the grace period. Only the first call has any effect.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.exited {
			return
		}

		zlog.Debug().Msgf("%s: stopping: pid=%d signal=%v", p.cfg.Name, p.cmd.Process.Pid, p.cfg.StopSignal)
		if err := signalGroup(p.cmd, p.cfg.StopSignal); err != nil {
			zlog.Debug().Msgf("%s: failed to signal process group: error=%v", p.cfg.Name, err)
		}
		p.killTimer = time.AfterFunc(p.cfg.KillGrace, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.exited {
				return
			}
			zlog.Warn().Msgf("%s: did not exit after %v, killing: pid=%d", p.cfg.Name, p.cfg.KillGrace, p.cmd.Process.Pid)
			_ = killGroup(p.cmd)
		})
	})
}

func (p *Process) run(ctx context.Context, stdout, stderr io.Reader, pw *io.PipeWriter) {
	stop := context.AfterFunc(ctx, p.Stop)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(pw, stdout); err != nil {
			// Reader went away; keep draining so the process is not blocked.
			_, _ = io.Copy(io.Discard, stdout)
		}
	}()
	go func() {
		defer wg.Done()
		p.logStderr(stderr)
	}()

	// Pipes must be fully read before Wait.
	wg.Wait()
	waitErr := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()

	var err error
	switch {
	case ctx.Err() != nil:
		err = stream.Cancelled(ctx)
		zlog.Debug().Msgf("%s: stopped: pid=%d", p.cfg.Name, p.cmd.Process.Pid)
	case waitErr != nil:
		if tail := p.lastStderr(); tail != "" {
			waitErr = errors.Wrapf(waitErr, "stderr: %s", tail)
		}
		err = stream.NewTransportError(p.cfg.Name, waitErr)
		zlog.Warn().Msgf("%s: exited abnormally: pid=%d error=%v", p.cfg.Name, p.cmd.Process.Pid, waitErr)
	default:
		zlog.Debug().Msgf("%s: exited: pid=%d", p.cfg.Name, p.cmd.Process.Pid)
	}

	pw.CloseWithError(err)
	p.completion.Resolve(err)
}

func (p *Process) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		zlog.Debug().Msgf("%s: %s", p.cfg.Name, line)
		p.stderrMu.Lock()
		p.stderrTail = line
		p.stderrMu.Unlock()
	}
	// Scanner stops on overlong lines; drain the rest.
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) lastStderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return p.stderrTail
}

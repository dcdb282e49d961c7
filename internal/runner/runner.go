//go:build !windows

// Package runner is the caller side of spawn: it turns a Job into a spawn
// request, starts the child, waits for it and reports the decoded outcome to
// logs, metrics and the history sink.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/privspawn/internal/env"
	"github.com/loykin/privspawn/internal/history"
	"github.com/loykin/privspawn/internal/logger"
	"github.com/loykin/privspawn/internal/metrics"
	"github.com/loykin/privspawn/internal/spawn"
	"github.com/loykin/privspawn/internal/waitstatus"
	"golang.org/x/sys/unix"
)

const sinkTimeout = 5 * time.Second

// Job describes one child to run.
type Job struct {
	Name string // label for logs, metrics and history; defaults to base(Path)
	Path string
	Args []string

	InheritEnv bool     // start from the runner's own environment
	GlobalEnv  []string // "K=V" applied over the base
	Env        []string // "K=V" applied last; ${VAR} is expanded

	WorkDir string
	UID     *int
	GID     *int
	Groups  []int
	Setsid  bool

	// Stdout and Stderr receive the child's output. When nil, Log decides:
	// rotating files if configured, otherwise the runner's own descriptors.
	Stdout io.Writer
	Stderr io.Writer
	Log    logger.FileConfig
}

func (j Job) name() string {
	if j.Name != "" {
		return j.Name
	}
	return filepath.Base(j.Path)
}

// env returns nil to inherit the runner's environment unchanged.
func (j Job) env() []string {
	if j.InheritEnv && len(j.GlobalEnv) == 0 && len(j.Env) == 0 {
		return nil
	}
	e := env.New()
	if j.InheritEnv {
		e.FromOS()
	}
	return e.SetPairs(j.GlobalEnv).Merge(j.Env)
}

// Result is the outcome of a completed Run.
type Result struct {
	Run         history.Run
	Disposition waitstatus.Disposition
}

// Runner runs jobs. The zero value is not usable; use New.
type Runner struct {
	log  *slog.Logger
	sink history.Sink
	now  func() time.Time
	wait func(ctx context.Context, pid int) (int, error)

	mu     sync.Mutex
	active map[string]history.Run
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.log = l } }

func WithSink(s history.Sink) Option { return func(r *Runner) { r.sink = s } }

func New(opts ...Option) *Runner {
	r := &Runner{log: slog.Default(), now: time.Now, wait: waitPID, active: make(map[string]history.Run)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run spawns the job and blocks until the child has been reaped. A non-zero
// exit is not an error; see Result.Disposition. Cancelling ctx forwards
// SIGTERM to the child and keeps waiting.
//
// The returned error is a *spawn.Error when the child could not be started.
func (r *Runner) Run(ctx context.Context, j Job) (Result, error) {
	name := j.name()
	fa := spawn.NewFileActions()
	if j.WorkDir != "" {
		fa.AddChdir(j.WorkDir)
	}
	outs, err := r.outputs(j, name, fa)
	if err != nil {
		return Result{}, err
	}

	req := spawn.Request{
		Path:        j.Path,
		Args:        j.Args,
		Env:         j.env(),
		FileActions: fa,
		UID:         j.UID,
		GID:         j.GID,
		Groups:      j.Groups,
		Setsid:      j.Setsid,
	}
	run := history.Run{
		ID:     uuid.NewString(),
		Name:   name,
		Path:   j.Path,
		Mode:   string(spawn.ModeOf(req)),
		UID:    j.UID,
		GID:    j.GID,
		Groups: j.Groups,
		Setsid: j.Setsid,
	}
	log := r.log.With("name", name, "run_id", run.ID, "mode", run.Mode)

	run.StartedAt = r.now()
	pid, err := spawn.Spawn(req)

	var wg sync.WaitGroup
	for _, o := range outs {
		o.start(&wg, err == nil)
	}

	if err != nil {
		run.StoppedAt = run.StartedAt
		var se *spawn.Error
		if errors.As(err, &se) {
			run.PID = se.Pid
			run.Stage = string(se.Stage)
			run.Errno = unix.ErrnoName(se.Err)
		}
		metrics.IncSpawnFailure(name, run.Stage, run.Errno)
		log.Error("spawn failed", "path", j.Path, "stage", run.Stage, "errno", run.Errno, "error", err)
		r.send(ctx, log, history.EventFailure, run)
		return Result{Run: run}, err
	}

	run.PID = pid
	run.ProcStartedAt = procStart(pid)
	metrics.IncSpawn(name, run.Mode)
	log.Info("spawned", "pid", pid, "path", j.Path, "proc_started_at", run.ProcStartedAt)
	r.send(ctx, log, history.EventSpawn, run)
	r.track(run)
	defer r.untrack(run.ID)

	raw, werr := r.wait(ctx, pid)
	wg.Wait()
	run.StoppedAt = r.now()
	if werr != nil {
		log.Error("wait failed", "pid", pid, "error", werr)
		var errno unix.Errno
		if errors.As(werr, &errno) {
			run.Errno = unix.ErrnoName(errno)
		}
		return r.lost(ctx, log, run, stageWait, werr)
	}

	disp, derr := waitstatus.Decode(raw)
	if derr != nil {
		log.Error("undecodable wait status", "pid", pid, "status", raw, "error", derr)
		return r.lost(ctx, log, run, stageDecode, derr)
	}
	run.Kind = disp.Kind().String()
	run.ExitCode = disp.ShellCode()
	if sig, ok := disp.Signaled(); ok {
		run.Signal = int(sig)
	}
	metrics.ObserveExit(name, run.Kind, run.ExitCode, run.StoppedAt.Sub(run.StartedAt).Seconds())

	level := slog.LevelInfo
	if disp.Err() != nil {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "exited", "pid", pid, "status", disp.String(), "duration", run.StoppedAt.Sub(run.StartedAt))
	r.send(ctx, log, history.EventExit, run)

	return Result{Run: run, Disposition: disp}, nil
}

// Stages recorded when a started child's exit could not be observed.
const (
	stageWait   = "wait"
	stageDecode = "decode"
)

// lost records a started child whose outcome is unknown.
func (r *Runner) lost(ctx context.Context, log *slog.Logger, run history.Run, stage string, err error) (Result, error) {
	run.Stage = stage
	metrics.ObserveLost(run.Name)
	r.send(ctx, log, history.EventFailure, run)
	return Result{Run: run}, err
}

// Active returns the runs whose child has not been reaped yet, oldest first.
func (r *Runner) Active() []history.Run {
	r.mu.Lock()
	out := make([]history.Run, 0, len(r.active))
	for _, run := range r.active {
		out = append(out, run)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Runner) track(run history.Run) {
	r.mu.Lock()
	r.active[run.ID] = run
	r.mu.Unlock()
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *Runner) outputs(j Job, name string, fa *spawn.FileActions) ([]*output, error) {
	stdout, stderr := j.Stdout, j.Stderr
	var outCloser, errCloser io.Closer
	if stdout == nil || stderr == nil {
		fw, ew, err := logger.Config{File: j.Log}.ProcessWriters(name)
		if err != nil {
			return nil, err
		}
		if stdout == nil && fw != nil {
			stdout, outCloser = fw, fw
		} else if fw != nil {
			_ = fw.Close()
		}
		if stderr == nil && ew != nil {
			stderr, errCloser = ew, ew
		} else if ew != nil {
			_ = ew.Close()
		}
	}

	var outs []*output
	if stdout != nil {
		outs = append(outs, newOutput(1, stdout, outCloser))
	}
	if stderr != nil {
		outs = append(outs, newOutput(2, stderr, errCloser))
	}
	for i, o := range outs {
		if err := o.attach(fa); err != nil {
			for _, prev := range outs[:i+1] {
				prev.start(nil, false)
			}
			for _, rest := range outs[i+1:] {
				rest.finish()
			}
			return nil, err
		}
	}
	return outs, nil
}

// send records e without failing the run.
func (r *Runner) send(ctx context.Context, log *slog.Logger, t history.EventType, run history.Run) {
	if r.sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := r.sink.Send(sctx, history.Event{Type: t, OccurredAt: r.now().UTC(), Run: run}); err != nil {
		log.Warn("history sink failed", "event", string(t), "error", err)
	}
}

// waitPID reaps pid, retrying on EINTR, and returns its raw wait status.
func waitPID(ctx context.Context, pid int) (int, error) {
	var mu sync.Mutex
	reaped := false
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			if !reaped {
				_ = unix.Kill(pid, unix.SIGTERM)
			}
			mu.Unlock()
		case <-done:
		}
	}()

	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		mu.Lock()
		reaped = true
		mu.Unlock()
		if err != nil {
			return 0, err
		}
		return int(uint32(ws)), nil
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/privspawn"
	"github.com/loykin/privspawn/internal/config"
	"github.com/loykin/privspawn/internal/history/factory"
	"github.com/loykin/privspawn/internal/metrics"
	"github.com/loykin/privspawn/internal/runner"
	"github.com/loykin/privspawn/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Exit codes used when the child's own status is not available.
const (
	exitSpawnFailed = 127
	exitWaitFailed  = 1
)

// exitError carries the process exit code the CLI should terminate with.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "exit status " + strconv.Itoa(e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// exitCode maps an Execute error onto the process exit status.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// command implements the CLI operations independent of cobra.
type command struct {
	out    io.Writer
	errOut io.Writer
}

// session is the per-invocation environment: config, logger, sink, metrics.
type session struct {
	cfg    *config.Config
	log    *slog.Logger
	runner *runner.Runner
	close  func()
}

func (c command) open(g GlobalFlags, o OutputFlags) (*session, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lc := cfg.Log
	if g.LogLevel != "" {
		lc.Slog.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		lc.Slog.Format = g.LogFormat
	}
	if lc.Slog.Output == nil {
		lc.Slog.Output = c.errOut
	}
	log := lc.NewSlogger()

	s := &session{cfg: cfg, log: log}
	var closers []func()
	s.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := []runner.Option{runner.WithLogger(log)}
	dsn := cfg.HistoryDSN
	if o.HistoryDSN != "" {
		dsn = o.HistoryDSN
	}
	if dsn != "" {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		if cl, ok := sink.(io.Closer); ok {
			closers = append(closers, func() { _ = cl.Close() })
		}
		opts = append(opts, runner.WithSink(sink))
	}
	s.runner = runner.New(opts...)

	listen := cfg.Metrics
	if o.MetricsListen != "" {
		listen = o.MetricsListen
	}
	if listen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			s.close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		srv := server.NewServer(listen, server.NewRouter("", s.runner.Active))
		log.Debug("metrics server listening", "addr", listen)
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	return s, nil
}

// execute runs job and translates the outcome into an exit status.
func (c command) execute(s *session, job runner.Job) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := s.runner.Run(ctx, job)
	if err != nil {
		var se *privspawn.Error
		if errors.As(err, &se) {
			return &exitError{code: exitSpawnFailed, err: err}
		}
		return &exitError{code: exitWaitFailed, err: err}
	}
	if code := res.Disposition.ShellCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// Run spawns PATH ARGS... described by flags.
func (c command) Run(g GlobalFlags, f RunFlags, argv []string) error {
	if len(argv) == 0 {
		return errors.New("run requires PATH [ARGS...]")
	}
	uid, err := resolveUser(f.UID)
	if err != nil {
		return err
	}
	gid, err := resolveGroup(f.GID)
	if err != nil {
		return err
	}
	groups, err := resolveGroups(f.Groups)
	if err != nil {
		return err
	}

	s, err := c.open(g, f.OutputFlags)
	if err != nil {
		return err
	}
	defer s.close()

	logCfg := s.cfg.Log.File
	if f.LogDir != "" {
		logCfg.Dir = f.LogDir
	}
	job := runner.Job{
		Name:       f.Name,
		Path:       argv[0],
		Args:       argv,
		InheritEnv: !f.ClearEnv,
		GlobalEnv:  s.cfg.Env,
		Env:        f.EnvKVs,
		WorkDir:    f.WorkDir,
		UID:        uid,
		GID:        gid,
		Groups:     groups,
		Setsid:     f.Setsid,
		Log:        logCfg,
	}
	return c.execute(s, job)
}

// Profile spawns the named [[profiles]] entry of the config file.
func (c command) Profile(g GlobalFlags, f ProfileFlags, name string) error {
	if g.ConfigPath == "" {
		return errors.New("profile requires --config")
	}
	s, err := c.open(g, f.OutputFlags)
	if err != nil {
		return err
	}
	defer s.close()

	p, err := s.cfg.Profile(name)
	if err != nil {
		return err
	}
	job := runner.Job{
		Name:       p.Name,
		Path:       p.Path,
		Args:       p.Args,
		InheritEnv: p.InheritEnv,
		GlobalEnv:  s.cfg.Env,
		Env:        p.Env,
		WorkDir:    p.WorkDir,
		UID:        p.UID,
		GID:        p.GID,
		Groups:     p.Groups,
		Setsid:     p.Setsid,
		Log:        p.Log,
	}
	return c.execute(s, job)
}

type decodeResult struct {
	Raw      int    `json:"raw"`
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exit_code"`
	Signaled bool   `json:"signaled"`
	Signal   int    `json:"signal"`
	Summary  string `json:"summary"`
}

// Decode prints the disposition encoded by a raw wait status.
// STATUS accepts decimal, 0x hex or 0 octal notation.
func (c command) Decode(f DecodeFlags, status string) error {
	raw, err := strconv.ParseInt(strings.TrimSpace(status), 0, 64)
	if err != nil || raw < 0 || raw > 0xffffffff {
		return fmt.Errorf("invalid wait status %q", status)
	}
	r := int(raw)
	res := decodeResult{
		Raw:      r,
		Exited:   privspawn.DecodeExited(r),
		ExitCode: privspawn.DecodeExitCode(r),
		Signaled: privspawn.DecodeSignaled(r),
		Signal:   privspawn.DecodeSignalCode(r),
	}
	if d, err := privspawn.Decode(r); err == nil {
		res.Summary = d.String()
	} else {
		res.Summary = "unmodeled"
	}

	if f.JSON {
		enc := json.NewEncoder(c.out)
		return enc.Encode(res)
	}
	_, err = fmt.Fprintln(c.out, res.Summary)
	return err
}

//go:build !windows

// Package privspawn launches child processes with user, group, supplementary
// group and session overrides applied in a fixed order before the target
// image runs, and decodes the raw wait statuses those children report.
//
// Spawns with overrides re-execute the running binary as a short-lived
// duplicate. Importing this package is enough for that binary to recognise
// the duplicate role: it is handled while the package initializes, before
// main runs.
package privspawn

import (
	"log/slog"
	"net/http"
	"os"

	cfg "github.com/loykin/privspawn/internal/config"
	"github.com/loykin/privspawn/internal/history"
	"github.com/loykin/privspawn/internal/history/factory"
	"github.com/loykin/privspawn/internal/metrics"
	"github.com/loykin/privspawn/internal/runner"
	"github.com/loykin/privspawn/internal/server"
	"github.com/loykin/privspawn/internal/spawn"
	"github.com/loykin/privspawn/internal/waitstatus"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Request = spawn.Request

type FileActions = spawn.FileActions

type Attributes = spawn.Attributes

type Flags = spawn.Flags

type Error = spawn.Error

type Stage = spawn.Stage

type Mode = spawn.Mode

type Disposition = waitstatus.Disposition

type ExitError = waitstatus.ExitError

const (
	FlagSetPGroup = spawn.FlagSetPGroup
	FlagSetExec   = spawn.FlagSetExec
)

var ErrUnmodeled = waitstatus.ErrUnmodeled

func NewFileActions() *FileActions { return spawn.NewFileActions() }
func NewAttributes() *Attributes   { return spawn.NewAttributes() }

// Init reports whether this process is a pre-fork duplicate. Duplicates are
// taken over during package initialization, so callers normally see false.
func Init() bool { return spawn.Init() }

// Spawn starts req and returns the child's pid; reaping is the caller's job.
func Spawn(req Request) (int, error) { return spawn.Spawn(req) }

// ModeOf reports whether req would be spawned directly or via a duplicate.
func ModeOf(req Request) Mode { return spawn.ModeOf(req) }

// SpawnProcess is Spawn with the request spelled out. A nil env inherits the
// caller's environment; nil uid/gid and empty groups leave identity alone.
func SpawnProcess(path string, fa *FileActions, attrs *Attributes, args, env []string,
	uid, gid *int, groups []int, setsid bool) (int, error) {
	return spawn.Spawn(spawn.Request{
		Path:        path,
		Args:        args,
		Env:         env,
		FileActions: fa,
		Attributes:  attrs,
		UID:         uid,
		GID:         gid,
		Groups:      groups,
		Setsid:      setsid,
	})
}

// Wait status decoding

func DecodeExited(raw int) bool    { return waitstatus.Exited(raw) }
func DecodeExitCode(raw int) int   { return waitstatus.ExitCode(raw) }
func DecodeSignaled(raw int) bool  { return waitstatus.Signaled(raw) }
func DecodeSignalCode(raw int) int { return waitstatus.SignalCode(raw) }

func Decode(raw int) (Disposition, error) { return waitstatus.Decode(raw) }

// RawStatus extracts the raw wait status from a reaped os/exec child, or -1.
func RawStatus(ps *os.ProcessState) int { return waitstatus.FromProcessState(ps) }

// Runner facade

type Runner = runner.Runner

type Job = runner.Job

type Result = runner.Result

type HistorySink = history.Sink

type Config = cfg.Config

type Profile = cfg.Profile

// NewRunner builds a Runner logging to l (slog.Default when nil) and
// recording to sink when non-nil.
func NewRunner(l *slog.Logger, sink HistorySink) *Runner {
	var opts []runner.Option
	if l != nil {
		opts = append(opts, runner.WithLogger(l))
	}
	if sink != nil {
		opts = append(opts, runner.WithSink(sink))
	}
	return runner.New(opts...)
}

// NewHistorySink opens a sink by DSN (sqlite, postgres, clickhouse, opensearch).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewHTTPServer starts an HTTP server on addr exposing /metrics, /healthz and
// /runs (the runner's in-flight children). r may be nil.
func NewHTTPServer(addr string, r *Runner) *http.Server {
	var active func() []history.Run
	if r != nil {
		active = r.Active
	}
	return server.NewServer(addr, server.NewRouter("", active))
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// Config groups the CLI's own structured logging and the file destinations
// used for a spawned child's stdout/stderr.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// SlogConfig controls the slog handler used by the CLI and runner.
type SlogConfig struct {
	Level      string // debug|info|warn|error (default info)
	Format     string // text|json (default text)
	Color      bool   // ANSI level colors, text format only
	TimeStamps bool
	Source     bool
	Output     io.Writer // defaults to os.Stderr
}

// FileConfig describes log files for a child process.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string // base directory for logs
	StdoutPath string // explicit stdout path overrides Dir
	StderrPath string // explicit stderr path overrides Dir
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// NewSlogger builds a *slog.Logger from the Slog section.
func (c Config) NewSlogger() *slog.Logger {
	s := c.Slog
	out := s.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(s.Level), AddSource: s.Source}
	if !s.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch strings.ToLower(s.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(out, opts)
	default:
		if s.Color {
			h = NewColorTextHandler(out, opts, s.TimeStamps)
		} else {
			h = slog.NewTextHandler(out, opts)
		}
	}
	return slog.New(h)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ParseLevel maps a level name onto slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProcessWriters returns io.WriteClosers for stdout and stderr for given process name.
// Either is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = f.rotating(stdout)
	}
	if stderr != "" {
		errW = f.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/privspawn/internal/logger"
	"github.com/spf13/viper"
)

// ErrProfileNotFound is returned by Config.Profile for an unknown name.
var ErrProfileNotFound = errors.New("profile not found")

// EnvPrefix prefixes environment variables that override scalar settings,
// e.g. PRIVSPAWN_HISTORY_DSN or PRIVSPAWN_LOG_LEVEL.
const EnvPrefix = "PRIVSPAWN"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env      []string        `toml:"env" mapstructure:"env"`
	EnvFiles []string        `toml:"env_files" mapstructure:"env_files"`
	Log      LogConfig       `toml:"log" mapstructure:"log"`
	History  HistoryConfig   `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Profiles []ProfileConfig `toml:"profiles" mapstructure:"profiles"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// ProfileConfig is one [[profiles]] entry.
type ProfileConfig struct {
	Name       string     `toml:"name" mapstructure:"name"`
	Path       string     `toml:"path" mapstructure:"path"`
	Args       []string   `toml:"args" mapstructure:"args"`
	Env        []string   `toml:"env" mapstructure:"env"`
	InheritEnv *bool      `toml:"inherit_env" mapstructure:"inherit_env"`
	WorkDir    string     `toml:"workdir" mapstructure:"workdir"`
	UID        *int       `toml:"uid" mapstructure:"uid"`
	GID        *int       `toml:"gid" mapstructure:"gid"`
	Groups     []int      `toml:"groups" mapstructure:"groups"`
	Setsid     bool       `toml:"setsid" mapstructure:"setsid"`
	Log        *LogConfig `toml:"log" mapstructure:"log"`
}

// Profile is a validated profile with logging defaults applied.
type Profile struct {
	Name       string
	Path       string
	Args       []string
	Env        []string
	InheritEnv bool
	WorkDir    string
	UID        *int
	GID        *int
	Groups     []int
	Setsid     bool
	Log        logger.FileConfig
}

// Config is the loaded configuration.
type Config struct {
	Env        []string // top-level env with env_files applied, "K=V"
	Log        logger.Config
	HistoryDSN string
	Metrics    string
	Profiles   []Profile
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Defaults register the keys AutomaticEnv may override.
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.listen", "")
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads a TOML config file. An empty path yields defaults plus
// PRIVSPAWN_* environment overrides.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	return fc.build(filepath.Dir(path))
}

func (fc FileConfig) build(baseDir string) (*Config, error) {
	env, err := fc.globalEnv(baseDir)
	if err != nil {
		return nil, err
	}
	c := &Config{
		Env:        env,
		Log:        logger.Config{Slog: fc.Log.slog(), File: fc.Log.file()},
		HistoryDSN: strings.TrimSpace(fc.History.DSN),
		Metrics:    strings.TrimSpace(fc.Metrics.Listen),
	}

	seen := make(map[string]bool, len(fc.Profiles))
	for i, pc := range fc.Profiles {
		p, err := pc.build(fc.Log)
		if err != nil {
			return nil, fmt.Errorf("profiles[%d]: %w", i, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("profiles[%d]: duplicate profile name %q", i, p.Name)
		}
		seen[p.Name] = true
		c.Profiles = append(c.Profiles, p)
	}
	return c, nil
}

// Profile looks up a profile by name.
func (c *Config) Profile(name string) (Profile, error) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

func (pc ProfileConfig) build(global LogConfig) (Profile, error) {
	if strings.TrimSpace(pc.Name) == "" {
		return Profile{}, errors.New("profile requires name")
	}
	if strings.TrimSpace(pc.Path) == "" {
		return Profile{}, fmt.Errorf("profile %s requires path", pc.Name)
	}
	if pc.UID != nil && *pc.UID < 0 {
		return Profile{}, fmt.Errorf("profile %s: uid must be >= 0", pc.Name)
	}
	if pc.GID != nil && *pc.GID < 0 {
		return Profile{}, fmt.Errorf("profile %s: gid must be >= 0", pc.Name)
	}
	for _, g := range pc.Groups {
		if g < 0 {
			return Profile{}, fmt.Errorf("profile %s: groups must be >= 0", pc.Name)
		}
	}

	args := pc.Args
	if len(args) == 0 {
		args = []string{filepath.Base(pc.Path)}
	}
	inherit := true
	if pc.InheritEnv != nil {
		inherit = *pc.InheritEnv
	}

	// logging: top-level defaults, then per-profile overrides
	logCfg := global
	if pc.Log != nil {
		logCfg = logCfg.override(*pc.Log)
	}

	return Profile{
		Name:       pc.Name,
		Path:       pc.Path,
		Args:       args,
		Env:        pc.Env,
		InheritEnv: inherit,
		WorkDir:    pc.WorkDir,
		UID:        pc.UID,
		GID:        pc.GID,
		Groups:     pc.Groups,
		Setsid:     pc.Setsid,
		Log:        logCfg.file(),
	}, nil
}

func (l LogConfig) override(o LogConfig) LogConfig {
	if o.Dir != "" {
		l.Dir = o.Dir
	}
	if o.Stdout != "" {
		l.Stdout = o.Stdout
	}
	if o.Stderr != "" {
		l.Stderr = o.Stderr
	}
	if o.MaxSizeMB != 0 {
		l.MaxSizeMB = o.MaxSizeMB
	}
	if o.MaxBackups != 0 {
		l.MaxBackups = o.MaxBackups
	}
	if o.MaxAgeDays != 0 {
		l.MaxAgeDays = o.MaxAgeDays
	}
	if o.Compress {
		l.Compress = true
	}
	return l
}

func (l LogConfig) slog() logger.SlogConfig {
	return logger.SlogConfig{
		Level:      l.Level,
		Format:     l.Format,
		Color:      l.Color,
		TimeStamps: l.Timestamps,
	}
}

func (l LogConfig) file() logger.FileConfig {
	return logger.FileConfig{
		Dir:        l.Dir,
		StdoutPath: l.Stdout,
		StderrPath: l.Stderr,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// globalEnv merges env_files contents (in order) and the top-level env list,
// which overrides last. Relative env file paths resolve against the config
// file's directory.
func (fc FileConfig) globalEnv(baseDir string) ([]string, error) {
	m := make(map[string]string)
	for _, p := range fc.EnvFiles {
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

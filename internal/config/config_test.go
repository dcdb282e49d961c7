package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "privspawn.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `
env = ["GLOBAL=1"]

[log]
level = "debug"
format = "json"
dir = "/var/log/privspawn"
max_size_mb = 20

[history]
dsn = "sqlite://:memory:"

[metrics]
listen = ":9100"

[[profiles]]
name = "backup"
path = "/usr/bin/rsync"
args = ["rsync", "-a", "/src", "/dst"]
env = ["RSYNC_RSH=ssh"]
workdir = "/srv"
uid = 1000
gid = 1000
groups = [1000, 27]
setsid = true

[profiles.log]
dir = "/var/log/backup"

[[profiles]]
name = "plain"
path = "/bin/true"
inherit_env = false
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"GLOBAL=1"}, c.Env)
	assert.Equal(t, "debug", c.Log.Slog.Level)
	assert.Equal(t, "json", c.Log.Slog.Format)
	assert.Equal(t, "sqlite://:memory:", c.HistoryDSN)
	assert.Equal(t, ":9100", c.Metrics)
	require.Len(t, c.Profiles, 2)

	b, err := c.Profile("backup")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/rsync", b.Path)
	assert.Equal(t, []string{"rsync", "-a", "/src", "/dst"}, b.Args)
	assert.True(t, b.InheritEnv)
	require.NotNil(t, b.UID)
	assert.Equal(t, 1000, *b.UID)
	require.NotNil(t, b.GID)
	assert.Equal(t, []int{1000, 27}, b.Groups)
	assert.True(t, b.Setsid)
	assert.Equal(t, "/var/log/backup", b.Log.Dir)
	assert.Equal(t, 20, b.Log.MaxSizeMB)

	plain, err := c.Profile("plain")
	require.NoError(t, err)
	assert.False(t, plain.InheritEnv)
	assert.Nil(t, plain.UID)
	assert.Nil(t, plain.GID)
	assert.Equal(t, []string{"true"}, plain.Args, "argv[0] defaults to the base name")
	assert.Equal(t, "/var/log/privspawn", plain.Log.Dir)
}

func TestLoad_ProfileNotFound(t *testing.T) {
	c, err := Load(writeConfig(t, `
[[profiles]]
name = "a"
path = "/bin/true"
`))
	require.NoError(t, err)
	_, err = c.Profile("b")
	assert.True(t, errors.Is(err, ErrProfileNotFound))
}

func TestLoad_InvalidProfiles(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing name", "[[profiles]]\npath = \"/bin/true\"\n"},
		{"missing path", "[[profiles]]\nname = \"x\"\n"},
		{"negative uid", "[[profiles]]\nname = \"x\"\npath = \"/bin/true\"\nuid = -1\n"},
		{"negative gid", "[[profiles]]\nname = \"x\"\npath = \"/bin/true\"\ngid = -2\n"},
		{"negative group", "[[profiles]]\nname = \"x\"\npath = \"/bin/true\"\ngroups = [1, -1]\n"},
		{"duplicate", "[[profiles]]\nname = \"x\"\npath = \"/bin/true\"\n[[profiles]]\nname = \"x\"\npath = \"/bin/false\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_MalformedTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "[[profiles]\nname = "))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PRIVSPAWN_HISTORY_DSN", "sqlite://:memory:")
	t.Setenv("PRIVSPAWN_LOG_LEVEL", "warn")

	c, err := Load(writeConfig(t, "[history]\ndsn = \"/tmp/ignored.db\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite://:memory:", c.HistoryDSN)
	assert.Equal(t, "warn", c.Log.Slog.Level)

	c, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite://:memory:", c.HistoryDSN)
	assert.Empty(t, c.Profiles)
}

func TestLoadEnvFileAndGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, "app.env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\nTOP=file\n"), 0o644))

	pairs, err := LoadEnvFile(dotenv)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "TOP=file"}, pairs)

	cfgPath := filepath.Join(dir, "cfg.toml")
	data := "env_files = [\"app.env\"]\nenv = [\"TOP=tv\"]\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(data), 0o644))

	c, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "TOP=tv"}, c.Env)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(writeConfig(t, "env_files = [\"nope.env\"]\n"))
	assert.Error(t, err)
}

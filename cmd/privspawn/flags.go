package main

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// OutputFlags select where run results and the metrics endpoint go.
type OutputFlags struct {
	HistoryDSN    string
	MetricsListen string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	OutputFlags
	Name     string
	UID      string // numeric id or user name; empty leaves identity alone
	GID      string // numeric id or group name
	Groups   []string
	Setsid   bool
	EnvKVs   []string
	ClearEnv bool
	WorkDir  string
	LogDir   string
}

// ProfileFlags holds flags for the profile command.
type ProfileFlags struct {
	OutputFlags
}

// DecodeFlags holds flags for the decode command.
type DecodeFlags struct {
	JSON bool
}

package main

import (
	"fmt"
	"os"

	"github.com/loykin/privspawn"
	"github.com/spf13/cobra"
)

func main() {
	// A duplicate is taken over during package init; this is a no-op guard.
	if privspawn.Init() {
		return
	}

	root := buildRoot(command{out: os.Stdout, errOut: os.Stderr})
	if err := root.Execute(); err != nil {
		if msg := err.Error(); msg != "" && !isBareExit(err) {
			_, _ = fmt.Fprintln(os.Stderr, "privspawn:", msg)
		}
		os.Exit(exitCode(err))
	}
}

// isBareExit reports whether err only carries the child's exit status.
func isBareExit(err error) bool {
	ee, ok := err.(*exitError)
	return ok && ee.err == nil
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	profileFlags := &ProfileFlags{}
	decodeFlags := &DecodeFlags{}

	root := createRootCommand(globalFlags)
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.AddCommand(
		createRunCommand(c, globalFlags, runFlags),
		createProfileCommand(c, globalFlags, profileFlags),
		createDecodeCommand(c, decodeFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "privspawn",
		Short: "Run a process under a different user, group or session",
		Long: `privspawn starts a child process with optional setuid, setgid, setgroups
and setsid applied (in that order) before the target executable runs, waits
for it and exits with the child's status.

Examples:
  privspawn run --uid=nobody --setsid -- /usr/bin/id
  privspawn profile backup --config=/etc/privspawn.toml
  privspawn decode 0x0300`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format: text|json")

	return root
}

func addOutputFlags(cmd *cobra.Command, o *OutputFlags) {
	cmd.Flags().StringVar(&o.HistoryDSN, "history", "", "history sink DSN (sqlite path, postgres://, clickhouse://, opensearch://)")
	cmd.Flags().StringVar(&o.MetricsListen, "metrics-listen", "", "serve /metrics, /healthz and /runs on this address while the child runs")
}

// createRunCommand creates the run subcommand
func createRunCommand(c command, g *GlobalFlags, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] -- PATH [ARGS...]",
		Short: "Run an executable with identity and session overrides",
		Long: `Run PATH with ARGS (ARGS[0] is PATH) after applying the requested overrides.
Without --uid, --gid, --groups or --setsid the child is spawned directly;
otherwise a short-lived duplicate of privspawn applies them and execs PATH.

The exit status is the child's exit code, 128+N when it was killed by
signal N, or 127 when it could not be started.

Examples:
  privspawn run -- /bin/echo hello
  privspawn run --uid=1000 --gid=1000 --groups=27,100 -- /usr/bin/id
  privspawn run --clear-env --env=PATH=/usr/bin -- /usr/bin/env
  privspawn run --setsid --log-dir=/var/log/jobs --name=nightly -- /opt/nightly.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(*g, *f, args)
		},
	}

	// flags after PATH belong to the child
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&f.Name, "name", "", "name used in logs, metrics and history (default: base name of PATH)")
	cmd.Flags().StringVar(&f.UID, "uid", "", "user id or name to switch to")
	cmd.Flags().StringVar(&f.GID, "gid", "", "group id or name to switch to")
	cmd.Flags().StringSliceVar(&f.Groups, "groups", nil, "supplementary group ids or names")
	cmd.Flags().BoolVar(&f.Setsid, "setsid", false, "start the child in a new session")
	cmd.Flags().StringArrayVar(&f.EnvKVs, "env", nil, "KEY=VALUE to set in the child's environment (repeatable)")
	cmd.Flags().BoolVar(&f.ClearEnv, "clear-env", false, "do not inherit privspawn's environment")
	cmd.Flags().StringVar(&f.WorkDir, "workdir", "", "working directory for the child")
	cmd.Flags().StringVar(&f.LogDir, "log-dir", "", "write child stdout/stderr to <dir>/<name>.{stdout,stderr}.log")
	addOutputFlags(cmd, &f.OutputFlags)

	return cmd
}

// createProfileCommand creates the profile subcommand
func createProfileCommand(c command, g *GlobalFlags, f *ProfileFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile NAME",
		Short: "Run a [[profiles]] entry from the config file",
		Long: `Run the profile NAME defined in the TOML file given by --config.

Examples:
  privspawn profile backup --config=/etc/privspawn.toml
  privspawn profile backup --config=./privspawn.toml --history=/var/lib/privspawn/history.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Profile(*g, *f, args[0])
		},
	}
	addOutputFlags(cmd, &f.OutputFlags)
	return cmd
}

// createDecodeCommand creates the decode subcommand
func createDecodeCommand(c command, f *DecodeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode STATUS",
		Short: "Decode a raw wait status",
		Long: `Print how a process terminated given the raw status reported by wait(2).
STATUS may be decimal, 0x-prefixed hex or 0-prefixed octal.

Examples:
  privspawn decode 0x0300     # exited with code 3
  privspawn decode 9 --json   # killed by signal 9`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Decode(*f, args[0])
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a summary line")
	return cmd
}

// Command anchord is the headless workspace daemon. It serves RPC over TCP
// and WebSocket, or dials out to an Orbit relay in runner mode.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/leonletto/anchord/internal/config"
	"github.com/leonletto/anchord/internal/daemon"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// fatalError marks a failure after startup; it is reported without usage text.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the root command and maps its outcome to an exit code.
// Configuration errors and bind failures exit 2 with usage on stderr.
func run(args []string, stdout, stderr io.Writer) int {
	cmd := rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)

	var fatal *fatalError
	if errors.As(err, &fatal) {
		return exitError
	}
	fmt.Fprintf(stderr, "\n%s", cmd.UsageString())
	return exitUsage
}

func rootCmd() *cobra.Command {
	cfg := &config.DaemonConfig{}

	cmd := &cobra.Command{
		Use:   "anchord",
		Short: "Headless workspace daemon for coding agents",
		Long: `anchord multiplexes TCP and WebSocket clients onto workspace sessions,
each backed by a long-lived agent app-server process.

Inbound mode requires --token (or ` + config.EnvToken + `) unless --insecure-no-auth
is given. With --orbit-url the daemon instead dials out to a relay and
serves the same RPC surface over that link.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.ApplyEnv()
			if err := cfg.Validate(); err != nil {
				return err
			}
			err := runDaemon(cmd.Context(), cfg)
			var startup *daemon.StartupError
			if err == nil || errors.As(err, &startup) {
				return err
			}
			return &fatalError{err: err}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Listen, "listen", config.DefaultListenAddr, "TCP listen address")
	flags.StringVar(&cfg.WSListen, "ws-listen", "", "WebSocket listen address (disabled when empty)")
	flags.StringVar(&cfg.DataDir, "data-dir", "", "Data directory (default $XDG_DATA_HOME/anchord)")
	flags.StringVar(&cfg.Token, "token", "", "Shared secret clients must send in auth (or "+config.EnvToken+")")
	flags.BoolVar(&cfg.InsecureNoAuth, "insecure-no-auth", false, "Disable authentication (local development only)")
	flags.StringVar(&cfg.OrbitURL, "orbit-url", "", "Relay websocket URL; enables runner mode")
	flags.StringVar(&cfg.OrbitToken, "orbit-token", "", "Relay token (or "+config.EnvOrbitToken+")")
	flags.StringVar(&cfg.OrbitAuthURL, "orbit-auth-url", "", "Auth URL announced to the relay (or "+config.EnvOrbitAuthURL+")")
	flags.StringVar(&cfg.OrbitRunnerName, "orbit-runner-name", "", "Runner name announced to the relay (or "+config.EnvOrbitRunnerName+")")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.BoolVar(&cfg.LogJSON, "log-json", false, "Always log JSON, even on a terminal")
	cmd.MarkFlagsMutuallyExclusive("token", "insecure-no-auth")

	cmd.Version = Version
	cmd.SetVersionTemplate("anchord v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	return cmd
}

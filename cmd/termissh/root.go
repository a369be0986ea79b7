package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"termissh/pkg/bridge"
	"termissh/pkg/manager"
	"termissh/pkg/mux"
	"termissh/pkg/observability"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "termissh",
	Short: "Tabbed SSH terminal backed by per-tab relay processes",
	Long: `termissh opens SSH sessions in tabs. Every tab runs its own
termissh-relay process; a tab that loses its connection shows why and can
be reconnected or closed without affecting the others.

In the UI, ctrl+a is the tab prefix:
  c new tab   x close   n/p next/previous   1-9 select
  r reconnect u/d scroll q quit             a send a literal ctrl+a`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTUI,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to hosts config (.yaml, .yml or .toml); defaults to XDG locations")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: trace|debug|info|warn|error|off (default: relay.log_level or info)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// logTarget says where a command's log goes. Commands that own the
// terminal log to a file.
type logTarget int

const (
	logToStderr logTarget = iota
	logToFile
)

// app carries what commands that talk to relays need.
type app struct {
	cfg     *manager.Config
	cfgPath string
	log     zerolog.Logger
	logFile io.Closer
}

// loadApp loads the configuration and sets up logging. Without
// requireConfig a missing configuration yields an empty one.
func loadApp(target logTarget, requireConfig bool) (*app, error) {
	cfg, path, err := manager.LoadConfig(flagConfig)
	switch {
	case errors.Is(err, manager.ErrConfigNotFound) && !requireConfig:
		cfg = &manager.Config{}
	case errors.Is(err, manager.ErrConfigNotFound):
		return nil, fmt.Errorf("%w; searched: %s", err, strings.Join(manager.ConfigPathCandidates(flagConfig), ", "))
	case err != nil:
		return nil, err
	}

	level := flagLogLevel
	if level == "" {
		level = cfg.Relay.LogLevel
	}

	a := &app{cfg: cfg, cfgPath: path}
	var w io.Writer = os.Stderr
	if target == logToFile {
		logPath, err := manager.DefaultLogPath()
		if err != nil {
			return nil, err
		}
		f, err := observability.OpenLogFile(logPath)
		if err != nil {
			return nil, err
		}
		a.logFile = f
		w = f
	}
	a.log = observability.NewLogger(w, level, "termissh")
	if path != "" {
		a.log.Debug().Str("config", path).Msg("config loaded")
	}
	return a, nil
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func (a *app) launcher() (*bridge.Launcher, error) {
	lc, err := a.cfg.LauncherConfig(a.log, manager.SecretSource())
	if err != nil {
		return nil, err
	}
	return bridge.NewLauncher(lc), nil
}

// newMux builds the session registry delivering to buffer.
func (a *app) newMux(buffer mux.TerminalBuffer) (*mux.Multiplexer, error) {
	l, err := a.launcher()
	if err != nil {
		return nil, err
	}
	opts := mux.Options{
		Connect: mux.FromLauncher(l),
		Buffer:  buffer,
		Logger:  a.log,
	}
	if a.cfg.Relay.Transcripts {
		opts.Transcripts = manager.TranscriptOpener(manager.LogOptions{})
	}
	return mux.New(opts), nil
}

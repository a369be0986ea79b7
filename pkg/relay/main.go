package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"termissh/pkg/observability"
)

// Exit codes of the relay executable.
const (
	ExitClean = 0
	ExitError = 1
	ExitUsage = 2
)

// Main is the entry point of the termissh-relay executable. It returns the
// process exit code.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("termissh-relay", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	logLevel := fs.String("log-level", envOr("TERMISSH_RELAY_LOG_LEVEL", "info"), "log level written to stderr (trace, debug, info, warn, error, off)")
	helloTimeout := fs.Duration("hello-timeout", defaultHelloTimeout, "how long to wait for the parent's hello frame")
	drainTimeout := fs.Duration("drain-timeout", defaultDrainTimeout, "how long to keep forwarding output after the shell ends")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: termissh-relay [flags]\n\n")
		fmt.Fprintf(stderr, "Speaks the termissh relay protocol on stdin/stdout. Not meant to be run by hand.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitClean
		}
		return ExitUsage
	}

	log := observability.NewLogger(stderr, *logLevel, "termissh-relay").
		With().Int("pid", os.Getpid()).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	start := time.Now()
	err := Run(ctx, stdin, stdout, Options{
		Logger:       log,
		HelloTimeout: *helloTimeout,
		DrainTimeout: *drainTimeout,
	})
	if err != nil {
		log.Error().Err(err).Dur("uptime", time.Since(start)).Msg("relay exiting")
		return ExitError
	}
	log.Info().Dur("uptime", time.Since(start)).Msg("relay closed")
	return ExitClean
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

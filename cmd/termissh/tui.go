package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"termissh/pkg/manager"
	"termissh/pkg/tui"
)

var flagTheme string

func init() {
	rootCmd.Flags().StringVar(&flagTheme, "theme", "", "Color theme: dark|light|catppuccin|none (default: $TERMISSH_THEME or dark)")
}

func runTUI(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(logToFile, true)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := manager.LoadState("")
	if err != nil {
		a.log.Warn().Err(err).Msg("recents unavailable")
		st = &manager.State{Version: 1}
	}

	buf := tui.NewBuffer()
	mx, err := a.newMux(buf)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	runErr := tui.Run(ctx, mx, buf, tui.Options{
		Profiles: a.cfg.Profiles(),
		Recents:  st.Recents,
		Opened: func(hostID string) {
			if !st.AddRecent(hostID) {
				return
			}
			if err := manager.SaveState("", st); err != nil {
				a.log.Warn().Err(err).Msg("save recents")
			}
		},
		Theme:  flagTheme,
		Logger: a.log,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := mx.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("sessions killed at shutdown")
	}
	a.log.Info().Msg("exit")

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"termissh/pkg/bridge"
)

var relayPathCmd = &cobra.Command{
	Use:   "relay-path",
	Short: "Show where termissh looks for " + bridge.RelayBinaryName() + " and which one it would use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(logToStderr, false)
		if err != nil {
			return err
		}
		defer a.close()

		lc, err := a.cfg.LauncherConfig(a.log, nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range lc.Discovery.Inspect() {
			status := "ok"
			if c.Reason != "" {
				status = c.Reason
			}
			fmt.Fprintf(out, "  %s: %s\n", c.Path, status)
		}
		path, err := lc.Discovery.Resolve()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "using %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(relayPathCmd)
}

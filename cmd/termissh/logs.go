package main

import (
	"fmt"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"termissh/pkg/manager"
)

var (
	logsLines int
	logsPlain bool
	logsList  bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <host>",
	Short: "Show the tail of a host's newest session transcript",
	Long: `Transcripts are written when relay.transcripts is enabled, one file
per host per day under $XDG_STATE_HOME/termissh/transcripts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := manager.ListHostLogFiles(args[0], manager.LogOptions{})
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no transcripts for %s", args[0])
		}
		out := cmd.OutOrStdout()
		if logsList {
			for _, f := range files {
				fmt.Fprintln(out, f)
			}
			return nil
		}

		lines, err := manager.ReadLastNLines(files[0], logsLines)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if logsPlain {
				l = ansi.Strip(l)
			}
			fmt.Fprintln(out, l)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "Number of lines to show")
	logsCmd.Flags().BoolVar(&logsPlain, "plain", false, "Strip terminal escape sequences")
	logsCmd.Flags().BoolVar(&logsList, "list", false, "List transcript files, newest first")
	rootCmd.AddCommand(logsCmd)
}

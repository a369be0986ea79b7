package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"termissh/pkg/manager"
)

var hostsCmd = &cobra.Command{
	Use:     "hosts",
	Aliases: []string{"ls"},
	Short:   "List configured and imported hosts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(logToStderr, true)
		if err != nil {
			return err
		}
		defer a.close()

		hosts := a.cfg.AllHosts()
		if len(hosts) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No hosts in %s\n", a.cfgPath)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), hostsTable(a.cfg, hosts, term.IsTerminal(int(os.Stdout.Fd()))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hostsCmd)
}

func hostsTable(cfg *manager.Config, hosts []manager.Host, color bool) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NAME", "TARGET", "AUTH", "GROUP", "SOURCE")
	for _, h := range hosts {
		r := cfg.ResolveEffective(h)
		p := r.Profile()
		source := "config"
		if h.Source != "" {
			source = h.Source
		}
		name := h.Name
		if h.Label != "" {
			name += " (" + h.Label + ")"
		}
		if len(h.Tags) > 0 {
			name += " [" + strings.Join(h.Tags, ",") + "]"
		}
		t.Row(name, p.Target(), r.EffectiveAuth, h.Group, source)
	}
	if color {
		header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
		cell := lipgloss.NewStyle().Padding(0, 1)
		t.StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	}
	return t.String()
}

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"termissh/pkg/manager"
)

var (
	credUser string
	credKind string
)

var credCmd = &cobra.Command{
	Use:   "cred",
	Short: "Manage stored passwords for hosts using auth: password or cred:<id>",
	Long: `Secrets live in the platform credential store (Secret Service on
Linux, Keychain on macOS). termissh never prints a stored secret.`,
}

var credSetCmd = &cobra.Command{
	Use:   "set <host>",
	Short: "Store a secret, read from the terminal or stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user := credUserFor(args[0])
		secret, err := readSecret(fmt.Sprintf("%s secret for %s@%s: ", credKind, user, args[0]))
		if err != nil {
			return err
		}
		if err := manager.CredSet(args[0], user, credKind, secret); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s for %s@%s\n", credKind, user, args[0])
		return nil
	},
}

var credCheckCmd = &cobra.Command{
	Use:   "check <host>",
	Short: "Verify a secret is stored without printing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user := credUserFor(args[0])
		if _, err := manager.CredReveal(args[0], user, credKind); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s for %s@%s is stored\n", credKind, user, args[0])
		return nil
	},
}

var credDeleteCmd = &cobra.Command{
	Use:   "delete <host>",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user := credUserFor(args[0])
		if err := manager.CredDelete(args[0], user, credKind); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s for %s@%s\n", credKind, user, args[0])
		return nil
	},
}

func init() {
	credCmd.PersistentFlags().StringVar(&credUser, "user", "", "Account name (default: the host's effective user)")
	credCmd.PersistentFlags().StringVar(&credKind, "kind", "password", "Secret kind: password|otp")
	credCmd.AddCommand(credSetCmd, credCheckCmd, credDeleteCmd)
	rootCmd.AddCommand(credCmd)
}

// credUserFor matches the account the launcher asks for: the flag, else
// the configured host's effective user.
func credUserFor(host string) string {
	if credUser != "" {
		return credUser
	}
	cfg, _, err := manager.LoadConfig(flagConfig)
	if err != nil {
		return ""
	}
	p, err := cfg.Lookup(host)
	if err != nil {
		return ""
	}
	return p.User
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no secret on stdin")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

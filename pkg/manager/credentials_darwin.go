//go:build darwin
// +build darwin

package manager

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// macOS credential backend: generic passwords in the login Keychain via the
// built-in `security` tool. The kind is folded into the service name.

func keychainService(kind string) string {
	return credentialApp + ":" + kind
}

func credStore(hostKey, account, kind, secret string) error {
	_, err := runSecurity("add-generic-password", "-U",
		"-s", keychainService(kind),
		"-a", account,
		"-l", fmt.Sprintf("%s %s (%s)", credentialApp, hostKey, kind),
		"-j", "host="+hostKey,
		"-w", secret,
	)
	if err != nil {
		return fmt.Errorf("keychain store failed: %w", err)
	}
	return nil
}

func credLookup(hostKey, account, kind string) (string, error) {
	out, err := runSecurity("find-generic-password", "-w", "-s", keychainService(kind), "-a", account)
	if err != nil {
		return "", fmt.Errorf("keychain lookup for %s failed: %w", hostKey, err)
	}
	return out, nil
}

func credClear(hostKey, account, kind string) error {
	if _, err := runSecurity("delete-generic-password", "-s", keychainService(kind), "-a", account); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "could not be found") {
			return nil
		}
		return fmt.Errorf("keychain delete for %s failed: %w", hostKey, err)
	}
	return nil
}

func runSecurity(args ...string) (string, error) {
	path := "/usr/bin/security"
	if _, err := os.Stat(path); err != nil {
		path = "security"
	}
	cmd := exec.Command(path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s", msg)
	}
	return stdout.String(), nil
}

//go:build linux
// +build linux

package manager

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Linux credential backend: Secret Service via `secret-tool` (libsecret-tools).

func ensureSecretTool() (string, error) {
	path, err := exec.LookPath("secret-tool")
	if err != nil {
		return "", errors.New("secret-tool not found (install libsecret-tools)")
	}
	return path, nil
}

func secretToolAttrs(hostKey, account, kind string) []string {
	return []string{
		"app", credentialApp,
		"host", hostKey,
		"user", account,
		"kind", kind,
	}
}

func credStore(hostKey, account, kind, secret string) error {
	path, err := ensureSecretTool()
	if err != nil {
		return err
	}
	args := append([]string{"store", "--label", fmt.Sprintf("%s %s (%s)", credentialApp, hostKey, kind)}, secretToolAttrs(hostKey, account, kind)...)
	cmd := exec.Command(path, args...)
	cmd.Stdin = strings.NewReader(secret)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return secretToolError("store", stderr.String(), err)
	}
	return nil
}

func credLookup(hostKey, account, kind string) (string, error) {
	path, err := ensureSecretTool()
	if err != nil {
		return "", err
	}
	cmd := exec.Command(path, append([]string{"lookup"}, secretToolAttrs(hostKey, account, kind)...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.TrimSpace(stderr.String()) == "" {
			return "", fmt.Errorf("credential not found (host=%q user=%q kind=%q)", hostKey, account, kind)
		}
		return "", secretToolError("lookup", stderr.String(), err)
	}
	return stdout.String(), nil
}

func credClear(hostKey, account, kind string) error {
	path, err := ensureSecretTool()
	if err != nil {
		return err
	}
	cmd := exec.Command(path, append([]string{"clear"}, secretToolAttrs(hostKey, account, kind)...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.ToLower(stderr.String())
		if msg == "" || strings.Contains(msg, "not found") || strings.Contains(msg, "no such") {
			return nil
		}
		return secretToolError("clear", stderr.String(), err)
	}
	return nil
}

func secretToolError(op, stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	if looksLikeSecretServiceUnavailable(msg) {
		return fmt.Errorf("secret service unavailable: %s (ensure a keyring/secret service is running)", msg)
	}
	return fmt.Errorf("secret-tool %s failed: %s", op, msg)
}

func looksLikeSecretServiceUnavailable(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	return strings.Contains(m, "org.freedesktop.secrets") ||
		strings.Contains(m, "serviceunknown") ||
		strings.Contains(m, "could not connect") ||
		strings.Contains(m, "dbus")
}

package manager

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"termissh/pkg/bridge"
	"termissh/pkg/relayproto"
)

// Credentials are kept in the platform store (Secret Service on Linux,
// Keychain on macOS) under the app name "termissh", keyed by host key,
// account and kind. Secrets are never logged; CredReveal output goes
// straight into the relay's Hello.

const credentialApp = "termissh"

// ErrCredentialsUnsupported is returned on platforms without a store.
var ErrCredentialsUnsupported = errors.New("credential store not supported on this platform")

// CredSet stores or replaces a secret.
func CredSet(hostKey, username, kind, secret string) error {
	hostKey, account, kind, err := credKey(hostKey, username, kind)
	if err != nil {
		return fmt.Errorf("CredSet: %w", err)
	}
	if secret == "" {
		return errors.New("CredSet: empty secret refused")
	}
	return credStore(hostKey, account, kind, secret)
}

// CredReveal returns secret material. Callers must not log or display it.
func CredReveal(hostKey, username, kind string) (string, error) {
	hostKey, account, kind, err := credKey(hostKey, username, kind)
	if err != nil {
		return "", fmt.Errorf("CredReveal: %w", err)
	}
	secret, err := credLookup(hostKey, account, kind)
	if err != nil {
		return "", err
	}
	secret = strings.TrimRight(secret, "\r\n")
	if secret == "" {
		return "", fmt.Errorf("CredReveal: credential not found (host=%q user=%q kind=%q)", hostKey, account, kind)
	}
	return secret, nil
}

// CredDelete removes a secret. Deleting a missing secret is not an error.
func CredDelete(hostKey, username, kind string) error {
	hostKey, account, kind, err := credKey(hostKey, username, kind)
	if err != nil {
		return fmt.Errorf("CredDelete: %w", err)
	}
	return credClear(hostKey, account, kind)
}

// account defaults to the host key.
func credKey(hostKey, username, kind string) (string, string, string, error) {
	hostKey = strings.TrimSpace(hostKey)
	if hostKey == "" {
		return "", "", "", errors.New("hostKey is required")
	}
	account := strings.TrimSpace(username)
	if account == "" {
		account = hostKey
	}
	return hostKey, account, normalizeCredKind(kind), nil
}

func normalizeCredKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	switch k {
	case "", "password":
		return "password"
	case "otp", "totp":
		return "otp"
	default:
		return k
	}
}

// SecretSource resolves auth reference secrets for the launcher:
//
//	password   the stored password of the host itself
//	cred:<id>  the stored password of host key <id>
//	env:<VAR>  the environment variable VAR
func SecretSource() bridge.SecretFunc {
	return func(p bridge.HostProfile, ref relayproto.AuthRef) (string, error) {
		switch ref.Scheme {
		case relayproto.AuthPassword:
			return CredReveal(p.ID, p.User, "password")
		case relayproto.AuthCredential:
			return CredReveal(ref.Value, p.User, "password")
		case relayproto.AuthEnv:
			v, ok := os.LookupEnv(ref.Value)
			if !ok {
				return "", fmt.Errorf("environment variable %s is not set", ref.Value)
			}
			return v, nil
		default:
			return "", fmt.Errorf("auth %s takes no secret", ref)
		}
	}
}

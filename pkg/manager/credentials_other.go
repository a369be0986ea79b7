//go:build !darwin && !linux
// +build !darwin,!linux

package manager

func credStore(hostKey, account, kind, secret string) error {
	return ErrCredentialsUnsupported
}

func credLookup(hostKey, account, kind string) (string, error) {
	return "", ErrCredentialsUnsupported
}

func credClear(hostKey, account, kind string) error {
	return ErrCredentialsUnsupported
}

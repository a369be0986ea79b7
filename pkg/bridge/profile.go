package bridge

import (
	"fmt"
	"strings"
)

// HostProfile is the read-only snapshot of a host that a session is opened
// against. It is produced by the host store (package manager) and never
// modified here.
type HostProfile struct {
	// ID is the host identifier in the store (the host's name).
	ID string
	// Label is the display label; ID is used when empty.
	Label   string
	Address string
	Port    int
	User    string
	// AuthRef is an auth reference as parsed by relayproto.ParseAuthRef.
	AuthRef string

	// Per-host overrides of the launcher's host key settings.
	KnownHosts            string
	InsecureIgnoreHostKey bool
}

// DisplayName is the label shown on a tab.
func (p HostProfile) DisplayName() string {
	if strings.TrimSpace(p.Label) != "" {
		return p.Label
	}
	return p.ID
}

// Target is user@address:port, for logs and status lines.
func (p HostProfile) Target() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	if p.User == "" {
		return fmt.Sprintf("%s:%d", p.Address, port)
	}
	return fmt.Sprintf("%s@%s:%d", p.User, p.Address, port)
}

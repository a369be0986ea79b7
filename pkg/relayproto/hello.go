package relayproto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is carried in every Hello. A relay refuses a Hello whose
// version it does not speak.
const ProtocolVersion = 1

// DefaultTerm is the PTY terminal type requested when the Hello leaves it
// empty.
const DefaultTerm = "xterm-256color"

// DefaultSize is used when the Hello carries no usable dimensions.
var DefaultSize = Size{Rows: 40, Columns: 120}

// Hello carries everything the relay needs to open its session. The parent
// resolves credentials before launch; the relay never reads a credential
// store or configuration file itself.
type Hello struct {
	Version int    `cbor:"version"`
	Address string `cbor:"address"`
	Port    int    `cbor:"port"`
	User    string `cbor:"user"`
	// Auth is an auth reference, see ParseAuthRef.
	Auth string `cbor:"auth"`
	// Secret is the password or key passphrase resolved by the parent.
	Secret string `cbor:"secret,omitempty"`

	Term    string `cbor:"term,omitempty"`
	Rows    uint16 `cbor:"rows"`
	Columns uint16 `cbor:"columns"`

	ConnectTimeout time.Duration `cbor:"connect_timeout,omitempty"`
	KeepAlive      time.Duration `cbor:"keepalive,omitempty"`

	KnownHosts            string `cbor:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool   `cbor:"insecure_ignore_host_key,omitempty"`
}

// Size returns the initial PTY size, falling back to DefaultSize.
func (h Hello) Size() Size {
	s := Size{Rows: h.Rows, Columns: h.Columns}
	if s.IsZero() {
		return DefaultSize
	}
	return s
}

// Target is host:port for dialing.
func (h Hello) Target() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	if strings.Contains(h.Address, ":") && !strings.HasPrefix(h.Address, "[") {
		return fmt.Sprintf("[%s]:%d", h.Address, port)
	}
	return fmt.Sprintf("%s:%d", h.Address, port)
}

// Validate checks the fields the relay cannot work without.
func (h Hello) Validate() error {
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: hello version %d, relay speaks %d", ErrMalformed, h.Version, ProtocolVersion)
	}
	if strings.TrimSpace(h.Address) == "" {
		return fmt.Errorf("%w: hello without address", ErrMalformed)
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("%w: hello port %d out of range", ErrMalformed, h.Port)
	}
	if _, err := ParseAuthRef(h.Auth); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

var (
	helloEncMode cbor.EncMode
	helloDecMode cbor.DecMode
)

func init() {
	var err error
	helloEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("relayproto: CBOR encoder initialization failed: " + err.Error())
	}
	helloDecMode, err = cbor.DecOptions{
		// A newer parent may send fields this relay does not know.
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic("relayproto: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewHelloFrame encodes h. The version is filled in if unset.
func NewHelloFrame(h Hello) (Frame, error) {
	if h.Version == 0 {
		h.Version = ProtocolVersion
	}
	payload, err := helloEncMode.Marshal(h)
	if err != nil {
		return Frame{}, fmt.Errorf("encode hello: %w", err)
	}
	return Frame{Tag: TagHello, Payload: payload}, nil
}

// ParseHello decodes and validates a Hello payload.
func ParseHello(payload []byte) (Hello, error) {
	var h Hello
	if err := helloDecMode.Unmarshal(payload, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: decode hello: %v", ErrMalformed, err)
	}
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

// AuthScheme is the method part of an auth reference.
type AuthScheme string

const (
	// AuthAgent authenticates with keys held by ssh-agent.
	AuthAgent AuthScheme = "agent"
	// AuthKey authenticates with a private key file ("key:<path>").
	AuthKey AuthScheme = "key"
	// AuthPassword authenticates with a password supplied in the Hello.
	AuthPassword AuthScheme = "password"
	// AuthCredential names a stored credential ("cred:<id>"); the parent
	// reveals it into the Hello secret.
	AuthCredential AuthScheme = "cred"
	// AuthEnv names an environment variable holding the password
	// ("env:<VAR>"); the parent reads it into the Hello secret.
	AuthEnv AuthScheme = "env"
)

// AuthRef is a parsed auth reference.
type AuthRef struct {
	Scheme AuthScheme
	Value  string
}

func (a AuthRef) String() string {
	if a.Value == "" {
		return string(a.Scheme)
	}
	return string(a.Scheme) + ":" + a.Value
}

// UsesSecret reports whether the relay authenticates with the Hello secret.
func (a AuthRef) UsesSecret() bool {
	switch a.Scheme {
	case AuthPassword, AuthCredential, AuthEnv:
		return true
	}
	return false
}

var errEmptyAuthValue = errors.New("auth reference requires a value")

// ParseAuthRef parses "agent", "password", "key:<path>", "cred:<id>" or
// "env:<VAR>". An empty reference means agent.
func ParseAuthRef(s string) (AuthRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AuthRef{Scheme: AuthAgent}, nil
	}
	scheme, value, _ := strings.Cut(s, ":")
	ref := AuthRef{Scheme: AuthScheme(strings.ToLower(scheme)), Value: strings.TrimSpace(value)}
	switch ref.Scheme {
	case AuthAgent, AuthPassword:
		return ref, nil
	case AuthKey, AuthCredential, AuthEnv:
		if ref.Value == "" {
			return AuthRef{}, fmt.Errorf("%s: %w", ref.Scheme, errEmptyAuthValue)
		}
		return ref, nil
	default:
		return AuthRef{}, fmt.Errorf("unknown auth scheme %q", scheme)
	}
}

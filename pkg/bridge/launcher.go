package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"termissh/pkg/relayproto"
)

const (
	DefaultCloseTimeout   = 3 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultKeepAlive      = 15 * time.Second
)

// SecretFunc reveals the secret for a profile whose auth reference needs
// one (password, cred:<id>, env:<VAR>).
type SecretFunc func(profile HostProfile, ref relayproto.AuthRef) (string, error)

// LauncherConfig configures relay discovery and the parameters passed to
// every relay.
type LauncherConfig struct {
	Discovery Discovery

	// Args and Env are appended to every relay invocation.
	Args []string
	Env  []string

	Term           string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	CloseTimeout   time.Duration

	KnownHosts            string
	InsecureIgnoreHostKey bool

	// Secrets resolves secrets. When nil only env:<VAR> references can be
	// resolved.
	Secrets SecretFunc

	Logger zerolog.Logger
}

// Launcher discovers the relay binary and starts sessions.
type Launcher struct {
	cfg LauncherConfig
}

func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Term == "" {
		cfg.Term = relayproto.DefaultTerm
	}
	return &Launcher{cfg: cfg}
}

// CloseTimeout is the bound used by Session.Close.
func (l *Launcher) CloseTimeout() time.Duration { return l.cfg.CloseTimeout }

// ResolveRelay runs discovery. It is cheap and side-effect free, and runs
// before every launch so a relay removed or replaced at runtime is noticed.
func (l *Launcher) ResolveRelay() (string, error) {
	return l.cfg.Discovery.Resolve()
}

// Connect spawns a relay for profile and returns its session in state
// Connecting. Discovery runs first: if no relay is launchable Connect
// fails with ErrRelayNotFound before the profile is looked at or any
// process is started.
//
// ctx only bounds the work done before the spawn; the session outlives it.
func (l *Launcher) Connect(ctx context.Context, id string, profile HostProfile, size relayproto.Size, handler Handler) (*Session, error) {
	path, err := l.ResolveRelay()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hello, err := l.hello(profile, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, profile.ID, err)
	}
	helloFrame, err := relayproto.NewHelloFrame(hello)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	cmd := exec.Command(path, l.cfg.Args...)
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.SysProcAttr = relaySysProcAttr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("relay stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("relay stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("relay stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start relay %s: %w", path, err)
	}

	log := l.cfg.Logger.With().
		Str("session", id).
		Str("host", profile.ID).
		Int("relay_pid", cmd.Process.Pid).
		Logger()
	log.Info().Str("relay", path).Str("target", profile.Target()).Msg("relay started")

	s := &Session{
		id:           id,
		profile:      profile,
		log:          log,
		handler:      handler,
		cmd:          cmd,
		stdin:        stdin,
		stdout:       stdout,
		stderr:       stderr,
		writer:       relayproto.NewWriter(stdin),
		input:        relayproto.NewInputQueue(),
		sizes:        relayproto.NewSizeSlot(),
		closeTimeout: l.cfg.CloseTimeout,
		closeReq:     make(chan struct{}),
		exited:       make(chan struct{}),
		state:        StateConnecting,
		size:         hello.Size(),
	}
	s.sizes.MarkApplied(hello.Size())
	s.start(helloFrame)
	return s, nil
}

func (l *Launcher) hello(profile HostProfile, size relayproto.Size) (relayproto.Hello, error) {
	if strings.TrimSpace(profile.Address) == "" {
		return relayproto.Hello{}, fmt.Errorf("profile has no address")
	}
	ref, err := relayproto.ParseAuthRef(profile.AuthRef)
	if err != nil {
		return relayproto.Hello{}, err
	}

	var secret string
	if ref.UsesSecret() {
		secret, err = l.secret(profile, ref)
		if err != nil {
			return relayproto.Hello{}, err
		}
	}

	knownHosts := l.cfg.KnownHosts
	if profile.KnownHosts != "" {
		knownHosts = profile.KnownHosts
	}
	if size.IsZero() {
		size = relayproto.DefaultSize
	}
	return relayproto.Hello{
		Version:               relayproto.ProtocolVersion,
		Address:               profile.Address,
		Port:                  profile.Port,
		User:                  profile.User,
		Auth:                  ref.String(),
		Secret:                secret,
		Term:                  l.cfg.Term,
		Rows:                  size.Rows,
		Columns:               size.Columns,
		ConnectTimeout:        l.cfg.ConnectTimeout,
		KeepAlive:             l.cfg.KeepAlive,
		KnownHosts:            expandPath(knownHosts),
		InsecureIgnoreHostKey: l.cfg.InsecureIgnoreHostKey || profile.InsecureIgnoreHostKey,
	}, nil
}

func (l *Launcher) secret(profile HostProfile, ref relayproto.AuthRef) (string, error) {
	if l.cfg.Secrets != nil {
		return l.cfg.Secrets(profile, ref)
	}
	if ref.Scheme == relayproto.AuthEnv {
		v, ok := os.LookupEnv(ref.Value)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", ref.Value)
		}
		return v, nil
	}
	return "", fmt.Errorf("no secret source configured for %s", ref)
}

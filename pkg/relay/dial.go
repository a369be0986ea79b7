package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"termissh/pkg/relayproto"
)

// DefaultConnectTimeout bounds TCP connect plus SSH handshake when the
// Hello does not set one.
const DefaultConnectTimeout = 15 * time.Second

var errNoAuthMethod = errors.New("no usable authentication method")

// Dial opens the SSH transport described by h. The handshake, including
// authentication, is bounded by the connect timeout and abandoned when ctx
// ends.
func Dial(ctx context.Context, h relayproto.Hello, log zerolog.Logger) (*ssh.Client, error) {
	timeout := h.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	config, closeAuth, err := clientConfig(h, log)
	if err != nil {
		return nil, err
	}
	defer closeAuth()

	address := h.Target()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	stopCancel := context.AfterFunc(ctx, func() { conn.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if !stopCancel() {
		if err == nil {
			clientConn.Close()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", address, context.Cause(ctx))
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", address, err)
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug().Str("address", address).Str("server_version", string(clientConn.ServerVersion())).Msg("ssh transport established")
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// clientConfig builds the ssh.ClientConfig for h. The returned func
// releases resources held for authentication (the agent socket).
func clientConfig(h relayproto.Hello, log zerolog.Logger) (*ssh.ClientConfig, func(), error) {
	user := strings.TrimSpace(h.User)
	if user == "" {
		return nil, nil, fmt.Errorf("ssh user is required")
	}

	hostKeyCallback, err := hostKeyCallback(h)
	if err != nil {
		return nil, nil, err
	}

	methods, closeAuth, err := authMethods(h, log)
	if err != nil {
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         h.ConnectTimeout,
	}, closeAuth, nil
}

func hostKeyCallback(h relayproto.Hello) (ssh.HostKeyCallback, error) {
	if h.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := strings.TrimSpace(h.KnownHosts)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return callback, nil
}

func authMethods(h relayproto.Hello, log zerolog.Logger) ([]ssh.AuthMethod, func(), error) {
	ref, err := relayproto.ParseAuthRef(h.Auth)
	if err != nil {
		return nil, nil, err
	}
	noop := func() {}

	switch ref.Scheme {
	case relayproto.AuthKey:
		signer, err := loadSigner(expandHome(ref.Value), h.Secret)
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case relayproto.AuthAgent:
		method, closeAgent, err := agentAuth()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", errNoAuthMethod, err)
		}
		methods := []ssh.AuthMethod{method}
		if h.Secret != "" {
			methods = append(methods, passwordMethods(h.Secret)...)
		}
		return methods, closeAgent, nil

	default:
		if h.Secret == "" {
			return nil, nil, fmt.Errorf("%w: %s auth without a secret", errNoAuthMethod, ref)
		}
		log.Debug().Str("auth", ref.String()).Msg("using password authentication")
		return passwordMethods(h.Secret), noop, nil
	}
}

func passwordMethods(secret string) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.Password(secret),
		// Servers that only offer keyboard-interactive still prompt
		// for the password; answer every hidden prompt with it.
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				if !echos[i] {
					answers[i] = secret
				}
			}
			return answers, nil
		}),
	}
}

func agentAuth() (ssh.AuthMethod, func(), error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to ssh-agent: %w", err)
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers), func() { conn.Close() }, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	privateKey, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(privateKey)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, fmt.Errorf("private key %s is encrypted and no passphrase was supplied", path)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKey, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// keepAlive sends keepalive@openssh.com requests every interval. It returns
// (and closes client) when a request fails or goes unanswered for a full
// interval, reporting the cause on lost.
func keepAlive(ctx context.Context, client *ssh.Client, interval time.Duration, lost chan<- error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		result := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			result <- err
		}()

		timer := time.NewTimer(interval)
		select {
		case err := <-result:
			timer.Stop()
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection closed by remote host")
			}
			reportLost(lost, fmt.Errorf("keepalive: %w", err))
		case <-timer.C:
			reportLost(lost, fmt.Errorf("keepalive: no reply within %s", interval))
		case <-ctx.Done():
			timer.Stop()
			return
		}
		client.Close()
		return
	}
}

func reportLost(lost chan<- error, err error) {
	select {
	case lost <- err:
	default:
	}
}

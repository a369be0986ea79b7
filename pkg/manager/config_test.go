package manager

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"termissh/pkg/bridge"
)

const yamlConfig = `
relay:
  path: /opt/termissh/bin
  args: --log-level 'debug'
  close_timeout: 4s
  shutdown_timeout: 9s
  keepalive: 20s
  log_level: debug

groups:
  - name: dc1
    default_user: netops
    default_port: 2222
    default_auth: cred:dc1-shared

hosts:
  - name: web1
    address: web1.dc1.example.com
    group: dc1
  - name: db1
    label: Primary DB
    user: postgres
    port: 22
    auth: key:~/.ssh/id_db
`

const tomlConfig = `
[relay]
close_timeout = "4s"
insecure_ignore_host_key = true

[[groups]]
name = "dc1"
default_user = "netops"

[[hosts]]
name = "web1"
address = "10.0.0.5"
group = "dc1"
auth = "env:WEB1_PASSWORD"
`

func TestParseConfig_YAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(yamlConfig), "hosts.yaml")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	p, err := cfg.Lookup("web1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := bridge.HostProfile{ID: "web1", Address: "web1.dc1.example.com", Port: 2222, User: "netops", AuthRef: "cred:dc1-shared"}
	if p != want {
		t.Fatalf("expected %+v, got %+v", want, p)
	}

	db, err := cfg.Lookup("db1")
	if err != nil {
		t.Fatalf("Lookup db1: %v", err)
	}
	if db.Address != "db1" || db.DisplayName() != "Primary DB" || db.AuthRef != "key:~/.ssh/id_db" {
		t.Fatalf("unexpected db1 profile %+v", db)
	}
}

func TestParseConfig_TOML(t *testing.T) {
	cfg, err := ParseConfig([]byte(tomlConfig), "hosts.toml")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	p, err := cfg.Lookup("web1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.Address != "10.0.0.5" || p.User != "netops" || p.Port != 22 || p.AuthRef != "env:WEB1_PASSWORD" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if !cfg.Relay.InsecureIgnoreHostKey {
		t.Fatalf("expected insecure_ignore_host_key from toml")
	}
}

func TestLookup_UnknownHost(t *testing.T) {
	cfg, err := ParseConfig([]byte(yamlConfig), "hosts.yml")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if _, err := cfg.Lookup("nope"); !errors.Is(err, ErrHostNotFound) {
		t.Fatalf("expected ErrHostNotFound, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing group",
			cfg:  Config{Hosts: []Host{{Name: "a", Group: "nope"}}},
			want: `group "nope" not found`,
		},
		{
			name: "duplicate host",
			cfg:  Config{Hosts: []Host{{Name: "a"}, {Name: "a"}}},
			want: "duplicate host name",
		},
		{
			name: "port out of range",
			cfg:  Config{Hosts: []Host{{Name: "a"}, {Name: "b", Port: 70000}}},
			want: "hosts[1](b).port",
		},
		{
			name: "bad auth",
			cfg:  Config{Hosts: []Host{{Name: "a", Auth: "kerberos"}}},
			want: "hosts[0](a).auth",
		},
		{
			name: "key without path",
			cfg:  Config{Groups: []Group{{Name: "g", DefaultAuth: "key:"}}},
			want: "groups[0](g).default_auth",
		},
		{
			name: "bad duration",
			cfg:  Config{Relay: RelayConfig{CloseTimeout: "soon"}},
			want: "relay.close_timeout",
		},
		{
			name: "negative duration",
			cfg:  Config{Relay: RelayConfig{KeepAlive: "-1s"}},
			want: "relay.keepalive",
		},
		{
			name: "unbalanced args",
			cfg:  Config{Relay: RelayConfig{Args: `--log-level "debug`}},
			want: "relay.args",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got: %v", tt.want, err)
			}
		})
	}
}

func TestResolveEffective_Defaults(t *testing.T) {
	t.Setenv("USER", "fallback")
	cfg := &Config{Hosts: []Host{{Name: "bare"}}}
	r := cfg.ResolveEffective(cfg.Hosts[0])
	if r.EffectivePort != 22 || r.EffectiveAuth != "agent" || r.EffectiveAddress != "bare" {
		t.Fatalf("unexpected defaults %+v", r)
	}
	if r.EffectiveUser == "" {
		t.Fatalf("expected a user from the environment")
	}
}

func TestLauncherConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(yamlConfig), "hosts.yaml")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	lc, err := cfg.LauncherConfig(zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("LauncherConfig: %v", err)
	}
	if len(lc.Args) != 2 || lc.Args[0] != "--log-level" || lc.Args[1] != "debug" {
		t.Fatalf("unexpected args %q", lc.Args)
	}
	if lc.CloseTimeout != 4*time.Second || lc.KeepAlive != 20*time.Second {
		t.Fatalf("unexpected timeouts close=%s keepalive=%s", lc.CloseTimeout, lc.KeepAlive)
	}
	if lc.Discovery.ExplicitPath != "/opt/termissh/bin" {
		t.Fatalf("unexpected relay path %q", lc.Discovery.ExplicitPath)
	}
	if len(lc.Env) != 1 || lc.Env[0] != "TERMISSH_RELAY_LOG_LEVEL=debug" {
		t.Fatalf("unexpected env %q", lc.Env)
	}
	if cfg.ShutdownTimeout() != 9*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.ShutdownTimeout())
	}
}

func TestLoadConfig_SearchAndImport(t *testing.T) {
	dir := t.TempDir()
	sshDir := filepath.Join(dir, "ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sshConfig := filepath.Join(sshDir, "config")
	writeFile(t, sshConfig, "Host web1 jump\n  HostName 192.0.2.10\n  User ops\n")

	cfgDir := filepath.Join(dir, "xdg", "termissh")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(cfgDir, "hosts.toml"), `
[ssh_config]
enabled = true
paths = ["`+sshConfig+`"]

[[hosts]]
name = "web1"
address = "web1.example.com"
`)
	t.Setenv("TERMISSH_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	cfg, path, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if filepath.Base(path) != "hosts.toml" {
		t.Fatalf("unexpected config path %s", path)
	}
	web, _ := cfg.Lookup("web1")
	if web.Address != "web1.example.com" {
		t.Fatalf("configured host should shadow imported one, got %+v", web)
	}
	jump, err := cfg.Lookup("jump")
	if err != nil {
		t.Fatalf("Lookup imported: %v", err)
	}
	if jump.Address != "192.0.2.10" || jump.User != "ops" {
		t.Fatalf("unexpected imported profile %+v", jump)
	}
	if n := len(cfg.Profiles()); n != 2 {
		t.Fatalf("expected 2 profiles, got %d", n)
	}
}

func TestLoadConfig_NotFound(t *testing.T) {
	t.Setenv("TERMISSH_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	if _, _, err := LoadConfig(""); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

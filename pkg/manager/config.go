// Package manager is the host store of termissh: configuration loading,
// host resolution, credential reveal, transcripts and recents.
package manager

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"termissh/pkg/bridge"
	"termissh/pkg/relayproto"
)

// Config represents the full configuration for termissh. The file may be
// YAML (.yaml, .yml) or TOML (.toml).
//
// Example YAML:
//
// relay:
//   path: /opt/termissh/bin/termissh-relay
//   close_timeout: 3s
//   keepalive: 15s
//
// groups:
//   - name: dc1
//     default_user: netops
//     default_auth: agent
//
// hosts:
//   - name: web1
//     address: web1.dc1.example.com
//     group: dc1
//     auth: key:~/.ssh/id_ed25519
type Config struct {
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	SSHConfig SSHConfigImport `yaml:"ssh_config" toml:"ssh_config"`
	Groups    []Group         `yaml:"groups" toml:"groups"`
	Hosts     []Host          `yaml:"hosts" toml:"hosts"`

	// imported holds hosts read from ssh_config files; configured hosts win
	// on name clashes.
	imported []Host
}

// RelayConfig controls relay discovery and the session parameters passed
// to every relay. Durations use Go syntax ("3s", "500ms").
type RelayConfig struct {
	// Path is an explicit relay binary or a directory containing it.
	Path string `yaml:"path,omitempty" toml:"path"`
	// Args are extra relay arguments, shell-quoted ("--log-level debug").
	Args string `yaml:"args,omitempty" toml:"args"`
	// ResourceDir is a bundled resource directory searched after the
	// directory of the termissh executable.
	ResourceDir string `yaml:"resource_dir,omitempty" toml:"resource_dir"`
	// SearchWorkingDir adds the working directory, ./dist and ./bin to the
	// end of the search. Meant for development checkouts.
	SearchWorkingDir bool `yaml:"search_working_dir,omitempty" toml:"search_working_dir"`

	ConnectTimeout  string `yaml:"connect_timeout,omitempty" toml:"connect_timeout"`
	CloseTimeout    string `yaml:"close_timeout,omitempty" toml:"close_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout,omitempty" toml:"shutdown_timeout"`
	KeepAlive       string `yaml:"keepalive,omitempty" toml:"keepalive"`

	KnownHosts            string `yaml:"known_hosts,omitempty" toml:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key,omitempty" toml:"insecure_ignore_host_key"`

	// Transcripts enables per-host daily transcript files.
	Transcripts bool   `yaml:"transcripts,omitempty" toml:"transcripts"`
	LogLevel    string `yaml:"log_level,omitempty" toml:"log_level"`
	Term        string `yaml:"term,omitempty" toml:"term"`
}

// SSHConfigImport makes OpenSSH client config Host entries available as
// hosts.
type SSHConfigImport struct {
	Enabled bool `yaml:"enabled,omitempty" toml:"enabled"`
	// Paths defaults to ~/.ssh/config.
	Paths []string `yaml:"paths,omitempty" toml:"paths"`
}

// Group defines defaults that apply to all hosts referencing this group.
type Group struct {
	Name        string `yaml:"name" toml:"name"`
	DefaultUser string `yaml:"default_user,omitempty" toml:"default_user"`
	DefaultPort int    `yaml:"default_port,omitempty" toml:"default_port"`
	DefaultAuth string `yaml:"default_auth,omitempty" toml:"default_auth"`
}

// Host defines a connectable endpoint and any overrides from its group.
type Host struct {
	// Name identifies the host in the store and on the command line.
	Name string `yaml:"name" toml:"name"`
	// Label is shown on tabs instead of Name when set.
	Label string `yaml:"label,omitempty" toml:"label"`
	// Address is the hostname or IP. Defaults to Name.
	Address string `yaml:"address,omitempty" toml:"address"`
	Group   string `yaml:"group,omitempty" toml:"group"`
	User    string `yaml:"user,omitempty" toml:"user"`
	Port    int    `yaml:"port,omitempty" toml:"port"`

	// Auth is an auth reference: agent, key:<path>, password, cred:<id>
	// or env:<VAR>.
	Auth string `yaml:"auth,omitempty" toml:"auth"`

	KnownHosts            string   `yaml:"known_hosts,omitempty" toml:"known_hosts"`
	InsecureIgnoreHostKey bool     `yaml:"insecure_ignore_host_key,omitempty" toml:"insecure_ignore_host_key"`
	Tags                  []string `yaml:"tags,omitempty" toml:"tags"`

	// Source is where the host came from when it was imported.
	Source string `yaml:"-" toml:"-"`
}

// ResolvedHost captures the effective settings after merging group defaults with host overrides.
type ResolvedHost struct {
	Host             Host
	Group            *Group
	EffectiveAddress string
	EffectiveUser    string
	EffectivePort    int
	EffectiveAuth    string
}

var (
	// ErrConfigNotFound is returned when no configuration file can be located.
	ErrConfigNotFound = errors.New("config not found")
	// ErrHostNotFound is returned by Lookup for an unknown host name.
	ErrHostNotFound = errors.New("host not found")
)

// LoadConfig discovers and loads the configuration.
// If explicitPath is empty, it searches common locations in order:
// 1. $TERMISSH_CONFIG
// 2. $XDG_CONFIG_HOME/termissh/hosts.{yaml,yml,toml}
// 3. ~/.config/termissh/hosts.{yaml,yml,toml}
//
// Returns the parsed Config and the path that was used.
func LoadConfig(explicitPath string) (*Config, string, error) {
	var lastErr error
	for _, p := range ConfigPathCandidates(explicitPath) {
		p = expandPath(p)
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if explicitPath != "" && p == expandPath(explicitPath) {
				return nil, p, err
			}
			lastErr = err
			continue
		}
		cfg, err := ParseConfig(data, p)
		if err != nil {
			return nil, p, err
		}
		if err := cfg.loadImports(); err != nil {
			return nil, p, err
		}
		return cfg, p, nil
	}
	if lastErr == nil || errors.Is(lastErr, os.ErrNotExist) {
		lastErr = ErrConfigNotFound
	}
	return nil, "", lastErr
}

// ParseConfig decodes and validates a configuration. The format follows
// the extension of name; anything but .toml is read as YAML.
func ParseConfig(data []byte, name string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse toml %s: %w", name, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", name, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", name, err)
	}
	return &cfg, nil
}

// ConfigPathCandidates returns possible configuration file paths, in priority order.
// If explicitPath is provided, it is returned first (expanded).
func ConfigPathCandidates(explicitPath string) []string {
	var out []string
	if explicitPath != "" {
		out = append(out, explicitPath)
	}
	if env := os.Getenv("TERMISSH_CONFIG"); env != "" {
		out = append(out, env)
	}
	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, defaultConfigDirName))
	}
	if home, _ := os.UserHomeDir(); home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", defaultConfigDirName))
	}
	for _, d := range dirs {
		for _, name := range []string{"hosts.yaml", "hosts.yml", "hosts.toml"} {
			out = append(out, filepath.Join(d, name))
		}
	}
	return out
}

// Validate performs basic sanity checks on the configuration.
//
// - Group names must be unique and non-empty.
// - Host names must be unique and non-empty.
// - Hosts referencing a group must reference an existing group.
// - Ports must be in 1..65535 when set.
// - Auth references must parse.
// - Relay durations must parse and be positive.
// - Relay args must be valid shell words.
func (c *Config) Validate() error {
	seenGroups := map[string]struct{}{}
	for i, g := range c.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if _, dup := seenGroups[g.Name]; dup {
			return fmt.Errorf("groups[%d]: duplicate group name %q", i, g.Name)
		}
		if g.DefaultPort < 0 || g.DefaultPort > 65535 {
			return fmt.Errorf("groups[%d](%s).default_port: out of range", i, g.Name)
		}
		if _, err := relayproto.ParseAuthRef(g.DefaultAuth); err != nil {
			return fmt.Errorf("groups[%d](%s).default_auth: %w", i, g.Name, err)
		}
		seenGroups[g.Name] = struct{}{}
	}

	seenHosts := map[string]struct{}{}
	for i, h := range c.Hosts {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("hosts[%d]: name is required", i)
		}
		if _, dup := seenHosts[h.Name]; dup {
			return fmt.Errorf("hosts[%d]: duplicate host name %q", i, h.Name)
		}
		seenHosts[h.Name] = struct{}{}
		if strings.TrimSpace(h.Group) != "" {
			if _, ok := seenGroups[h.Group]; !ok {
				return fmt.Errorf("hosts[%d]: group %q not found", i, h.Group)
			}
		}
		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("hosts[%d](%s).port: out of range", i, h.Name)
		}
		if _, err := relayproto.ParseAuthRef(h.Auth); err != nil {
			return fmt.Errorf("hosts[%d](%s).auth: %w", i, h.Name, err)
		}
	}

	for field, v := range map[string]string{
		"connect_timeout":  c.Relay.ConnectTimeout,
		"close_timeout":    c.Relay.CloseTimeout,
		"shutdown_timeout": c.Relay.ShutdownTimeout,
		"keepalive":        c.Relay.KeepAlive,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("relay.%s: %w", field, err)
		}
	}
	if _, err := shellquote.Split(c.Relay.Args); err != nil {
		return fmt.Errorf("relay.args: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// loadImports reads the ssh_config hosts when enabled. Missing files are
// not an error.
func (c *Config) loadImports() error {
	if !c.SSHConfig.Enabled {
		return nil
	}
	paths := c.SSHConfig.Paths
	if len(paths) == 0 {
		paths = []string{"~/.ssh/config"}
	}
	hosts, err := LoadSSHConfig(paths...)
	if err != nil {
		return fmt.Errorf("import ssh_config: %w", err)
	}
	c.imported = hosts
	return nil
}

// AllHosts returns configured hosts followed by imported ones not shadowed
// by a configured host of the same name.
func (c *Config) AllHosts() []Host {
	out := make([]Host, 0, len(c.Hosts)+len(c.imported))
	out = append(out, c.Hosts...)
	seen := make(map[string]struct{}, len(c.Hosts))
	for _, h := range c.Hosts {
		seen[h.Name] = struct{}{}
	}
	for _, h := range c.imported {
		if _, dup := seen[h.Name]; dup {
			continue
		}
		seen[h.Name] = struct{}{}
		out = append(out, h)
	}
	return out
}

// GroupByName builds a name->Group index.
func (c *Config) GroupByName() map[string]Group {
	m := make(map[string]Group, len(c.Groups))
	for _, g := range c.Groups {
		m[g.Name] = g
	}
	return m
}

// HostByName returns a pointer to the first host matching the provided name,
// or nil if not found. Imported hosts are included.
func (c *Config) HostByName(name string) *Host {
	name = strings.TrimSpace(name)
	for i := range c.Hosts {
		if c.Hosts[i].Name == name {
			return &c.Hosts[i]
		}
	}
	for i := range c.imported {
		if c.imported[i].Name == name {
			return &c.imported[i]
		}
	}
	return nil
}

// ResolveEffective merges host with its group's defaults to produce a ResolvedHost.
// Rules:
// - address: host.address > host.name
// - user: host.user > group.default_user > $USER (if available) > ""
// - port: host.port > group.default_port > 22
// - auth: host.auth > group.default_auth > agent
func (c *Config) ResolveEffective(h Host) ResolvedHost {
	var grp *Group
	if h.Group != "" {
		if g, ok := c.GroupByName()[h.Group]; ok {
			grp = &g
		}
	}

	addr := strings.TrimSpace(h.Address)
	if addr == "" {
		addr = strings.TrimSpace(h.Name)
	}

	userVal := strings.TrimSpace(h.User)
	if userVal == "" && grp != nil {
		userVal = strings.TrimSpace(grp.DefaultUser)
	}
	if userVal == "" {
		userVal = currentUsername()
	}

	port := h.Port
	if port <= 0 && grp != nil && grp.DefaultPort > 0 {
		port = grp.DefaultPort
	}
	if port <= 0 {
		port = 22
	}

	auth := strings.TrimSpace(h.Auth)
	if auth == "" && grp != nil {
		auth = strings.TrimSpace(grp.DefaultAuth)
	}
	if auth == "" {
		auth = string(relayproto.AuthAgent)
	}

	return ResolvedHost{
		Host:             h,
		Group:            grp,
		EffectiveAddress: addr,
		EffectiveUser:    userVal,
		EffectivePort:    port,
		EffectiveAuth:    auth,
	}
}

// Profile is the session snapshot of a resolved host.
func (r ResolvedHost) Profile() bridge.HostProfile {
	return bridge.HostProfile{
		ID:                    r.Host.Name,
		Label:                 r.Host.Label,
		Address:               r.EffectiveAddress,
		Port:                  r.EffectivePort,
		User:                  r.EffectiveUser,
		AuthRef:               r.EffectiveAuth,
		KnownHosts:            expandPath(r.Host.KnownHosts),
		InsecureIgnoreHostKey: r.Host.InsecureIgnoreHostKey,
	}
}

// Lookup returns the session profile of the named host.
func (c *Config) Lookup(name string) (bridge.HostProfile, error) {
	h := c.HostByName(name)
	if h == nil {
		return bridge.HostProfile{}, fmt.Errorf("%w: %q", ErrHostNotFound, name)
	}
	return c.ResolveEffective(*h).Profile(), nil
}

// Profiles returns the profiles of all hosts in AllHosts order.
func (c *Config) Profiles() []bridge.HostProfile {
	hosts := c.AllHosts()
	out := make([]bridge.HostProfile, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, c.ResolveEffective(h).Profile())
	}
	return out
}

// ShutdownTimeout bounds closing all sessions when termissh exits.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := parseDuration(c.Relay.ShutdownTimeout)
	if d == 0 {
		d = 5 * time.Second
	}
	return d
}

// LauncherConfig builds the relay launcher settings. secrets may be nil.
func (c *Config) LauncherConfig(log zerolog.Logger, secrets bridge.SecretFunc) (bridge.LauncherConfig, error) {
	args, err := shellquote.Split(c.Relay.Args)
	if err != nil {
		return bridge.LauncherConfig{}, fmt.Errorf("relay.args: %w", err)
	}
	connect, _ := parseDuration(c.Relay.ConnectTimeout)
	closeTimeout, _ := parseDuration(c.Relay.CloseTimeout)
	keepAlive, _ := parseDuration(c.Relay.KeepAlive)
	if keepAlive == 0 {
		keepAlive = bridge.DefaultKeepAlive
	}

	var env []string
	if lvl := strings.TrimSpace(c.Relay.LogLevel); lvl != "" {
		env = append(env, "TERMISSH_RELAY_LOG_LEVEL="+lvl)
	}

	return bridge.LauncherConfig{
		Discovery: bridge.Discovery{
			ExplicitPath:     expandPath(c.Relay.Path),
			ResourceDir:      expandPath(c.Relay.ResourceDir),
			SearchWorkingDir: c.Relay.SearchWorkingDir,
		},
		Args:                  args,
		Env:                   env,
		Term:                  c.Relay.Term,
		ConnectTimeout:        connect,
		KeepAlive:             keepAlive,
		CloseTimeout:          closeTimeout,
		KnownHosts:            expandPath(c.Relay.KnownHosts),
		InsecureIgnoreHostKey: c.Relay.InsecureIgnoreHostKey,
		Secrets:               secrets,
		Logger:                log,
	}, nil
}

// currentUsername returns the current OS user name, or the USER env if lookup fails.
// Returns empty string if neither are available.
func currentUsername() string {
	if u, err := user.Current(); err == nil && u != nil && u.Username != "" {
		// Windows reports DOMAIN\user.
		return filepath.Base(strings.ReplaceAll(u.Username, `\`, "/"))
	}
	return os.Getenv("USER")
}

// expandPath expands leading "~" and environment variables in a path.
// If the input is empty, returns "".
func expandPath(p string) string {
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		if home != "" {
			if p == "~" {
				p = home
			} else if strings.HasPrefix(p, "~/") {
				p = filepath.Join(home, p[2:])
			}
		}
	}
	return p
}

package manager

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadSSHConfigEntries(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config")
	writeFile(t, filepath.Join(dir, "conf.d-lab"), `
Host lab-*
  User ignored
Host lab1
  HostName 192.0.2.50
  Port=2200
`)
	writeFile(t, cfgPath, `
# comment
Host bastion prod-db  # trailing comment
  HostName bastion.example.com
  User ops
  IdentityFile ~/.ssh/id_ops
  IdentityFile ~/.ssh/id_backup

Host *
  ServerAliveInterval 30

Include conf.d-*

Match host foo
  User matched

Host !negated plain
  User last
  User winner
`)

	entries, err := LoadSSHConfigEntries(cfgPath)
	if err != nil {
		t.Fatalf("LoadSSHConfigEntries: %v", err)
	}
	byAlias := map[string]SSHHostEntry{}
	for _, e := range entries {
		byAlias[e.Alias] = e
	}
	if len(byAlias) != 4 {
		t.Fatalf("expected bastion, prod-db, lab1, plain; got %v", entries)
	}

	b := byAlias["bastion"]
	if b.HostName != "bastion.example.com" || b.User != "ops" || len(b.IdentityFiles) != 2 {
		t.Fatalf("unexpected bastion entry %+v", b)
	}
	if byAlias["prod-db"].HostName != "bastion.example.com" {
		t.Fatalf("expected prod-db to share the block")
	}
	if lab := byAlias["lab1"]; lab.HostName != "192.0.2.50" || lab.Port != 2200 || lab.User != "" {
		t.Fatalf("unexpected included entry %+v", lab)
	}
	if p := byAlias["plain"]; p.User != "winner" {
		t.Fatalf("expected last-wins user, got %q", p.User)
	}
	if entries[0].Alias != "bastion" {
		t.Fatalf("expected entries sorted by alias, got %q first", entries[0].Alias)
	}
}

func TestSSHHostEntryToHost(t *testing.T) {
	e := SSHHostEntry{Alias: "jump", HostName: "10.1.1.1", Port: 2222, IdentityFiles: []string{"/k/id"}, Source: "/etc/ssh/cfg", StartLine: 7}
	h := e.Host()
	if h.Name != "jump" || h.Address != "10.1.1.1" || h.Port != 2222 || h.Auth != "key:/k/id" {
		t.Fatalf("unexpected host %+v", h)
	}
	if h.Source != "/etc/ssh/cfg:7" {
		t.Fatalf("unexpected source %q", h.Source)
	}
	if bare := (SSHHostEntry{Alias: "x"}).Host(); bare.Auth != "" {
		t.Fatalf("expected group/default auth when no identity file, got %q", bare.Auth)
	}
}

func TestLoadSSHConfigMissingFileIsEmpty(t *testing.T) {
	hosts, err := LoadSSHConfig(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(hosts) != 0 {
		t.Fatalf("expected nothing, got %v, %v", hosts, err)
	}
	if _, err := LoadSSHConfig(); err == nil || !strings.Contains(err.Error(), "no ssh config paths") {
		t.Fatalf("expected error for no paths, got %v", err)
	}
}

func TestStripSSHInlineComment(t *testing.T) {
	if got := stripSSHInlineComment(`ProxyCommand "nc # not a comment" # real`); got != `ProxyCommand "nc # not a comment"` {
		t.Fatalf("unexpected %q", got)
	}
}

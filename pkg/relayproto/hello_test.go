package relayproto

import (
	"errors"
	"testing"
	"time"
)

func TestHello_FrameCarriesParameters(t *testing.T) {
	f, err := NewHelloFrame(Hello{
		Address:        "db1.example.net",
		Port:           2222,
		User:           "ops",
		Auth:           "key:~/.ssh/id_ed25519",
		Rows:           50,
		Columns:        200,
		ConnectTimeout: 7 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewHelloFrame: %v", err)
	}
	if f.Tag != TagHello {
		t.Fatalf("expected hello tag, got %v", f.Tag)
	}
	h, err := ParseHello(f.Payload)
	if err != nil {
		t.Fatalf("ParseHello: %v", err)
	}
	if h.Version != ProtocolVersion {
		t.Fatalf("expected version to be filled in, got %d", h.Version)
	}
	if h.Target() != "db1.example.net:2222" || h.User != "ops" || h.ConnectTimeout != 7*time.Second {
		t.Fatalf("unexpected hello %+v", h)
	}
	if h.Size() != (Size{Rows: 50, Columns: 200}) {
		t.Fatalf("unexpected size %+v", h.Size())
	}
}

func TestHello_Defaults(t *testing.T) {
	h := Hello{Address: "::1"}
	if h.Target() != "[::1]:22" {
		t.Fatalf("expected bracketed ipv6 with default port, got %s", h.Target())
	}
	if h.Size() != DefaultSize {
		t.Fatalf("expected default size, got %+v", h.Size())
	}
}

func TestParseHello_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		hello Hello
	}{
		{name: "no address", hello: Hello{}},
		{name: "bad port", hello: Hello{Address: "h", Port: 70000}},
		{name: "bad auth", hello: Hello{Address: "h", Auth: "kerberos"}},
		{name: "future version", hello: Hello{Version: 99, Address: "h"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f, err := NewHelloFrame(test.hello)
			if err != nil {
				t.Fatalf("NewHelloFrame: %v", err)
			}
			if _, err := ParseHello(f.Payload); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
	if _, err := ParseHello([]byte{0xff, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for garbage, got %v", err)
	}
}

func TestParseAuthRef(t *testing.T) {
	tests := []struct {
		in      string
		want    AuthRef
		wantErr bool
	}{
		{in: "", want: AuthRef{Scheme: AuthAgent}},
		{in: "agent", want: AuthRef{Scheme: AuthAgent}},
		{in: "password", want: AuthRef{Scheme: AuthPassword}},
		{in: "key:/home/me/.ssh/id_rsa", want: AuthRef{Scheme: AuthKey, Value: "/home/me/.ssh/id_rsa"}},
		{in: "cred:prod-db", want: AuthRef{Scheme: AuthCredential, Value: "prod-db"}},
		{in: "ENV:SSH_PASS", want: AuthRef{Scheme: AuthEnv, Value: "SSH_PASS"}},
		{in: "key:", wantErr: true},
		{in: "gssapi", wantErr: true},
	}
	for _, test := range tests {
		got, err := ParseAuthRef(test.in)
		if test.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got %+v", test.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", test.in, err)
		}
		if got != test.want {
			t.Fatalf("%q: expected %+v, got %+v", test.in, test.want, got)
		}
	}
}

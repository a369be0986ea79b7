package relayproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncode_HeaderLayout(t *testing.T) {
	buf, err := Encode(NewDataFrame([]byte("hi")))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0, 0, 0, 3, byte(TagData), 'h', 'i'}
	if !bytes.Equal(buf, want) {
		t.Fatalf("expected %v, got %v", want, buf)
	}
}

func TestEncode_EmptyPayloadStillCarriesTag(t *testing.T) {
	buf, err := Encode(NewDataFrame(nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(buf, []byte{0, 0, 0, 1, byte(TagData)}) {
		t.Fatalf("unexpected encoding %v", buf)
	}
}

func TestEncode_RejectsUnknownTagAndOversize(t *testing.T) {
	if _, err := Encode(Frame{Tag: 0x7f}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
	big := make([]byte, MaxPayloadLength+1)
	if _, err := Encode(NewDataFrame(big)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestResizeFrame_RowsThenColumnsBigEndian(t *testing.T) {
	f := NewResizeFrame(Size{Rows: 30, Columns: 300})
	if !bytes.Equal(f.Payload, []byte{0x00, 0x1e, 0x01, 0x2c}) {
		t.Fatalf("unexpected resize payload %v", f.Payload)
	}
	size, err := ParseResize(f.Payload)
	if err != nil {
		t.Fatalf("ParseResize: %v", err)
	}
	if size.Rows != 30 || size.Columns != 300 {
		t.Fatalf("expected 30 rows x 300 columns, got %+v", size)
	}
	if _, err := ParseResize([]byte{1, 2, 3}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for short payload, got %v", err)
	}
}

func TestParseControl(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    Control
		wantErr bool
	}{
		{name: "ready", payload: []byte{1}, want: Control{Signal: SignalReady}},
		{name: "close", payload: []byte{2}, want: Control{Signal: SignalClose}},
		{name: "closed", payload: []byte{3}, want: Control{Signal: SignalClosed}},
		{
			name:    "error with reason",
			payload: NewErrorFrame(KindConnectionLost, "read tcp: reset").Payload,
			want:    Control{Signal: SignalError, Kind: KindConnectionLost, Reason: "read tcp: reset"},
		},
		{name: "error without reason", payload: []byte{4, 1}, want: Control{Signal: SignalError, Kind: KindConnect}},
		{name: "empty", payload: nil, wantErr: true},
		{name: "error without kind", payload: []byte{4}, wantErr: true},
		{name: "trailing bytes", payload: []byte{1, 0}, wantErr: true},
		{name: "unknown signal", payload: []byte{9}, wantErr: true},
		{name: "invalid utf8 reason", payload: []byte{4, 2, 0xff, 0xfe}, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseControl(test.payload)
			if test.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v (%+v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseControl: %v", err)
			}
			if got != test.want {
				t.Fatalf("expected %+v, got %+v", test.want, got)
			}
		})
	}
}

func TestNewErrorFrame_SanitizesReason(t *testing.T) {
	f := NewErrorFrame(KindInternal, "bad \xff byte")
	c, err := ParseControl(f.Payload)
	if err != nil {
		t.Fatalf("expected sanitized reason to parse, got %v", err)
	}
	if c.Reason != "bad � byte" {
		t.Fatalf("unexpected reason %q", c.Reason)
	}
}

// chunkedWriter records each Write call separately.
type chunkedWriter struct {
	writes [][]byte
}

func (w *chunkedWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestWriter_OneWritePerFrame(t *testing.T) {
	var cw chunkedWriter
	w := NewWriter(&cw)
	for _, f := range []Frame{
		NewDataFrame([]byte("ls\n")),
		NewResizeFrame(Size{Rows: 24, Columns: 80}),
		NewControlFrame(SignalClose),
	} {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if len(cw.writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(cw.writes))
	}
	var dec Decoder
	for _, chunk := range cw.writes {
		dec.Feed(chunk)
		if _, ok, err := dec.Next(); !ok || err != nil {
			t.Fatalf("expected each write to hold one whole frame (ok=%v err=%v)", ok, err)
		}
	}
}

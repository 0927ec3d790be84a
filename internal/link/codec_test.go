package link

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReadHandshakeLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		maxLen  int
		want    string
		wantErr error
	}{
		{name: "simple line", input: "{\"a\":1}\nrest", maxLen: 64, want: `{"a":1}`},
		{name: "crlf stripped", input: "{\"a\":1}\r\n", maxLen: 64, want: `{"a":1}`},
		{name: "embedded cr dropped", input: "{\"a\"\r:1}\n", maxLen: 64, want: `{"a":1}`},
		{name: "eof after data", input: `{"a":1}`, maxLen: 64, want: `{"a":1}`},
		{name: "empty stream", input: "", maxLen: 64, wantErr: io.EOF},
		{name: "empty line", input: "\n", maxLen: 64, want: ""},
		{name: "too long", input: strings.Repeat("x", 65) + "\n", maxLen: 64, wantErr: ErrHandshakeTooLong},
		{name: "exactly max", input: strings.Repeat("x", 64) + "\n", maxLen: 64, want: strings.Repeat("x", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadHandshakeLine(bufio.NewReader(strings.NewReader(tt.input)), tt.maxLen)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("line = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadHandshakeLine_LeavesFramesBuffered(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("{\"deviceId\":\"esp01\"}\n")
	if err := WriteFrame(&buf, []byte(`{"type":"ack"}`)); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	r := bufio.NewReader(&buf)
	if _, err := ReadHandshakeLine(r, 1024); err != nil {
		t.Fatalf("ReadHandshakeLine() error = %v", err)
	}
	payload, err := ReadFrame(r, 1024)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if string(payload) != `{"type":"ack"}` {
		t.Errorf("payload = %q", payload)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := []string{
		`{"type":"telemetry"}`,
		`{"type":"state","payload":{"r1":1,"r2":0}}`,
		`{"s":"` + strings.Repeat("é", 4000) + `"}`,
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		if err := WriteFrame(&buf, []byte(p)); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	for _, want := range payloads {
		got, err := ReadFrame(&buf, 1<<20)
		if err != nil {
			t.Fatalf("ReadFrame() error = %v", err)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Errorf("payload mismatch: got %d bytes, want %d", len(got), len(want))
		}
	}

	if _, err := ReadFrame(&buf, 1<<20); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() at clean end = %v, want io.EOF", err)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	header := func(n uint32) []byte {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, n)
		return b
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "zero length", input: header(0), wantErr: ErrInvalidFrameLength},
		{name: "negative length", input: header(0xFFFFFFFF), wantErr: ErrInvalidFrameLength},
		{name: "min int32", input: header(0x80000000), wantErr: ErrInvalidFrameLength},
		{name: "oversized", input: header(1025), wantErr: ErrFrameTooLarge},
		{name: "truncated payload", input: append(header(10), []byte("abc")...), wantErr: io.ErrUnexpectedEOF},
		{name: "header only", input: header(10), wantErr: io.ErrUnexpectedEOF},
		{name: "truncated header", input: []byte{0, 0}, wantErr: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input), 1024)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// countingReader fails the test if more than limit bytes are read.
type countingReader struct {
	t     *testing.T
	r     io.Reader
	read  int
	limit int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	if c.read > c.limit {
		c.t.Fatalf("read %d bytes past the header", c.read)
	}
	return n, err
}

func TestReadFrame_OversizedDoesNotReadPayload(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, 1<<30)
	buf.Write(hdr)
	buf.Write(bytes.Repeat([]byte{'x'}, 4096))

	r := &countingReader{t: t, r: &buf, limit: 4}
	if _, err := ReadFrame(r, 1<<20); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}
}

// writeCounter records how many Write calls were made.
type writeCounter struct {
	bytes.Buffer
	calls int
}

func (w *writeCounter) Write(p []byte) (int, error) {
	w.calls++
	return w.Buffer.Write(p)
}

func TestWriteFrame_SingleWrite(t *testing.T) {
	var w writeCounter
	if err := WriteFrame(&w, []byte(`{"type":"command"}`)); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if w.calls != 1 {
		t.Errorf("Write calls = %d, want 1", w.calls)
	}
	if got := binary.BigEndian.Uint32(w.Bytes()[:4]); got != 18 {
		t.Errorf("length prefix = %d, want 18", got)
	}
}

func TestWriteFrame_EmptyPayload(t *testing.T) {
	if err := WriteFrame(io.Discard, nil); !errors.Is(err, ErrInvalidFrameLength) {
		t.Errorf("error = %v, want ErrInvalidFrameLength", err)
	}
}

package framing

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xab}, 1<<16),
	}

	var buf bytes.Buffer
	c := New(&buf)
	for _, p := range payloads {
		if err := c.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame(%d bytes): %v", len(p), err)
		}
	}
	for _, p := range payloads {
		got, err := c.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("ReadFrame = %d bytes, want %d bytes", len(got), len(p))
		}
	}
}

func TestPrefixIsFourBytes(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	if err := c.WriteFrame([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderLen+3 {
		t.Errorf("encoded length = %d, want %d", buf.Len(), HeaderLen+3)
	}
	if got := buf.Bytes()[:4]; !bytes.Equal(got, []byte{0, 0, 0, 3}) {
		t.Errorf("prefix = %v, want big-endian 3", got)
	}
}

func TestEOFBeforePrefix(t *testing.T) {
	c := New(bytes.NewBuffer(nil))
	if _, err := c.ReadFrame(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestEOFMidMessage(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 'x', 'y'})
	c := New(buf)
	if _, err := c.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestEOFMidPrefix(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0})
	c := New(buf)
	if _, err := c.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

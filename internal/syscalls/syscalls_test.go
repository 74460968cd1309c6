package syscalls

import (
	"bytes"
	"testing"

	"github.com/sampalekos96/snapfaas/internal/labels"
)

func TestSyscallVariants(t *testing.T) {
	tests := []struct {
		name string
		in   *Syscall
		same func(*Syscall) bool
	}{
		{
			"response",
			&Syscall{Response: &Response{Payload: "hello"}},
			func(s *Syscall) bool { return s.Response != nil && s.Response.Payload == "hello" },
		},
		{
			"read_key",
			&Syscall{ReadKey: &ReadKey{Key: []byte("greet")}},
			func(s *Syscall) bool { return s.ReadKey != nil && string(s.ReadKey.Key) == "greet" },
		},
		{
			"write_key",
			&Syscall{WriteKey: &WriteKey{Key: []byte("k"), Value: []byte("v")}},
			func(s *Syscall) bool {
				return s.WriteKey != nil && string(s.WriteKey.Key) == "k" && string(s.WriteKey.Value) == "v"
			},
		},
		{
			"get_current_label",
			&Syscall{GetCurrentLabel: &GetCurrentLabel{}},
			func(s *Syscall) bool { return s.GetCurrentLabel != nil },
		},
		{
			"taint_with_label",
			&Syscall{TaintWithLabel: &DcLabel{Secrecy: &Component{Clauses: []Clause{{Principals: []string{"alice"}}}}}},
			func(s *Syscall) bool {
				return s.TaintWithLabel != nil && s.TaintWithLabel.Secrecy != nil &&
					len(s.TaintWithLabel.Secrecy.Clauses) == 1 &&
					s.TaintWithLabel.Integrity == nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalSyscall(tt.in.Marshal())
			if err != nil {
				t.Fatalf("UnmarshalSyscall: %v", err)
			}
			if !tt.same(got) {
				t.Errorf("round trip lost variant: %+v", got)
			}
		})
	}
}

func TestEmptySyscallHasNilVariant(t *testing.T) {
	s, err := UnmarshalSyscall(nil)
	if err != nil {
		t.Fatalf("UnmarshalSyscall(empty): %v", err)
	}
	if s.Response != nil || s.ReadKey != nil || s.WriteKey != nil ||
		s.GetCurrentLabel != nil || s.TaintWithLabel != nil {
		t.Errorf("expected all-nil variant, got %+v", s)
	}
}

func TestUnmarshalSyscallMalformed(t *testing.T) {
	// A bytes-type tag for field 1 followed by a length that overruns.
	if _, err := UnmarshalSyscall([]byte{0x0a, 0xff}); err == nil {
		t.Error("expected decode error for truncated message")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	r := &Request{Payload: `{"x":1}`}
	got, err := UnmarshalRequest(r.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload != r.Payload {
		t.Errorf("payload = %q, want %q", got.Payload, r.Payload)
	}
}

func TestReadKeyResponsePresence(t *testing.T) {
	present := &ReadKeyResponse{Value: []byte("hi"), Present: true}
	got, err := UnmarshalReadKeyResponse(present.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Present || !bytes.Equal(got.Value, []byte("hi")) {
		t.Errorf("got %+v, want present %q", got, "hi")
	}

	absent := &ReadKeyResponse{}
	got, err = UnmarshalReadKeyResponse(absent.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Present {
		t.Errorf("absent value decoded as present: %+v", got)
	}

	// An empty value is still present — distinct from absence.
	empty := &ReadKeyResponse{Value: nil, Present: true}
	got, err = UnmarshalReadKeyResponse(empty.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Present || len(got.Value) != 0 {
		t.Errorf("empty value lost presence: %+v", got)
	}
}

func TestWriteKeyResponse(t *testing.T) {
	for _, success := range []bool{true, false} {
		w := &WriteKeyResponse{Success: success}
		got, err := UnmarshalWriteKeyResponse(w.Marshal())
		if err != nil {
			t.Fatal(err)
		}
		if got.Success != success {
			t.Errorf("success = %v, want %v", got.Success, success)
		}
	}
}

func TestDcLabelConversion(t *testing.T) {
	l := labels.Label{
		Secrecy:   labels.NewFormula(labels.NewClause("alice", "bob"), labels.NewClause("carol")),
		Integrity: labels.False(),
	}
	d := DcLabelOf(l)
	if d.Integrity != nil {
		t.Error("False integrity must encode as absent component")
	}
	got, err := UnmarshalDcLabel(d.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if back := got.Label(); !back.Equal(l) {
		t.Errorf("round trip = %v, want %v", back, l)
	}
}

func TestDcLabelPublic(t *testing.T) {
	d := DcLabelOf(labels.Public())
	if d.Secrecy == nil || d.Integrity == nil {
		t.Fatal("public label components must be present (empty formulas), not absent")
	}
	got, err := UnmarshalDcLabel(d.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Label().Equal(labels.Public()) {
		t.Errorf("round trip = %v, want public", got.Label())
	}
}

// Package syscalls defines the host↔guest syscall protocol.
//
// The guest issues one Syscall at a time over the framed channel and the host
// sends exactly one typed reply, except for Response which terminates the
// session. The wire encoding is protocol buffers; field numbers are a stable
// guest ABI and must not change. Messages are encoded and decoded directly
// with protowire against the schema below:
//
//	Request          { string payload = 1; }
//	Syscall          { oneof syscall {
//	                     Response        response          = 1;
//	                     ReadKey         read_key          = 2;
//	                     WriteKey        write_key         = 3;
//	                     GetCurrentLabel get_current_label = 4;
//	                     DcLabel         taint_with_label  = 5; } }
//	Response         { string payload = 1; }
//	ReadKey          { bytes key = 1; }
//	WriteKey         { bytes key = 1; bytes value = 2; }
//	GetCurrentLabel  { }
//	ReadKeyResponse  { optional bytes value = 1; }
//	WriteKeyResponse { bool success = 1; }
//	DcLabel          { optional Component secrecy = 1;
//	                   optional Component integrity = 2; }
//	Component        { repeated Clause clauses = 1; }
//	Clause           { repeated string principals = 1; }
//
// An absent DcLabel component encodes the False label component.
package syscalls

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sampalekos96/snapfaas/internal/labels"
)

// Request is the host→guest message carrying the invocation payload.
type Request struct {
	Payload string
}

// Response terminates a session, carrying the function's result.
type Response struct {
	Payload string
}

// ReadKey asks the host to fetch a key from the store.
type ReadKey struct {
	Key []byte
}

// WriteKey asks the host to store a value under a key.
type WriteKey struct {
	Key   []byte
	Value []byte
}

// GetCurrentLabel asks the host for the VM's current label.
type GetCurrentLabel struct{}

// ReadKeyResponse is the reply to ReadKey. Present is false when the key was
// absent (or the read failed).
type ReadKeyResponse struct {
	Value   []byte
	Present bool
}

// WriteKeyResponse is the reply to WriteKey.
type WriteKeyResponse struct {
	Success bool
}

// Clause is the wire form of a label clause.
type Clause struct {
	Principals []string
}

// Component is the wire form of a label formula.
type Component struct {
	Clauses []Clause
}

// DcLabel is the wire form of a DCLabel. A nil component encodes False.
type DcLabel struct {
	Secrecy   *Component
	Integrity *Component
}

// Syscall is the tagged union read from the guest. Exactly one field is
// non-nil for a well-formed message; all nil means the variant was absent or
// unrecognized, which the session loop ignores.
type Syscall struct {
	Response        *Response
	ReadKey         *ReadKey
	WriteKey        *WriteKey
	GetCurrentLabel *GetCurrentLabel
	TaintWithLabel  *DcLabel
}

// Syscall oneof field numbers.
const (
	fieldResponse        = 1
	fieldReadKey         = 2
	fieldWriteKey        = 3
	fieldGetCurrentLabel = 4
	fieldTaintWithLabel  = 5
)

// --- Label conversion ---

// DcLabelOf converts an algebra label to its wire form.
func DcLabelOf(l labels.Label) *DcLabel {
	return &DcLabel{
		Secrecy:   componentOf(l.Secrecy),
		Integrity: componentOf(l.Integrity),
	}
}

func componentOf(c labels.Component) *Component {
	if c.IsFalse() {
		return nil
	}
	cls := c.Clauses()
	out := &Component{Clauses: make([]Clause, len(cls))}
	for i, cl := range cls {
		out.Clauses[i] = Clause{Principals: cl}
	}
	return out
}

// Label converts the wire form back to an algebra label.
func (d *DcLabel) Label() labels.Label {
	return labels.Label{
		Secrecy:   d.Secrecy.component(),
		Integrity: d.Integrity.component(),
	}
}

func (c *Component) component() labels.Component {
	if c == nil {
		return labels.False()
	}
	cls := make([]labels.Clause, len(c.Clauses))
	for i, cl := range c.Clauses {
		cls[i] = labels.NewClause(cl.Principals...)
	}
	return labels.NewFormula(cls...)
}

// --- Encoding ---

// Marshal encodes a Request.
func (r *Request) Marshal() []byte {
	var b []byte
	if r.Payload != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Payload)
	}
	return b
}

// Marshal encodes a Response.
func (r *Response) Marshal() []byte {
	var b []byte
	if r.Payload != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Payload)
	}
	return b
}

func (r *ReadKey) marshal() []byte {
	var b []byte
	if len(r.Key) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	return b
}

func (w *WriteKey) marshal() []byte {
	var b []byte
	if len(w.Key) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Key)
	}
	if len(w.Value) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Value)
	}
	return b
}

// Marshal encodes a ReadKeyResponse. An absent value is encoded by field
// omission (explicit presence).
func (r *ReadKeyResponse) Marshal() []byte {
	var b []byte
	if r.Present {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	return b
}

// Marshal encodes a WriteKeyResponse.
func (w *WriteKeyResponse) Marshal() []byte {
	var b []byte
	if w.Success {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func (c *Clause) marshal() []byte {
	var b []byte
	for _, p := range c.Principals {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b
}

func (c *Component) marshal() []byte {
	var b []byte
	for i := range c.Clauses {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Clauses[i].marshal())
	}
	return b
}

// Marshal encodes a DcLabel. Nil components (False) are omitted.
func (d *DcLabel) Marshal() []byte {
	var b []byte
	if d.Secrecy != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Secrecy.marshal())
	}
	if d.Integrity != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Integrity.marshal())
	}
	return b
}

// Marshal encodes a Syscall with its oneof discriminator.
func (s *Syscall) Marshal() []byte {
	var b []byte
	switch {
	case s.Response != nil:
		b = protowire.AppendTag(b, fieldResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Response.Marshal())
	case s.ReadKey != nil:
		b = protowire.AppendTag(b, fieldReadKey, protowire.BytesType)
		b = protowire.AppendBytes(b, s.ReadKey.marshal())
	case s.WriteKey != nil:
		b = protowire.AppendTag(b, fieldWriteKey, protowire.BytesType)
		b = protowire.AppendBytes(b, s.WriteKey.marshal())
	case s.GetCurrentLabel != nil:
		b = protowire.AppendTag(b, fieldGetCurrentLabel, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case s.TaintWithLabel != nil:
		b = protowire.AppendTag(b, fieldTaintWithLabel, protowire.BytesType)
		b = protowire.AppendBytes(b, s.TaintWithLabel.Marshal())
	}
	return b
}

// --- Decoding ---

// fields iterates the top-level fields of buf, calling fn with each field
// number, wire type, and raw value bytes. Unknown fields are skipped by the
// callers; malformed input returns an error.
func fields(buf []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v); err != nil {
				return err
			}
			buf = buf[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, buf[:n]); err != nil {
				return err
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return nil
}

// UnmarshalRequest decodes a Request.
func UnmarshalRequest(buf []byte) (*Request, error) {
	r := &Request{}
	err := fields(buf, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.BytesType {
			r.Payload = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode Request: %w", err)
	}
	return r, nil
}

// UnmarshalReadKeyResponse decodes a ReadKeyResponse.
func UnmarshalReadKeyResponse(buf []byte) (*ReadKeyResponse, error) {
	r := &ReadKeyResponse{}
	err := fields(buf, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.BytesType {
			r.Value = append([]byte(nil), v...)
			r.Present = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode ReadKeyResponse: %w", err)
	}
	return r, nil
}

// UnmarshalWriteKeyResponse decodes a WriteKeyResponse.
func UnmarshalWriteKeyResponse(buf []byte) (*WriteKeyResponse, error) {
	w := &WriteKeyResponse{}
	err := fields(buf, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.VarintType {
			u, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			w.Success = u != 0
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode WriteKeyResponse: %w", err)
	}
	return w, nil
}

func unmarshalClause(buf []byte) (Clause, error) {
	var c Clause
	err := fields(buf, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.BytesType {
			c.Principals = append(c.Principals, string(v))
		}
		return nil
	})
	return c, err
}

func unmarshalComponent(buf []byte) (*Component, error) {
	c := &Component{}
	err := fields(buf, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.BytesType {
			cl, err := unmarshalClause(v)
			if err != nil {
				return err
			}
			c.Clauses = append(c.Clauses, cl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UnmarshalDcLabel decodes a DcLabel.
func UnmarshalDcLabel(buf []byte) (*DcLabel, error) {
	d := &DcLabel{}
	err := fields(buf, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			c, err := unmarshalComponent(v)
			if err != nil {
				return err
			}
			d.Secrecy = c
		case 2:
			c, err := unmarshalComponent(v)
			if err != nil {
				return err
			}
			d.Integrity = c
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode DcLabel: %w", err)
	}
	return d, nil
}

// UnmarshalSyscall decodes a Syscall. Unknown or absent variants produce a
// Syscall with all fields nil; the caller decides how to treat it.
func UnmarshalSyscall(buf []byte) (*Syscall, error) {
	s := &Syscall{}
	err := fields(buf, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldResponse:
			var r Response
			if err := fields(v, func(n protowire.Number, t protowire.Type, fv []byte) error {
				if n == 1 && t == protowire.BytesType {
					r.Payload = string(fv)
				}
				return nil
			}); err != nil {
				return err
			}
			s.Response = &r
		case fieldReadKey:
			var rk ReadKey
			if err := fields(v, func(n protowire.Number, t protowire.Type, fv []byte) error {
				if n == 1 && t == protowire.BytesType {
					rk.Key = append([]byte(nil), fv...)
				}
				return nil
			}); err != nil {
				return err
			}
			s.ReadKey = &rk
		case fieldWriteKey:
			var wk WriteKey
			if err := fields(v, func(n protowire.Number, t protowire.Type, fv []byte) error {
				if t != protowire.BytesType {
					return nil
				}
				switch n {
				case 1:
					wk.Key = append([]byte(nil), fv...)
				case 2:
					wk.Value = append([]byte(nil), fv...)
				}
				return nil
			}); err != nil {
				return err
			}
			s.WriteKey = &wk
		case fieldGetCurrentLabel:
			s.GetCurrentLabel = &GetCurrentLabel{}
		case fieldTaintWithLabel:
			d, err := UnmarshalDcLabel(v)
			if err != nil {
				return err
			}
			s.TaintWithLabel = d
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode Syscall: %w", err)
	}
	return s, nil
}

// Package request defines the codec spoken between frontends and the
// dispatcher: JSON messages framed with the same 4-byte big-endian length
// prefix as the guest channel.
package request

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sampalekos96/snapfaas/internal/framing"
)

// PingFunction is the reserved function name used for liveness probes.
// The dispatcher answers it without launching a VM.
const PingFunction = "ping"

// Request asks the dispatcher to invoke a function with a JSON payload.
type Request struct {
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload"`
}

// PayloadString returns the payload as the string handed to the guest.
func (r *Request) PayloadString() string {
	return string(r.Payload)
}

// Dispatch outcomes.
const (
	StatusSentToVM             = "sent_to_vm"
	StatusDropped              = "dropped"
	StatusFunctionNotExist     = "function_not_exist"
	StatusResourceExhausted    = "resource_exhausted"
	StatusProcessRequestFailed = "process_request_failed"
)

// Response reports a dispatch outcome. Response carries the VM's reply only
// for StatusSentToVM.
type Response struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
}

// Write sends v as one framed JSON message.
func Write(c *framing.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.WriteFrame(data)
}

// ReadRequest reads one framed Request.
func ReadRequest(c *framing.Conn) (*Request, error) {
	var r Request
	if err := read(c, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReadResponse reads one framed Response.
func ReadResponse(c *framing.Conn) (*Response, error) {
	var r Response
	if err := read(c, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func read(c *framing.Conn, v any) error {
	buf, err := c.ReadFrame()
	if err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("read message: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// Package vm owns the microVM lifecycle: launching the firerunner subprocess,
// accepting the guest's connect-back, running the synchronous syscall
// dispatch loop against the shared store, and tracking the DIFC label that
// travels with each execution.
package vm

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"unicode/utf8"

	"github.com/sampalekos96/snapfaas/internal/framing"
	"github.com/sampalekos96/snapfaas/internal/labels"
	"github.com/sampalekos96/snapfaas/internal/store"
	"github.com/sampalekos96/snapfaas/internal/syscalls"
)

// Error kinds surfaced by launch and the session loop.
var (
	ErrKernelNotExist  = errors.New("kernel does not exist")
	ErrRootfsNotExist  = errors.New("rootfs does not exist")
	ErrAppfsNotExist   = errors.New("appfs does not exist")
	ErrLoadDirNotExist = errors.New("load directory does not exist")
	ErrNotUTF8         = errors.New("response payload is not valid UTF-8")
)

// Op names a store operation passed to the label-check hook.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// halfCloser is the part of a stream connection that supports direction-wise
// shutdown. Unix and TCP connections both implement it.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// VM is a single running microVM bound to one request. It exclusively owns
// the child process and the framed connection; Shutdown is the single release
// point. Between creation and shutdown the connection is open and the child
// is alive (or has crashed, in which case the next read surfaces an I/O
// failure).
type VM struct {
	ID           int
	Memory       int
	FunctionName string

	// CheckLabel gates ReadKey/WriteKey on the current label. Nil means
	// permit-all, matching observed behavior; the label is tracked and
	// advertised but not enforced by default.
	CheckLabel func(op Op, key []byte, current labels.Label) bool

	conn    *framing.Conn
	raw     io.Closer // underlying connection, for shutdown
	process *exec.Cmd
	env     *store.Env

	currentLabel labels.Label
}

// NewSession binds a connected guest channel to a session with a public
// initial label. The process handle may be nil for in-process guests (tests).
func NewSession(id int, fc FunctionMeta, rw io.ReadWriter, env *store.Env) *VM {
	v := &VM{
		ID:           id,
		Memory:       fc.Memory,
		FunctionName: fc.Name,
		conn:         framing.New(rw),
		env:          env,
		currentLabel: labels.Public(),
	}
	if c, ok := rw.(io.Closer); ok {
		v.raw = c
	}
	return v
}

// FunctionMeta is the slice of FunctionConfig a session needs.
type FunctionMeta struct {
	Name   string
	Memory int
}

// CurrentLabel returns the session's label. It only rises under Lub over the
// VM's lifetime.
func (v *VM) CurrentLabel() labels.Label {
	return v.currentLabel
}

// ProcessReq sends the request payload to the guest and services syscalls
// until the guest responds. Returns the guest's response payload.
func (v *VM) ProcessReq(payload string) (string, error) {
	req := &syscalls.Request{Payload: payload}
	if err := v.conn.WriteFrame(req.Marshal()); err != nil {
		return "", fmt.Errorf("send request to vm %d: %w", v.ID, err)
	}
	return v.processSyscalls()
}

// processSyscalls is the dispatch loop: read one framed Syscall, reply,
// repeat. Strictly one syscall in flight; reply N is written before message
// N+1 is read. Response terminates the loop; an absent variant is ignored
// for forward compatibility.
func (v *VM) processSyscalls() (string, error) {
	for {
		buf, err := v.conn.ReadFrame()
		if err != nil {
			return "", fmt.Errorf("read syscall from vm %d: %w", v.ID, err)
		}
		sc, err := syscalls.UnmarshalSyscall(buf)
		if err != nil {
			return "", fmt.Errorf("vm %d: %w", v.ID, err)
		}

		switch {
		case sc.Response != nil:
			if !utf8.ValidString(sc.Response.Payload) {
				return "", fmt.Errorf("vm %d: %w", v.ID, ErrNotUTF8)
			}
			return sc.Response.Payload, nil

		case sc.ReadKey != nil:
			if err := v.reply(v.readKey(sc.ReadKey.Key)); err != nil {
				return "", err
			}

		case sc.WriteKey != nil:
			if err := v.reply(v.writeKey(sc.WriteKey.Key, sc.WriteKey.Value)); err != nil {
				return "", err
			}

		case sc.GetCurrentLabel != nil:
			if err := v.reply(syscalls.DcLabelOf(v.currentLabel).Marshal()); err != nil {
				return "", err
			}

		case sc.TaintWithLabel != nil:
			v.currentLabel = v.currentLabel.Lub(sc.TaintWithLabel.Label())
			if err := v.reply(syscalls.DcLabelOf(v.currentLabel).Marshal()); err != nil {
				return "", err
			}

		default:
			// Absent or unrecognized variant: skip without replying.
		}
	}
}

func (v *VM) reply(msg []byte) error {
	if err := v.conn.WriteFrame(msg); err != nil {
		return fmt.Errorf("write reply to vm %d: %w", v.ID, err)
	}
	return nil
}

// readKey services a ReadKey syscall. Store-level failures are downgraded to
// an absent value.
func (v *VM) readKey(key []byte) []byte {
	resp := &syscalls.ReadKeyResponse{}
	if v.allowed(OpRead, key) {
		if txn, err := v.env.BeginRo(); err == nil {
			if val, ok := txn.Get(store.DefaultDB(), key); ok {
				resp.Value = val
				resp.Present = true
			}
			if err := txn.Commit(); err != nil {
				log.Printf("vm %d: ro commit: %v", v.ID, err)
			}
		} else {
			log.Printf("vm %d: begin ro txn: %v", v.ID, err)
		}
	}
	return resp.Marshal()
}

// writeKey services a WriteKey syscall. Store-level failures are downgraded
// to success=false.
func (v *VM) writeKey(key, value []byte) []byte {
	resp := &syscalls.WriteKeyResponse{}
	if v.allowed(OpWrite, key) {
		if txn, err := v.env.BeginRw(); err == nil {
			resp.Success = txn.Put(store.DefaultDB(), key, value) == nil
			if err := txn.Commit(); err != nil {
				log.Printf("vm %d: rw commit: %v", v.ID, err)
			}
		} else {
			log.Printf("vm %d: begin rw txn: %v", v.ID, err)
		}
	}
	return resp.Marshal()
}

func (v *VM) allowed(op Op, key []byte) bool {
	if v.CheckLabel == nil {
		return true
	}
	return v.CheckLabel(op, key, v.currentLabel)
}

// Shutdown half-closes the connection in both directions and kills the
// child. Errors are logged and suppressed; calling Shutdown on an
// already-dead VM is safe.
func (v *VM) Shutdown() {
	if hc, ok := v.raw.(halfCloser); ok {
		if err := hc.CloseRead(); err != nil {
			log.Printf("vm %d: close read: %v", v.ID, err)
		}
		if err := hc.CloseWrite(); err != nil {
			log.Printf("vm %d: close write: %v", v.ID, err)
		}
	} else if v.raw != nil {
		if err := v.raw.Close(); err != nil {
			log.Printf("vm %d: close connection: %v", v.ID, err)
		}
	}

	if v.process != nil && v.process.Process != nil {
		// SIGKILL, no graceful signal.
		if err := v.process.Process.Kill(); err != nil {
			log.Printf("vm %d already exited: %v", v.ID, err)
		}
		go v.process.Wait()
	}
}

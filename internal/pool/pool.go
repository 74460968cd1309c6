// Package pool maintains a bounded pool of connections to the dispatcher.
// Liveness is probed with a ping round-trip over the framed protocol before a
// pooled connection is handed out; a connection whose probe fails is
// discarded and replaced.
package pool

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/sampalekos96/snapfaas/internal/framing"
	"github.com/sampalekos96/snapfaas/internal/request"
)

const probeTimeout = 3 * time.Second

// Pool is a bounded pool of dispatcher connections. Safe for concurrent use.
type Pool struct {
	addr string
	idle chan net.Conn
}

// New creates a pool for the dispatcher at addr, retaining up to size idle
// connections.
func New(addr string, size int) *Pool {
	return &Pool{addr: addr, idle: make(chan net.Conn, size)}
}

// Get returns a live connection: a validated idle one, or a fresh dial.
func (p *Pool) Get() (net.Conn, error) {
	for {
		select {
		case conn := <-p.idle:
			if p.alive(conn) {
				return conn, nil
			}
			conn.Close()
		default:
			conn, err := net.DialTimeout("tcp", p.addr, probeTimeout)
			if err != nil {
				return nil, fmt.Errorf("dial dispatcher %s: %w", p.addr, err)
			}
			return conn, nil
		}
	}
}

// Put returns a connection to the pool. When the pool is full the connection
// is closed instead.
func (p *Pool) Put(conn net.Conn) {
	select {
	case p.idle <- conn:
	default:
		conn.Close()
	}
}

// Close discards all idle connections.
func (p *Pool) Close() {
	for {
		select {
		case conn := <-p.idle:
			conn.Close()
		default:
			return
		}
	}
}

// alive probes a connection with a ping round-trip. Any error — including a
// pending socket error surfacing on the write — marks the connection broken.
func (p *Pool) alive(conn net.Conn) bool {
	conn.SetDeadline(time.Now().Add(probeTimeout))
	defer conn.SetDeadline(time.Time{})

	fc := framing.New(conn)
	if err := request.Write(fc, &request.Request{Function: request.PingFunction, Payload: json.RawMessage("null")}); err != nil {
		return false
	}
	if _, err := request.ReadResponse(fc); err != nil {
		return false
	}
	return true
}

// Invoke runs one function invocation over a pooled connection. The
// connection is returned to the pool on success and discarded on failure.
func (p *Pool) Invoke(function string, payload json.RawMessage) (*request.Response, error) {
	conn, err := p.Get()
	if err != nil {
		return nil, err
	}

	fc := framing.New(conn)
	if err := request.Write(fc, &request.Request{Function: function, Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send request: %w", err)
	}
	resp, err := request.ReadResponse(fc)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read response: %w", err)
	}

	p.Put(conn)
	return resp, nil
}

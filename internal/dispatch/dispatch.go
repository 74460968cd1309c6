// Package dispatch accepts framed requests from frontends and drives one VM
// per request: look up the function, launch, run the syscall session, reply,
// shut the VM down. Scheduling never goes beyond single-VM dispatch; the only
// admission control is a cap on concurrently running VMs.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sampalekos96/snapfaas/internal/config"
	"github.com/sampalekos96/snapfaas/internal/framing"
	"github.com/sampalekos96/snapfaas/internal/registry"
	"github.com/sampalekos96/snapfaas/internal/request"
	"github.com/sampalekos96/snapfaas/internal/store"
	"github.com/sampalekos96/snapfaas/internal/vm"
)

// Guest context ids below 100 are reserved by vsock conventions.
const cidBase = 100

// launcher is the part of vm.Launcher the server uses. Tests substitute it.
type launcher interface {
	Launch(id int, fc *config.FunctionConfig, ln *net.UnixListener, cid uint32, env *store.Env) (*vm.VM, vm.Timestamps, error)
}

// Server is the dispatcher.
type Server struct {
	cfg      *config.Config
	reg      *registry.DB
	env      *store.Env
	launcher launcher

	ln     net.Listener
	nextID atomic.Int64
	slots  chan struct{} // nil when uncapped
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer creates a dispatcher. maxVMs caps concurrently running VMs;
// zero means no cap.
func NewServer(cfg *config.Config, reg *registry.DB, env *store.Env, l *vm.Launcher, maxVMs int) *Server {
	s := &Server{cfg: cfg, reg: reg, env: env, launcher: l}
	if maxVMs > 0 {
		s.slots = make(chan struct{}, maxVMs)
	}
	return s
}

// Listen binds the dispatch address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	log.Printf("dispatcher listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// ListenAndServe binds the dispatch address and serves until Close.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts frontend connections until Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and waits for in-flight requests.
func (s *Server) Close() {
	s.closed.Store(true)
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

// handleConn serves one frontend connection: a sequence of framed requests,
// each answered with exactly one framed response.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	fc := framing.New(conn)

	for {
		req, err := request.ReadRequest(fc)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("dispatch: read request: %v", err)
			}
			return
		}

		var resp *request.Response
		if req.Function == request.PingFunction {
			resp = &request.Response{Status: request.StatusSentToVM, Response: "pong"}
		} else {
			resp = s.dispatch(req)
		}

		if err := request.Write(fc, resp); err != nil {
			log.Printf("dispatch: write response: %v", err)
			return
		}
	}
}

// dispatch runs one request on a fresh VM.
func (s *Server) dispatch(req *request.Request) *request.Response {
	fc, err := s.reg.Get(req.Function)
	if err != nil {
		log.Printf("dispatch: registry lookup %s: %v", req.Function, err)
		return &request.Response{Status: request.StatusProcessRequestFailed}
	}
	if fc == nil {
		return &request.Response{Status: request.StatusFunctionNotExist}
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			return &request.Response{Status: request.StatusResourceExhausted}
		}
	}

	id := int(s.nextID.Add(1))
	sockPath := filepath.Join(s.cfg.SocketDir, fmt.Sprintf("worker-%d.sock", id))
	ln, err := vm.ListenSocket(sockPath)
	if err != nil {
		log.Printf("dispatch: %v", err)
		return &request.Response{Status: request.StatusProcessRequestFailed}
	}
	defer os.Remove(sockPath)
	defer ln.Close()

	v, ts, err := s.launcher.Launch(id, fc, ln, uint32(id)+cidBase, s.env)
	if err != nil {
		log.Printf("dispatch: launch %s: %v", req.Function, err)
		return &request.Response{Status: request.StatusProcessRequestFailed}
	}
	defer v.Shutdown()

	res, err := v.ProcessReq(req.PayloadString())
	if err != nil {
		log.Printf("dispatch: vm %d (%s): %v", id, req.Function, err)
		return &request.Response{Status: request.StatusProcessRequestFailed}
	}

	log.Printf("dispatch: vm %d (%s) done (spawn %v, boot %v)",
		id, req.Function, ts.PostSpawn.Sub(ts.PreSpawn), ts.Connected.Sub(ts.PostSpawn))
	return &request.Response{Status: request.StatusSentToVM, Response: res}
}

package dispatch

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/sampalekos96/snapfaas/internal/config"
	"github.com/sampalekos96/snapfaas/internal/framing"
	"github.com/sampalekos96/snapfaas/internal/registry"
	"github.com/sampalekos96/snapfaas/internal/request"
	"github.com/sampalekos96/snapfaas/internal/store"
	"github.com/sampalekos96/snapfaas/internal/syscalls"
	"github.com/sampalekos96/snapfaas/internal/vm"
)

// stubLauncher stands in for firerunner: instead of spawning a subprocess it
// dials the listener itself and responds with the request payload prefixed by
// "echo:".
type stubLauncher struct {
	fail bool
}

func (l *stubLauncher) Launch(id int, fc *config.FunctionConfig, ln *net.UnixListener, cid uint32, env *store.Env) (*vm.VM, vm.Timestamps, error) {
	var ts vm.Timestamps
	if l.fail {
		return nil, ts, errors.New("spawn failed")
	}

	go func() {
		c, err := net.Dial("unix", ln.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		fr := framing.New(c)
		buf, err := fr.ReadFrame()
		if err != nil {
			return
		}
		req, err := syscalls.UnmarshalRequest(buf)
		if err != nil {
			return
		}
		sc := &syscalls.Syscall{Response: &syscalls.Response{Payload: "echo:" + req.Payload}}
		fr.WriteFrame(sc.Marshal())
	}()

	conn, err := ln.Accept()
	if err != nil {
		return nil, ts, err
	}
	return vm.NewSession(id, vm.FunctionMeta{Name: fc.Name, Memory: fc.Memory}, conn, env), ts, nil
}

func startTestServer(t *testing.T, l launcher, maxVMs int) *Server {
	t.Helper()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "functions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	if err := reg.Upsert(&config.FunctionConfig{
		Name: "hello", Memory: 128, Vcpus: 1,
		Kernel: "/images/vmlinux", Runtimefs: "/images/python3.ext4",
	}); err != nil {
		t.Fatal(err)
	}

	env, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.Close() })

	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SocketDir = t.TempDir()

	s := &Server{cfg: cfg, reg: reg, env: env, launcher: l}
	if maxVMs > 0 {
		s.slots = make(chan struct{}, maxVMs)
	}
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	go s.Serve()
	t.Cleanup(s.Close)
	return s
}

func dialServer(t *testing.T, s *Server) *framing.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return framing.New(conn)
}

func roundTrip(t *testing.T, fc *framing.Conn, function, payload string) *request.Response {
	t.Helper()
	if err := request.Write(fc, &request.Request{Function: function, Payload: json.RawMessage(payload)}); err != nil {
		t.Fatal(err)
	}
	resp, err := request.ReadResponse(fc)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestDispatchEcho(t *testing.T) {
	s := startTestServer(t, &stubLauncher{}, 0)
	fc := dialServer(t, s)

	resp := roundTrip(t, fc, "hello", `{"n":1}`)
	if resp.Status != request.StatusSentToVM {
		t.Fatalf("status = %s", resp.Status)
	}
	if resp.Response != `echo:{"n":1}` {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestDispatchSequentialRequestsShareConn(t *testing.T) {
	s := startTestServer(t, &stubLauncher{}, 0)
	fc := dialServer(t, s)

	for i := 0; i < 3; i++ {
		resp := roundTrip(t, fc, "hello", `"x"`)
		if resp.Status != request.StatusSentToVM {
			t.Fatalf("request %d: status = %s", i, resp.Status)
		}
	}
}

func TestDispatchPing(t *testing.T) {
	s := startTestServer(t, &stubLauncher{}, 0)
	fc := dialServer(t, s)

	resp := roundTrip(t, fc, request.PingFunction, `null`)
	if resp.Status != request.StatusSentToVM {
		t.Errorf("ping status = %s", resp.Status)
	}
}

func TestDispatchUnknownFunction(t *testing.T) {
	s := startTestServer(t, &stubLauncher{}, 0)
	fc := dialServer(t, s)

	resp := roundTrip(t, fc, "nope", `null`)
	if resp.Status != request.StatusFunctionNotExist {
		t.Errorf("status = %s, want %s", resp.Status, request.StatusFunctionNotExist)
	}
}

func TestDispatchLaunchFailure(t *testing.T) {
	s := startTestServer(t, &stubLauncher{fail: true}, 0)
	fc := dialServer(t, s)

	resp := roundTrip(t, fc, "hello", `null`)
	if resp.Status != request.StatusProcessRequestFailed {
		t.Errorf("status = %s, want %s", resp.Status, request.StatusProcessRequestFailed)
	}
}

func TestDispatchResourceExhausted(t *testing.T) {
	s := startTestServer(t, &stubLauncher{}, 1)
	// Fill the only slot so the next dispatch is rejected.
	s.slots <- struct{}{}

	fc := dialServer(t, s)
	resp := roundTrip(t, fc, "hello", `null`)
	if resp.Status != request.StatusResourceExhausted {
		t.Errorf("status = %s, want %s", resp.Status, request.StatusResourceExhausted)
	}
}

package vm

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sampalekos96/snapfaas/internal/config"
	"github.com/sampalekos96/snapfaas/internal/logstore"
	"github.com/sampalekos96/snapfaas/internal/store"
)

// Timestamps are wall-clock instants captured around launch for latency
// accounting: before spawn, immediately after spawn, and after the guest's
// socket connected.
type Timestamps struct {
	PreSpawn  time.Time
	PostSpawn time.Time
	Connected time.Time
}

// Launcher spawns firerunner subprocesses and hands back connected VMs.
type Launcher struct {
	// FirerunnerBin is the path to the firerunner binary.
	FirerunnerBin string

	// Network is an optional "<tap>/<mac>" spec; when set, tap and MAC
	// flags are passed to every VM.
	Network string

	// Odirect toggles O_DIRECT per storage role when non-nil.
	Odirect *config.OdirectOption

	// AcceptTimeout bounds the wait for the guest's connect-back. Zero
	// means wait forever.
	AcceptTimeout time.Duration

	// Logs receives captured child stderr, one file per function. When nil,
	// Stderr is used instead.
	Logs *logstore.Store

	// Stderr receives the child's captured stderr when Logs is nil. Nil
	// detaches it.
	Stderr io.Writer
}

// stderrSink picks the destination for a child's captured stderr.
func (l *Launcher) stderrSink(fc *config.FunctionConfig) io.Writer {
	if l.Logs != nil {
		return l.Logs.Writer(fc.Name)
	}
	return l.Stderr
}

// buildArgs assembles the firerunner argument vector for one function.
// The O_DIRECT asymmetry (one positive flag, three negative) matches the
// firerunner interface and must be preserved.
func buildArgs(id string, fc *config.FunctionConfig, cid uint32, network string, odirect *config.OdirectOption) []string {
	args := []string{
		"--id", id,
		"--kernel", fc.Kernel,
		"--mem_size", strconv.Itoa(fc.Memory),
		"--vcpu_count", strconv.Itoa(fc.Vcpus),
		"--rootfs", fc.Runtimefs,
		"--cid", strconv.FormatUint(uint64(cid), 10),
	}

	if fc.Appfs != "" {
		args = append(args, "--appfs", fc.Appfs)
	}
	if fc.LoadDir != "" {
		args = append(args, "--load_from", fc.LoadDir)
	}
	if fc.DumpDir != "" {
		args = append(args, "--dump_to", fc.DumpDir)
	}
	if fc.Cmdline != "" {
		args = append(args, "--kernel_args", fc.Cmdline)
	}
	if fc.DumpWs {
		args = append(args, "--dump_ws")
	}
	if fc.LoadWs {
		args = append(args, "--load_ws")
	}
	if fc.CopyBase {
		args = append(args, "--copy_base")
	}
	if fc.CopyDiff {
		args = append(args, "--copy_diff")
	}

	// Network spec is "<tap>/<mac>".
	if network != "" {
		tap, mac, _ := strings.Cut(network, "/")
		args = append(args, "--tap_name", tap, "--mac", mac)
	}

	if odirect != nil {
		if odirect.Base {
			args = append(args, "--odirect_base")
		}
		if !odirect.Diff {
			args = append(args, "--no_odirect_diff")
		}
		if !odirect.Rootfs {
			args = append(args, "--no_odirect_root")
		}
		if !odirect.Appfs {
			args = append(args, "--no_odirect_app")
		}
	}

	return args
}

// checkArtifacts verifies the paths a VM boot needs before spawning.
func checkArtifacts(fc *config.FunctionConfig) error {
	if _, err := os.Stat(fc.Kernel); err != nil {
		return fmt.Errorf("%w: %s", ErrKernelNotExist, fc.Kernel)
	}
	if _, err := os.Stat(fc.Runtimefs); err != nil {
		return fmt.Errorf("%w: %s", ErrRootfsNotExist, fc.Runtimefs)
	}
	if fc.Appfs != "" {
		if _, err := os.Stat(fc.Appfs); err != nil {
			return fmt.Errorf("%w: %s", ErrAppfsNotExist, fc.Appfs)
		}
	}
	if fc.LoadDir != "" {
		if _, err := os.Stat(fc.LoadDir); err != nil {
			return fmt.Errorf("%w: %s", ErrLoadDirNotExist, fc.LoadDir)
		}
	}
	return nil
}

// Launch spawns firerunner for fc, waits for the guest to connect back on
// listener, and returns the connected VM with launch timestamps. When Launch
// returns, the VM has finished booting and is ready for ProcessReq.
func (l *Launcher) Launch(id int, fc *config.FunctionConfig, listener *net.UnixListener, cid uint32, env *store.Env) (*VM, Timestamps, error) {
	var ts Timestamps

	if err := checkArtifacts(fc); err != nil {
		return nil, ts, err
	}

	idStr := strconv.Itoa(id)
	args := buildArgs(idStr, fc, cid, l.Network, l.Odirect)
	log.Printf("vm %d: launching %s %s", id, l.FirerunnerBin, strings.Join(args, " "))

	cmd := exec.Command(l.FirerunnerBin, args...)
	cmd.Stdin = nil
	cmd.Stderr = l.stderrSink(fc)

	ts.PreSpawn = time.Now()
	if err := cmd.Start(); err != nil {
		return nil, ts, fmt.Errorf("spawn firerunner for %s: %w", fc.Name, err)
	}
	ts.PostSpawn = time.Now()

	if l.AcceptTimeout > 0 {
		listener.SetDeadline(time.Now().Add(l.AcceptTimeout))
		defer listener.SetDeadline(time.Time{})
	}
	conn, err := listener.Accept()
	if err != nil {
		cmd.Process.Kill()
		go cmd.Wait()
		return nil, ts, fmt.Errorf("vm %d did not connect: %w", id, err)
	}
	ts.Connected = time.Now()

	v := NewSession(id, FunctionMeta{Name: fc.Name, Memory: fc.Memory}, conn, env)
	v.process = cmd
	return v, ts, nil
}

// RunForceExit runs firerunner to completion instead of serving requests:
// one-shot diagnostics. The child's stderr is echoed on failure, stale
// sockets under socketDir are unlinked, and the intended process exit status
// is returned — the caller decides whether to exit.
func (l *Launcher) RunForceExit(id int, fc *config.FunctionConfig, cid uint32, socketDir string) (int, error) {
	if err := checkArtifacts(fc); err != nil {
		return 1, err
	}

	args := buildArgs(strconv.Itoa(id), fc, cid, l.Network, l.Odirect)
	cmd := exec.Command(l.FirerunnerBin, args...)
	cmd.Stdin = nil
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return 1, fmt.Errorf("spawn firerunner for %s: %w", fc.Name, err)
		}
		fmt.Fprint(os.Stderr, stderr.String())
		UnlinkStaleSockets(socketDir)
		return 1, nil
	}

	UnlinkStaleSockets(socketDir)
	return 0, nil
}

// UnlinkStaleSockets removes leftover unix socket files under dir.
func UnlinkStaleSockets(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.sock"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			log.Printf("unlink stale socket %s: %v", m, err)
		}
	}
}

// ListenSocket binds the unix listener a VM's guest will connect back on.
// Any stale socket at the path is removed first.
func ListenSocket(path string) (*net.UnixListener, error) {
	os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return ln, nil
}

// Package config holds runtime configuration for the snapfaas host: the
// per-function VM configuration, the daemon configuration, and loading of
// function definitions from TOML files.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FunctionConfig describes how to boot a VM for one function. Immutable per
// VM instance.
type FunctionConfig struct {
	// Name identifies the function.
	Name string `toml:"name"`

	// Memory is the VM memory size in MiB.
	Memory int `toml:"memory"`

	// Vcpus is the number of virtual CPUs.
	Vcpus int `toml:"vcpus"`

	// Kernel is the path to the kernel image.
	Kernel string `toml:"kernel"`

	// Runtimefs is the path to the language runtime root filesystem image.
	Runtimefs string `toml:"runtimefs"`

	// Appfs is the path to the application filesystem image. Empty means no
	// appfs drive.
	Appfs string `toml:"appfs,omitempty"`

	// LoadDir is a snapshot directory to resume from. Empty means cold boot.
	LoadDir string `toml:"load_dir,omitempty"`

	// DumpDir is a directory to emit a snapshot to. Empty means no dump.
	DumpDir string `toml:"dump_dir,omitempty"`

	// Cmdline overrides the kernel command line.
	Cmdline string `toml:"cmdline,omitempty"`

	// Working-set and copy flags, passed through to firerunner.
	DumpWs   bool `toml:"dump_ws,omitempty"`
	LoadWs   bool `toml:"load_ws,omitempty"`
	CopyBase bool `toml:"copy_base,omitempty"`
	CopyDiff bool `toml:"copy_diff,omitempty"`
}

// OdirectOption toggles O_DIRECT per storage role.
type OdirectOption struct {
	Base   bool `toml:"base"`
	Diff   bool `toml:"diff"`
	Rootfs bool `toml:"rootfs"`
	Appfs  bool `toml:"appfs"`
}

// Config holds snapfaasd runtime configuration.
type Config struct {
	// ListenAddr is the TCP address the dispatcher accepts requests on.
	ListenAddr string

	// StorePath is the KV environment directory.
	StorePath string

	// RegistryPath is the SQLite function registry database.
	RegistryPath string

	// SocketDir holds the per-VM listener sockets guests connect back on.
	SocketDir string

	// LogsDir holds captured VM stderr logs.
	LogsDir string

	// FirerunnerBin is the path to the firerunner binary. Empty means search
	// PATH and known locations.
	FirerunnerBin string

	// Network is an optional "<tap>/<mac>" network spec handed to VMs.
	Network string

	// Odirect, when non-nil, toggles O_DIRECT per storage role.
	Odirect *OdirectOption
}

// DefaultConfig returns the default configuration, rooted at the working
// directory the way the host has always run.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   "127.0.0.1:28888",
		StorePath:    "storage",
		RegistryPath: filepath.Join("data", "functions.db"),
		SocketDir:    filepath.Join(os.TempDir(), "snapfaas"),
		LogsDir:      filepath.Join("data", "logs"),
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.SocketDir,
		c.LogsDir,
		filepath.Dir(c.RegistryPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveFirerunner resolves FirerunnerBin if it is empty. Returns an error
// when the binary cannot be found anywhere.
func (c *Config) ResolveFirerunner() error {
	if c.FirerunnerBin != "" {
		return nil
	}
	p := FindBinary("firerunner", executableDir())
	if p == "" {
		return fmt.Errorf("firerunner not found in PATH or known locations")
	}
	c.FirerunnerBin = p
	return nil
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	for _, dir := range []string{"/usr/lib/snapfaas", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

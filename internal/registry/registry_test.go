package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sampalekos96/snapfaas/internal/config"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "functions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func sampleFunction(name string) *config.FunctionConfig {
	return &config.FunctionConfig{
		Name:      name,
		Memory:    128,
		Vcpus:     1,
		Kernel:    "/images/vmlinux",
		Runtimefs: "/images/python3.ext4",
		LoadWs:    true,
	}
}

func TestUpsertAndGet(t *testing.T) {
	d := openTestDB(t)
	if err := d.Upsert(sampleFunction("hello")); err != nil {
		t.Fatal(err)
	}

	got, err := d.Get("hello")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing function")
	}
	if got.Memory != 128 || !got.LoadWs || got.DumpWs {
		t.Errorf("got = %+v", got)
	}
}

func TestGetAbsent(t *testing.T) {
	d := openTestDB(t)
	got, err := d.Get("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("Get(nope) = %+v, want nil", got)
	}
}

func TestUpsertReplaces(t *testing.T) {
	d := openTestDB(t)
	fc := sampleFunction("hello")
	if err := d.Upsert(fc); err != nil {
		t.Fatal(err)
	}
	fc.Memory = 256
	if err := d.Upsert(fc); err != nil {
		t.Fatal(err)
	}

	got, err := d.Get("hello")
	if err != nil {
		t.Fatal(err)
	}
	if got.Memory != 256 {
		t.Errorf("memory = %d, want 256", got.Memory)
	}

	fns, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(fns) != 1 {
		t.Errorf("len(List) = %d, want 1", len(fns))
	}
}

func TestListOrdered(t *testing.T) {
	d := openTestDB(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := d.Upsert(sampleFunction(name)); err != nil {
			t.Fatal(err)
		}
	}
	fns, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(fns) != 3 || fns[0].Name != "alpha" || fns[2].Name != "zeta" {
		t.Errorf("List = %v", fns)
	}
}

func TestDelete(t *testing.T) {
	d := openTestDB(t)
	if err := d.Upsert(sampleFunction("hello")); err != nil {
		t.Fatal(err)
	}
	if err := d.Delete("hello"); err != nil {
		t.Fatal(err)
	}
	got, err := d.Get("hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("function survived delete")
	}
}

func TestSyncFromFile(t *testing.T) {
	d := openTestDB(t)
	path := filepath.Join(t.TempDir(), "functions.toml")
	body := `
[[functions]]
name = "hello"
memory = 128
vcpus = 1
kernel = "/images/vmlinux"
runtimefs = "/images/python3.ext4"

[[functions]]
name = "echo"
memory = 64
vcpus = 1
kernel = "/images/vmlinux"
runtimefs = "/images/node.ext4"
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	n, err := d.SyncFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("synced = %d, want 2", n)
	}
	fns, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(fns) != 2 {
		t.Errorf("len(List) = %d, want 2", len(fns))
	}
}

// sfvm launches a single microVM for one function and sends it one request:
// the one-shot path used for development and diagnostics.
//
//	sfvm -functions functions.toml -function hello -payload '{"name": "world"}'
//
// With -force_exit the VM runs to completion without serving a request; the
// process exits 0 if the child succeeded and 1 otherwise. The exit decision is
// made here, not in the library.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sampalekos96/snapfaas/internal/config"
	"github.com/sampalekos96/snapfaas/internal/store"
	"github.com/sampalekos96/snapfaas/internal/vm"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	var (
		functionFile = flag.String("functions", "", "TOML function definition file")
		functionName = flag.String("function", "", "function to launch")
		payload      = flag.String("payload", "null", "JSON request payload")
		firerunner   = flag.String("firerunner", "", "path to the firerunner binary (default: search PATH)")
		id           = flag.Int("id", 0, "VM id")
		cid          = flag.Uint("cid", 100, "vsock context id for the guest")
		forceExit    = flag.Bool("force_exit", false, "run the VM to completion and exit 0 on success, 1 on failure")
		odirectBase  = flag.Bool("odirect_base", false, "enable O_DIRECT for the base image")
		noDiff       = flag.Bool("no_odirect_diff", false, "disable O_DIRECT for the diff image")
		noRoot       = flag.Bool("no_odirect_root", false, "disable O_DIRECT for the rootfs image")
		noApp        = flag.Bool("no_odirect_app", false, "disable O_DIRECT for the appfs image")
	)
	flag.StringVar(&cfg.StorePath, "storage", cfg.StorePath, "KV environment directory")
	flag.StringVar(&cfg.SocketDir, "socket_dir", cfg.SocketDir, "directory for VM listener sockets")
	flag.StringVar(&cfg.Network, "network", cfg.Network, `network spec "<tap>/<mac>"`)
	flag.Parse()

	if *functionFile == "" || *functionName == "" {
		fmt.Fprintln(os.Stderr, "usage: sfvm -functions <file> -function <name> [-payload <json>]")
		os.Exit(2)
	}

	fns, err := config.LoadFunctions(*functionFile)
	if err != nil {
		log.Fatal(err)
	}
	var fc *config.FunctionConfig
	for i := range fns {
		if fns[i].Name == *functionName {
			fc = &fns[i]
			break
		}
	}
	if fc == nil {
		log.Fatalf("function %q not found in %s", *functionName, *functionFile)
	}

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	cfg.FirerunnerBin = *firerunner
	if err := cfg.ResolveFirerunner(); err != nil {
		log.Fatal(err)
	}
	if flagSet("odirect_base") || flagSet("no_odirect_diff") || flagSet("no_odirect_root") || flagSet("no_odirect_app") {
		cfg.Odirect = &config.OdirectOption{
			Base:   *odirectBase,
			Diff:   !*noDiff,
			Rootfs: !*noRoot,
			Appfs:  !*noApp,
		}
	}

	launcher := &vm.Launcher{
		FirerunnerBin: cfg.FirerunnerBin,
		Network:       cfg.Network,
		Odirect:       cfg.Odirect,
		AcceptTimeout: 90 * time.Second,
		Stderr:        os.Stderr,
	}

	if *forceExit {
		status, err := launcher.RunForceExit(*id, fc, uint32(*cid), cfg.SocketDir)
		if err != nil {
			log.Print(err)
		}
		os.Exit(status)
	}

	env, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer env.Close()

	sockPath := filepath.Join(cfg.SocketDir, fmt.Sprintf("worker-%d.sock", *id))
	ln, err := vm.ListenSocket(sockPath)
	if err != nil {
		log.Fatal(err)
	}
	defer os.Remove(sockPath)
	defer ln.Close()

	v, ts, err := launcher.Launch(*id, fc, ln, uint32(*cid), env)
	if err != nil {
		log.Fatalf("launch %s: %v", fc.Name, err)
	}
	defer v.Shutdown()
	log.Printf("vm %d booted in %v", v.ID, ts.Connected.Sub(ts.PreSpawn))

	res, err := v.ProcessReq(*payload)
	if err != nil {
		log.Fatalf("process request: %v", err)
	}
	fmt.Println(res)
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// snapfaasd is the snapfaas dispatcher daemon.
//
// It syncs function definitions into the registry, opens the shared KV
// environment, and serves framed invocation requests on a TCP address: one
// freshly launched microVM per request.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sampalekos96/snapfaas/internal/config"
	"github.com/sampalekos96/snapfaas/internal/dispatch"
	"github.com/sampalekos96/snapfaas/internal/logstore"
	"github.com/sampalekos96/snapfaas/internal/registry"
	"github.com/sampalekos96/snapfaas/internal/store"
	"github.com/sampalekos96/snapfaas/internal/version"
	"github.com/sampalekos96/snapfaas/internal/vm"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	var (
		functionFile = flag.String("functions", "", "TOML function definition file to sync into the registry")
		firerunner   = flag.String("firerunner", "", "path to the firerunner binary (default: search PATH)")
		maxVMs       = flag.Int("max_vms", 0, "cap on concurrently running VMs (0 = unlimited)")
	)
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "dispatch listen address")
	flag.StringVar(&cfg.StorePath, "storage", cfg.StorePath, "KV environment directory")
	flag.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "function registry database path")
	flag.StringVar(&cfg.SocketDir, "socket_dir", cfg.SocketDir, "directory for VM listener sockets")
	flag.StringVar(&cfg.LogsDir, "logs", cfg.LogsDir, "directory for captured VM stderr")
	flag.StringVar(&cfg.Network, "network", cfg.Network, `network spec "<tap>/<mac>" handed to VMs`)
	flag.Parse()

	cfg.FirerunnerBin = *firerunner

	log.Printf("snapfaasd %s starting", version.Version())

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	if err := cfg.ResolveFirerunner(); err != nil {
		log.Fatal(err)
	}
	log.Printf("firerunner: %s", cfg.FirerunnerBin)

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	defer reg.Close()

	if *functionFile != "" {
		n, err := reg.SyncFromFile(*functionFile)
		if err != nil {
			log.Fatalf("sync functions: %v", err)
		}
		log.Printf("registry: synced %d functions from %s", n, *functionFile)
	}

	env, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer env.Close()
	log.Printf("store: %s", cfg.StorePath)

	logs := logstore.NewStore(cfg.LogsDir)
	defer logs.Close()

	launcher := &vm.Launcher{
		FirerunnerBin: cfg.FirerunnerBin,
		Network:       cfg.Network,
		Odirect:       cfg.Odirect,
		AcceptTimeout: 90 * time.Second,
		Logs:          logs,
	}

	srv := dispatch.NewServer(cfg, reg, env, launcher, *maxVMs)

	// Clean exit on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		srv.Close()
		vm.UnlinkStaleSockets(cfg.SocketDir)
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

// sfwebhook is the webhook frontend: it validates GitHub event deliveries
// and forwards them to the dispatcher.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/sampalekos96/snapfaas/internal/pool"
	"github.com/sampalekos96/snapfaas/internal/version"
	"github.com/sampalekos96/snapfaas/internal/webhook"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		listen     = flag.String("listen", "127.0.0.1:8090", "address to listen on")
		dispatcher = flag.String("snapfaas_address", "127.0.0.1:28888", "dispatcher address")
		poolSize   = flag.Int("pool_size", 10, "dispatcher connection pool size")
	)
	flag.Parse()

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		log.Print("warning: WEBHOOK_SECRET not set; signature checks disabled")
	}

	p := pool.New(*dispatcher, *poolSize)
	defer p.Close()

	log.Printf("sfwebhook %s listening on %s (dispatcher %s)", version.Version(), *listen, *dispatcher)
	if err := http.ListenAndServe(*listen, webhook.New(secret, p)); err != nil {
		log.Fatal(err)
	}
}

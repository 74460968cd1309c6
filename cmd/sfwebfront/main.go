// sfwebfront is the HTTP frontend: OAuth/CAS login, JWT sessions, authorized
// store access, read-only queries, and function dispatch.
package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sampalekos96/snapfaas/internal/pool"
	"github.com/sampalekos96/snapfaas/internal/secrets"
	"github.com/sampalekos96/snapfaas/internal/store"
	"github.com/sampalekos96/snapfaas/internal/version"
	"github.com/sampalekos96/snapfaas/internal/webfront"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		listen     = flag.String("listen", "127.0.0.1:8080", "address to listen on")
		baseURL    = flag.String("base_url", "http://localhost:8080", "externally visible base URL")
		casURL     = flag.String("cas", "https://fed.princeton.edu/cas", "CAS server base URL")
		course     = flag.String("course", "cos316", "course namespace for authorization paths")
		storePath  = flag.String("storage", store.DefaultPath, "KV environment directory")
		dispatcher = flag.String("snapfaas_address", "127.0.0.1:28888", "dispatcher address")
		poolSize   = flag.Int("pool_size", 10, "dispatcher connection pool size")
		keyPath    = flag.String("key", "webfront.key.pem", "ECDSA private key (PEM) for session tokens")
		masterKey  = flag.String("master_key", filepath.Join("data", "master.key"), "AES master key for sealing stored GitHub tokens")
	)
	flag.Parse()

	creds := webfront.GithubOAuthCredentials{
		ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		log.Print("warning: GITHUB_CLIENT_ID / GITHUB_CLIENT_SECRET not set; github login disabled")
	}

	key, err := loadECDSAKey(*keyPath)
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}

	env, err := store.Open(*storePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer env.Close()

	vault, err := secrets.Open(*masterKey)
	if err != nil {
		log.Fatalf("open secrets vault: %v", err)
	}

	p := pool.New(*dispatcher, *poolSize)
	defer p.Close()

	app := webfront.New(creds, key, env, *baseURL, *casURL, *course, p, vault)

	log.Printf("sfwebfront %s listening on %s (dispatcher %s)", version.Version(), *listen, *dispatcher)
	if err := http.ListenAndServe(*listen, app); err != nil {
		log.Fatal(err)
	}
}

// loadECDSAKey reads a PEM-encoded ECDSA private key (SEC1 or PKCS#8).
func loadECDSAKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s is not an ECDSA key", path)
	}
	return key, nil
}

// Package webhook is the GitHub webhook frontend: it authenticates event
// deliveries with the shared secret and forwards them to the dispatcher.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/sampalekos96/snapfaas/internal/request"
)

// invoker dispatches one function invocation. *pool.Pool implements it.
type invoker interface {
	Invoke(function string, payload json.RawMessage) (*request.Response, error)
}

// App handles webhook deliveries.
type App struct {
	secret string // empty disables signature checking
	pool   invoker
}

// New creates a webhook app. An empty secret disables signature checks.
func New(secret string, p invoker) *App {
	return &App{secret: secret, pool: p}
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if a.secret != "" && !a.validSignature(r.Header.Get("X-Hub-Signature-256"), body) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		http.Error(w, "missing event header", http.StatusBadRequest)
		return
	}

	resp, err := a.pool.Invoke(event, body)
	if err != nil {
		log.Printf("webhook: dispatch %s: %v", event, err)
		http.Error(w, "dispatch failed", http.StatusBadGateway)
		return
	}
	if resp.Status != request.StatusSentToVM {
		http.Error(w, resp.Status, http.StatusBadGateway)
		return
	}
	w.Write([]byte(resp.Response))
}

// validSignature checks GitHub's sha256 HMAC delivery signature.
func (a *App) validSignature(header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

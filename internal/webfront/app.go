// Package webfront is the HTTP frontend: login via GitHub OAuth or CAS,
// ES256 JWT session tokens, authorized reads and writes against the store,
// read-only queries, and function invocation through the dispatcher pool.
package webfront

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sampalekos96/snapfaas/internal/pool"
	"github.com/sampalekos96/snapfaas/internal/query"
	"github.com/sampalekos96/snapfaas/internal/request"
	"github.com/sampalekos96/snapfaas/internal/secrets"
	"github.com/sampalekos96/snapfaas/internal/store"
)

// enforceExpiry gates the token expiry check. The comparison is computed but
// not enforced; flipping this requires an authoritative decision on session
// lifetime.
const enforceExpiry = false

// tokenLifetime is the exp claim written into minted tokens.
const tokenLifetime = 10 * time.Minute

// GithubOAuthCredentials identify the OAuth app used for login.
type GithubOAuthCredentials struct {
	ClientID     string
	ClientSecret string
}

// Claims is the JWT payload for a session token.
type Claims struct {
	Alg string `json:"alg"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Sub string `json:"sub"`
}

// App is the webfront HTTP application.
type App struct {
	ghCreds GithubOAuthCredentials
	signKey *ecdsa.PrivateKey
	pubKey  *ecdsa.PublicKey
	env     *store.Env
	users   store.DB
	main    store.DB
	baseURL string
	casURL  string
	course  string
	pool    *pool.Pool
	vault   *secrets.Vault
	mux     *http.ServeMux

	// githubAPI and githubOAuth are swappable for tests.
	githubAPI   string
	githubOAuth string
}

// New creates the webfront app. vault, when non-nil, encrypts paired GitHub
// tokens at rest.
func New(creds GithubOAuthCredentials, signKey *ecdsa.PrivateKey, env *store.Env, baseURL, casURL, course string, p *pool.Pool, vault *secrets.Vault) *App {
	a := &App{
		ghCreds:     creds,
		signKey:     signKey,
		pubKey:      &signKey.PublicKey,
		env:         env,
		users:       store.NamedDB("users"),
		main:        store.DefaultDB(),
		baseURL:     baseURL,
		casURL:      casURL,
		course:      course,
		pool:        p,
		vault:       vault,
		mux:         http.NewServeMux(),
		githubAPI:   "https://api.github.com",
		githubOAuth: "https://github.com/login/oauth",
	}
	a.registerRoutes()
	return a
}

func (a *App) registerRoutes() {
	a.mux.HandleFunc("GET /login/github", a.handleLoginGithub)
	a.mux.HandleFunc("GET /authenticate/github", a.handleAuthGithub)
	a.mux.HandleFunc("POST /pair_github", a.handlePairGithub)
	a.mux.HandleFunc("GET /login/cas", a.handleLoginCAS)
	a.mux.HandleFunc("GET /authenticate/cas", a.handleAuthCAS)
	a.mux.HandleFunc("GET /me", a.handleWhoami)
	a.mux.HandleFunc("GET /get", a.handleGet)
	a.mux.HandleFunc("POST /put", a.handlePut)
	a.mux.HandleFunc("POST /query", a.handleQuery)
	a.mux.HandleFunc("GET /assignments", a.handleAssignments)
	a.mux.HandleFunc("POST /assignments", a.handleStartAssignment)
}

// ServeHTTP adds the CORS surface around the mux.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-type")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.mux.ServeHTTP(w, r)
}

// --- Auth ---

// mintToken signs a session token for login.
func (a *App) mintToken(login string) (string, error) {
	now := time.Now().Unix()
	claims := jwt.MapClaims{
		"alg": "ES256",
		"iat": now,
		"exp": now + int64(tokenLifetime.Seconds()),
		"sub": login,
	}
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(a.signKey)
}

// verifyJWT checks the Authorization bearer token and returns the subject.
func (a *App) verifyJWT(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	parts := strings.Split(header, " ")
	raw := parts[len(parts)-1]

	mc := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, mc, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return a.pubKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	var claims Claims
	if sub, ok := mc["sub"].(string); ok {
		claims.Sub = sub
	}
	if exp, ok := mc["exp"].(float64); ok {
		claims.Exp = int64(exp)
	}

	if claims.Exp < time.Now().Unix() && enforceExpiry {
		return "", fmt.Errorf("token expired")
	}
	if claims.Sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Sub, nil
}

// legalPathForUser reports whether a non-admin user may read key.
func (a *App) legalPathForUser(key, login string) bool {
	patterns := []string{
		fmt.Sprintf("^%s/enrollments.json$", a.course),
		fmt.Sprintf("^%s/assignments$", a.course),
		fmt.Sprintf("^%s/assignments/[^/]+/%s", a.course, regexp.QuoteMeta(login)),
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// getter is the read surface shared by RoTxn and RwTxn.
type getter interface {
	Get(db store.DB, key []byte) ([]byte, bool)
}

// admins reads the admin list from the users keyspace.
func (a *App) admins(txn getter) []string {
	raw, ok := txn.Get(a.users, []byte("admins"))
	if !ok {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (a *App) handleLoginGithub(w http.ResponseWriter, r *http.Request) {
	u := fmt.Sprintf("%s/authorize?client_id=%s&scopes=repo:invites", a.githubOAuth, a.ghCreds.ClientID)
	http.Redirect(w, r, u, http.StatusFound)
}

func (a *App) handleLoginCAS(w http.ResponseWriter, r *http.Request) {
	service := fmt.Sprintf("%s/authenticate/cas", a.baseURL)
	http.Redirect(w, r, fmt.Sprintf("%s/login?service=%s", a.casURL, url.QueryEscape(service)), http.StatusFound)
}

// handleAuthCAS validates a CAS ticket and mints a session token.
func (a *App) handleAuthCAS(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		http.Error(w, "missing ticket", http.StatusNotFound)
		return
	}
	service := fmt.Sprintf("%s/authenticate/cas", a.baseURL)

	resp, err := http.Get(fmt.Sprintf("%s/validate?ticket=%s&service=%s",
		a.casURL, url.QueryEscape(ticket), url.QueryEscape(service)))
	if err != nil {
		http.Error(w, "cas validation failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 || lines[0] != "yes" {
		http.Error(w, "cas rejected ticket", http.StatusBadRequest)
		return
	}
	sub := strings.TrimSpace(lines[1]) + "@princeton.edu"

	token, err := a.mintToken(sub)
	if err != nil {
		http.Error(w, "token error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

// handleAuthGithub exchanges the OAuth code for a GitHub access token.
func (a *App) handleAuthGithub(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusNotFound)
		return
	}

	form := url.Values{
		"client_id":     {a.ghCreds.ClientID},
		"client_secret": {a.ghCreds.ClientSecret},
		"code":          {code},
	}
	req, err := http.NewRequest(http.MethodPost, a.githubOAuth+"/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		http.Error(w, "request error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "SnapFaaS Web Frontend")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, "github exchange failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	var auth struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil || auth.AccessToken == "" {
		http.Error(w, "github exchange failed", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"token": auth.AccessToken})
}

// handlePairGithub links the caller's account to their GitHub identity.
func (a *App) handlePairGithub(w http.ResponseWriter, r *http.Request) {
	login, err := a.verifyJWT(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ghToken := r.PostFormValue("github_token")
	if ghToken == "" {
		http.Error(w, "missing github_token", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequest(http.MethodGet, a.githubAPI+"/user", nil)
	if err != nil {
		http.Error(w, "request error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "SnapFaaS Web Frontend")
	req.Header.Set("Authorization", "Bearer "+ghToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, "github lookup failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	var ghUser struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ghUser); err != nil || ghUser.Login == "" {
		http.Error(w, "github lookup failed", http.StatusBadRequest)
		return
	}

	storedToken := []byte(ghToken)
	if a.vault != nil {
		sealed, err := a.vault.Seal(ghToken)
		if err != nil {
			http.Error(w, "seal token", http.StatusInternalServerError)
			return
		}
		storedToken = sealed
	}

	txn, err := a.env.BeginRw()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	txn.Put(a.users, []byte("github/for/user/"+login), []byte(ghUser.Login))
	txn.Put(a.users, []byte("github/user/"+ghUser.Login+"/token"), storedToken)
	txn.Put(a.users, []byte("github/from/"+ghUser.Login), []byte(login))
	if err := txn.Commit(); err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, ghUser.Login)
}

func (a *App) handleWhoami(w http.ResponseWriter, r *http.Request) {
	login, err := a.verifyJWT(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	txn, err := a.env.BeginRo()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	defer txn.Commit()

	type user struct {
		Login  string  `json:"login"`
		Github *string `json:"github"`
	}
	u := user{Login: login}
	if gh, ok := txn.Get(a.users, []byte("github/for/user/"+login)); ok {
		s := string(gh)
		u.Github = &s
	}
	writeJSON(w, u)
}

// handleGet returns the requested keys the caller may read.
func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	login, err := a.verifyJWT(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	txn, err := a.env.BeginRo()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	defer txn.Commit()

	isAdmin := contains(a.admins(txn), login)
	results := make(map[string]*string)
	for _, key := range strings.Split(r.URL.Query().Get("keys"), ",") {
		if key == "" {
			continue
		}
		if !isAdmin && !a.legalPathForUser(key, login) {
			continue
		}
		if v, ok := txn.Get(a.main, []byte(key)); ok {
			s := string(v)
			results[key] = &s
		} else {
			results[key] = nil
		}
	}
	writeJSON(w, results)
}

// handlePut stores each multipart field under its field name. Admins only.
func (a *App) handlePut(w http.ResponseWriter, r *http.Request) {
	login, err := a.verifyJWT(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "multipart required", http.StatusBadRequest)
		return
	}

	txn, err := a.env.BeginRw()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	if !contains(a.admins(txn), login) {
		txn.Discard()
		http.Error(w, "not an admin", http.StatusBadRequest)
		return
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			txn.Discard()
			http.Error(w, "read multipart", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(part)
		if err != nil {
			txn.Discard()
			http.Error(w, "read multipart", http.StatusBadRequest)
			return
		}
		if err := txn.Put(a.main, []byte(part.FormName()), data); err != nil {
			txn.Discard()
			http.Error(w, "store error", http.StatusInternalServerError)
			return
		}
	}
	if err := txn.Commit(); err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQuery evaluates a read-only query over a snapshot.
func (a *App) handleQuery(w http.ResponseWriter, r *http.Request) {
	login, err := a.verifyJWT(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	src, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	txn, err := a.env.BeginRo()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	defer txn.Commit()

	if !contains(a.admins(txn), login) {
		http.Error(w, "not an admin", http.StatusUnauthorized)
		return
	}

	out, err := query.Run(string(src), txn, a.main)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (a *App) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if _, err := a.verifyJWT(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	txn, err := a.env.BeginRo()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	defer txn.Commit()

	if v, ok := txn.Get(a.main, []byte(a.course+"/assignments")); ok {
		writeJSON(w, string(v))
		return
	}
	writeJSON(w, nil)
}

// handleStartAssignment dispatches the start_assignment function through the
// pool on behalf of the listed users.
func (a *App) handleStartAssignment(w http.ResponseWriter, r *http.Request) {
	login, err := a.verifyJWT(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var input struct {
		Assignment string   `json:"assignment"`
		Users      []string `json:"users"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	txn, err := a.env.BeginRo()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	admins := a.admins(txn)
	if !contains(input.Users, login) && !contains(admins, login) {
		txn.Commit()
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "user not authorized to make request"})
		return
	}

	var ghHandles []string
	for _, user := range input.Users {
		gh, ok := txn.Get(a.users, []byte("github/for/user/"+user))
		if !ok {
			txn.Commit()
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("no github handle for %q", user),
			})
			return
		}
		ghHandles = append(ghHandles, string(gh))
	}
	txn.Commit()

	payload, _ := json.Marshal(map[string]any{
		"assignment": input.Assignment,
		"users":      input.Users,
		"gh_handles": ghHandles,
	})
	resp, err := a.pool.Invoke("start_assignment", payload)
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "failed to reach dispatcher"})
		return
	}
	if resp.Status != request.StatusSentToVM {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": resp.Status})
		return
	}
	w.Write([]byte(resp.Response))
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("webfront: encode response: %v", err)
	}
}

// Package authgateway serves the OAuth 2.0 authorization-code endpoints,
// the bearer-token resolution middleware for /mcp, header-driven sync
// auto-configuration, and the /health + /metrics surface.
package authgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"github.com/obsidian-sync/bridge/pkg/identity"
	"github.com/obsidian-sync/bridge/pkg/metrics"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
	"github.com/obsidian-sync/bridge/pkg/usercontext"
)

// Logger is the narrow logging surface this package needs.
type Logger interface {
	Errorf(format string, args ...any)
	Infof(format string, args ...any)
}

// Gateway wires the identity store, sync auto-configuration, and an MCP
// server into a single HTTP router.
type Gateway struct {
	users   *identity.Store
	configs *syncconfig.Store
	metrics *metrics.Registry
	log     Logger
	mcp     *server.MCPServer
}

// New returns a Gateway. mcpServer has already had every vault and sync
// tool registered on it.
func New(users *identity.Store, configs *syncconfig.Store, reg *metrics.Registry, log Logger, mcpServer *server.MCPServer) *Gateway {
	return &Gateway{users: users, configs: configs, metrics: reg, log: log, mcp: mcpServer}
}

var placeholderRe = regexp.MustCompile(`\{\{.*\}\}`)

func isPlaceholder(v string) bool {
	return v == "" || placeholderRe.MatchString(v)
}

// Routes builds the full HTTP handler.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/metrics", g.metricsHandler())

	r.Get("/authorize", g.handleAuthorizeGet)
	r.Post("/authorize", g.handleAuthorizePost)
	r.Post("/token", g.handleToken)

	mcpHTTP := server.NewStreamableHTTPServer(g.mcp, server.WithHTTPContextFunc(g.contextFunc))
	r.Handle("/mcp", g.requireBearer(mcpHTTP))
	r.Handle("/mcp/*", g.requireBearer(mcpHTTP))

	return r
}

func (g *Gateway) metricsHandler() http.HandlerFunc {
	if g.metrics == nil {
		return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }
	}
	h := g.metrics.Handler()
	return func(w http.ResponseWriter, r *http.Request) { h.ServeHTTP(w, r) }
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "obsidian-sync-mcp"})
}

// handleAuthorizeGet renders the OAuth approval page. state MUST be
// "user_id:anything"; the host chat application embeds the end-user's id
// there, so no separate identity confirmation happens here.
func (g *Gateway) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	redirectURI := r.URL.Query().Get("redirect_uri")
	state := r.URL.Query().Get("state")
	clientID := r.URL.Query().Get("client_id")

	if _, ok := userFromState(state); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "state must be formatted as user_id:opaque"})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html><body>
<form method="post" action="/authorize">
<input type="hidden" name="redirect_uri" value="%s">
<input type="hidden" name="state" value="%s">
<input type="hidden" name="client_id" value="%s">
<p>Allow this assistant to access your Obsidian vault?</p>
<button type="submit" name="action" value="approve">Approve</button>
</form>
</body></html>`, html.EscapeString(redirectURI), html.EscapeString(state), html.EscapeString(clientID))
}

func (g *Gateway) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.Form.Get("action") != "approve" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "access_denied"})
		return
	}

	state := r.Form.Get("state")
	redirectURI := r.Form.Get("redirect_uri")
	userID, ok := userFromState(state)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "state must be formatted as user_id:opaque"})
		return
	}

	code, err := g.users.IssueAuthCode(userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	dest, err := url.Parse(redirectURI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	q := dest.Query()
	q.Set("code", code)
	q.Set("state", state)
	dest.RawQuery = q.Encode()

	http.Redirect(w, r, dest.String(), http.StatusFound)
}

type tokenRequest struct {
	Code         string `json:"code"`
	GrantType    string `json:"grant_type"`
	CodeVerifier string `json:"code_verifier"`
}

// handleToken consumes a single-use code and returns an access token, or
// invalid_grant for unknown/expired codes. PKCE code_verifier is accepted
// but not verified; no code_challenge is recorded at /authorize to check
// it against.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		req.Code = r.Form.Get("code")
		req.GrantType = r.Form.Get("grant_type")
		req.CodeVerifier = r.Form.Get("code_verifier")
	}

	userID, ok := g.users.ConsumeAuthCode(req.Code)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	token, err := g.users.IssueAccessToken(userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(identity.AccessTokenTTL.Seconds()),
		"scope":        "obsidian_sync",
	})
}

// requireBearer resolves the Authorization header to a user id, attempts
// header-driven sync auto-configuration, and rejects unauthenticated
// callers with 401 + WWW-Authenticate.
func (g *Gateway) requireBearer(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		userID, ok := g.users.Lookup(token)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			if g.metrics != nil {
				g.metrics.AuthFailures.Inc()
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
			return
		}

		g.maybeAutoConfigure(r, userID)

		ctx := usercontext.With(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// contextFunc is the StreamableHTTPServer hook that carries the user id
// resolved by requireBearer into every MCP tool call's context.
func (g *Gateway) contextFunc(ctx context.Context, r *http.Request) context.Context {
	if userID, ok := usercontext.UserID(r.Context()); ok {
		return usercontext.With(ctx, userID)
	}
	return ctx
}

// maybeAutoConfigure applies header-driven auto-configuration: when the
// repo and token headers are present and non-placeholder, sync is
// configured before the tool dispatches. Failure is logged, never fatal.
func (g *Gateway) maybeAutoConfigure(r *http.Request, userID string) {
	repoURL := r.Header.Get("X-Obsidian-Repo-URL")
	token := r.Header.Get("X-Obsidian-Token")
	branch := r.Header.Get("X-Obsidian-Branch")
	if branch == "" {
		branch = "main"
	}

	if isPlaceholder(repoURL) || isPlaceholder(token) {
		return
	}
	if isPlaceholder(branch) {
		branch = "main"
	}

	if err := g.configs.AutoConfigure(userID, repoURL, token, branch); err != nil {
		if g.log != nil {
			g.log.Errorf("auto-configure failed for %s: %v", userID, err)
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// userFromState extracts the user id from an authorize `state` parameter
// of the form "user_id:anything".
func userFromState(state string) (string, bool) {
	idx := strings.Index(state, ":")
	if idx <= 0 {
		return "", false
	}
	return state[:idx], true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package authgateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/obsidian-sync/bridge/pkg/identity"
	"github.com/obsidian-sync/bridge/pkg/metrics"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
)

type nopLogger struct{}

func (nopLogger) Errorf(format string, args ...any) {}
func (nopLogger) Infof(format string, args ...any)  {}

func newTestGateway(t *testing.T) (*Gateway, string) {
	root := t.TempDir()
	users := identity.NewStore()
	configs := syncconfig.New(root)
	reg := metrics.New("obsidian_sync_test")
	mcpServer := server.NewMCPServer("obsidian-sync-bridge", "test")
	return New(users, configs, reg, nopLogger{}, mcpServer), root
}

func TestHealthEndpoint(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := httptest.NewServer(g.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthorizeRejectsMalformedState(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := httptest.NewServer(g.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/authorize?state=noColon&redirect_uri=https://example.com/cb&client_id=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthorizeApprovalIssuesCodeAndRedirects(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := httptest.NewServer(g.Routes())
	defer ts.Close()

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }}
	form := url.Values{
		"action":       {"approve"},
		"state":        {"alice:xyz"},
		"redirect_uri": {"https://example.com/cb"},
	}
	resp, err := client.PostForm(ts.URL+"/authorize", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, loc.Query().Get("code"))
	require.Equal(t, "alice:xyz", loc.Query().Get("state"))
}

func TestTokenExchangeAndBearerRoundTrip(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := httptest.NewServer(g.Routes())
	defer ts.Close()

	code, err := g.users.IssueAuthCode("alice")
	require.NoError(t, err)

	form := url.Values{"code": {code}, "grant_type": {"authorization_code"}}
	resp, err := http.PostForm(ts.URL+"/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Bearer", body.TokenType)
	userID, ok := g.users.Lookup(body.AccessToken)
	require.True(t, ok)
	require.Equal(t, "alice", userID)
}

func TestTokenExchangeUnknownCodeIsInvalidGrant(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := httptest.NewServer(g.Routes())
	defer ts.Close()

	form := url.Values{"code": {"does-not-exist"}, "grant_type": {"authorization_code"}}
	resp, err := http.PostForm(ts.URL+"/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMCPRejectsMissingBearer(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := httptest.NewServer(g.Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
}

func TestMCPAcceptsValidBearerAndAutoConfigures(t *testing.T) {
	g, root := newTestGateway(t)
	ts := httptest.NewServer(g.Routes())
	defer ts.Close()

	token, err := g.users.IssueAccessToken("alice")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Obsidian-Repo-URL", "https://github.com/alice/vault.git")
	req.Header.Set("X-Obsidian-Token", "tok123")
	req.Header.Set("X-Obsidian-Branch", "main")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusUnauthorized, resp.StatusCode)

	cfg, ok, err := g.configs.Load("alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://github.com/alice/vault.git", cfg.RepoURL)
	_ = root
}

func TestAutoConfigureIgnoresPlaceholderHeaders(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := httptest.NewServer(g.Routes())
	defer ts.Close()

	token, err := g.users.IssueAccessToken("bob")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Obsidian-Repo-URL", "{{OBSIDIAN_REPO_URL}}")
	req.Header.Set("X-Obsidian-Token", "{{OBSIDIAN_TOKEN}}")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, ok, err := g.configs.Load("bob")
	require.NoError(t, err)
	require.False(t, ok)
}

// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/shopcheck/internal/observability"
	"github.com/xkilldash9x/shopcheck/internal/session"
)

// resetForTest isolates a test from the environment and the global logger.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	for _, name := range []string{"USER_EMAIL", "USER_PASSWORD", "MADEIRAMADEIRA_PRODUCTION_URL", "PRICING_BFF_STAGING_URL", "CASTLE_BROWSER_TOKEN", "CUSTOM_USER_AGENT"} {
		t.Setenv(name, "")
	}
	t.Setenv("SHOPCHECK_LOGGER_LEVEL", "fatal")
	t.Setenv("SHOPCHECK_SESSION_STORE", "memory")
	t.Setenv("SHOPCHECK_API_RATE_LIMIT", "0")
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "shopcheck version "+Version)
}

func TestVersionCmd(t *testing.T) {
	resetForTest(t)
	// An invalid config must not matter to the version command.
	t.Setenv("SHOPCHECK_SESSION_STORE", "redis")
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "shopcheck version "+Version+"\n", out)
}

func TestRootCmd_NoArgs(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "shopcheck runs end-to-end and API checks against the storefront.")
	for _, sub := range []string{"login", "quotation", "api-login", "cashback", "session", "proxy"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	resetForTest(t)
	t.Setenv("SHOPCHECK_SESSION_STORE", "redis")
	_, err := executeCommand(t, "quotation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
}

func TestRootCmd_UnreadableConfigFile(t *testing.T) {
	resetForTest(t)
	path := writeConfig(t, "site: [unterminated")
	_, err := executeCommand(t, "--config", path, "quotation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func newQuotationServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/00000000") {
			_, _ = io.WriteString(w, `{"success":false}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQuotationCmd(t *testing.T) {
	resetForTest(t)
	srv := newQuotationServer(t)
	t.Setenv("MADEIRAMADEIRA_PRODUCTION_URL", srv.URL)

	out, err := executeCommand(t, "quotation", "80730350", "00000000")
	var failed *checksFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.failed)
	assert.Contains(t, out, "PASS  quotation 80730350")
	assert.Contains(t, out, "FAIL  quotation 00000000")
	assert.Contains(t, out, "success=false")
}

func TestQuotationCmd_ConfigFileZipcodes(t *testing.T) {
	resetForTest(t)
	srv := newQuotationServer(t)
	path := writeConfig(t, "site:\n  base_url: "+srv.URL+"\napi:\n  zipcodes: [\"01310100\", \"20040002\"]\n")

	out, err := executeCommand(t, "--config", path, "quotation")
	require.NoError(t, err)
	assert.Contains(t, out, "PASS  quotation 01310100")
	assert.Contains(t, out, "PASS  quotation 20040002")
}

func TestAPILoginCmd(t *testing.T) {
	resetForTest(t)
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access_token":"`+token+`"}`)
	}))
	defer srv.Close()
	t.Setenv("PRICING_BFF_STAGING_URL", srv.URL)

	out, err := executeCommand(t, "api-login", "--user", "qa@example.test", "--password", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "PASS  api login")
	assert.Contains(t, out, "token expires 2030-01-02T03:04:05Z")
	assert.NotContains(t, out, token)
}

func TestAPILoginCmd_RequiresCredentials(t *testing.T) {
	resetForTest(t)
	_, err := executeCommand(t, "api-login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials are required")
}

func TestSessionCmds(t *testing.T) {
	resetForTest(t)
	dir := t.TempDir()
	t.Setenv("SHOPCHECK_SESSION_STORE", "file")
	t.Setenv("SHOPCHECK_SESSION_CACHE_DIR", dir)

	store, err := session.NewFileStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	for _, user := range []string{"a@example.test", "b@example.test"} {
		require.NoError(t, store.Put(ctx, &session.Snapshot{
			ID:          user,
			Key:         session.NewKey("v1", user),
			ValidatorID: "home-minha-conta-visible",
			State:       session.State{Origin: "https://shop.test", Cookies: []session.Cookie{{Name: "sid", Value: "x"}}},
			CreatedAt:   time.Now(),
		}))
	}

	out, err := executeCommand(t, "session", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "gui_session_v1_a@example.test")
	assert.Contains(t, out, "gui_session_v1_b@example.test")

	out, err = executeCommand(t, "session", "drop", "gui_session_v1_a@example.test")
	require.NoError(t, err)
	assert.Contains(t, out, "dropped gui_session_v1_a@example.test")
	_, err = store.Get(ctx, session.NewKey("v1", "a@example.test"))
	assert.ErrorIs(t, err, session.ErrNotFound)

	out, err = executeCommand(t, "session", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared 1 snapshots")
	snaps, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSessionCmds_MemoryStore(t *testing.T) {
	resetForTest(t)
	_, err := executeCommand(t, "session", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing is persisted")
}

func TestSessionDrop_RequiresKey(t *testing.T) {
	resetForTest(t)
	_, err := executeCommand(t, "session", "drop")
	assert.Error(t, err)
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, report(&buf, nil))
	assert.Empty(t, buf.String())
}

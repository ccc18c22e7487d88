package suite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/shopcheck/internal/api"
	"github.com/xkilldash9x/shopcheck/internal/browser"
	"github.com/xkilldash9x/shopcheck/internal/config"
	"github.com/xkilldash9x/shopcheck/internal/flows"
	"github.com/xkilldash9x/shopcheck/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// site is the shared state behind every fake tab: whoever holds the sid
// cookie is logged in.
type site struct {
	mu     sync.Mutex
	logins int
}

type fakeTab struct {
	site   *site
	authed bool
	failOn string
	closed bool
	shots  []string
}

func (t *fakeTab) fail(call string) error {
	if t.failOn == call {
		return fmt.Errorf("%s: %w", call, context.DeadlineExceeded)
	}
	return nil
}

func (t *fakeTab) Navigate(_ context.Context, path string) error {
	if path == flows.LoginPath {
		t.site.mu.Lock()
		t.site.logins++
		t.site.mu.Unlock()
	}
	return t.fail("visit " + path)
}

func (t *fakeTab) ExpectText(_ context.Context, text string, _ ...browser.TextOption) error {
	if err := t.fail("expect " + text); err != nil {
		return err
	}
	if text == flows.AccountText && !t.authed {
		return fmt.Errorf("not logged in: %w", context.DeadlineExceeded)
	}
	return nil
}

func (t *fakeTab) ClickText(_ context.Context, text string, _ ...browser.TextOption) error {
	return t.fail("click " + text)
}

func (t *fakeTab) Click(_ context.Context, selector string) error {
	if selector == flows.CloseModalButton {
		t.authed = true
	}
	return t.fail("click " + selector)
}

func (t *fakeTab) Type(context.Context, string, string) error { return nil }

func (t *fakeTab) SeedLocalStorage(context.Context, map[string]string) error { return nil }

func (t *fakeTab) AllowDownloads(_ context.Context, dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (t *fakeTab) WaitForDownload(_ context.Context, dir, pattern string, _ time.Duration) (string, error) {
	if err := t.fail("download"); err != nil {
		return "", err
	}
	return filepath.Join(dir, pattern+"-2026.csv"), nil
}

func (t *fakeTab) ClearState(context.Context) error {
	t.authed = false
	return nil
}

func (t *fakeTab) CaptureState(context.Context) (session.State, error) {
	return session.State{Origin: "https://shop.test", Cookies: []session.Cookie{{Name: "sid", Value: fmt.Sprint(t.authed)}}}, nil
}

func (t *fakeTab) RestoreState(_ context.Context, s session.State) error {
	t.authed = len(s.Cookies) == 1 && s.Cookies[0].Value == "true"
	return nil
}

func (t *fakeTab) Screenshot(_ context.Context, path string) error {
	t.shots = append(t.shots, path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("png"), 0o644)
}

func (t *fakeTab) Close(context.Context) error {
	t.closed = true
	return nil
}

type mockAPI struct{ mock.Mock }

func (m *mockAPI) Login(ctx context.Context, email, password string) (*api.LoginResult, error) {
	args := m.Called(ctx, email, password)
	res, _ := args.Get(0).(*api.LoginResult)
	return res, args.Error(1)
}

func (m *mockAPI) QuotationBatch(ctx context.Context, zipcodes []string) ([]api.QuotationResult, error) {
	args := m.Called(ctx, zipcodes)
	res, _ := args.Get(0).([]api.QuotationResult)
	return res, args.Error(1)
}

type harness struct {
	runner *Runner
	site   *site
	tabs   []*fakeTab
	failOn string
	api    *mockAPI
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Report.ScreenshotsDir = filepath.Join(t.TempDir(), "html")
	cfg.Flows.Cashback.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	logger := zaptest.NewLogger(t)

	h := &harness{site: &site{}, api: &mockAPI{}}
	h.runner = &Runner{
		suite:    "login.cy.js",
		cfg:      cfg,
		sessions: session.NewManager(nil, logger),
		api:      h.api,
		logger:   logger,
	}
	h.runner.open = func(context.Context) (Tab, error) {
		tab := &fakeTab{site: h.site, failOn: h.failOn}
		h.tabs = append(h.tabs, tab)
		return tab, nil
	}
	return h
}

var creds = flows.Credentials{Email: "qa@example.test", Password: "pw"}

func TestRunBrowserCheck_PassingCheckTakesNoScreenshot(t *testing.T) {
	h := newHarness(t)
	res := h.runner.RunBrowserCheck(context.Background(), "noop", func(context.Context, Tab) error { return nil })

	assert.True(t, res.Passed)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Screenshot)
	require.Len(t, h.tabs, 1)
	assert.Empty(t, h.tabs[0].shots)
	assert.True(t, h.tabs[0].closed)
}

func TestRunBrowserCheck_FailureSavesScreenshot(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	res := h.runner.RunBrowserCheck(context.Background(), "should login", func(context.Context, Tab) error { return boom })

	assert.False(t, res.Passed)
	assert.ErrorIs(t, res.Err, boom)
	want := filepath.Join(h.runner.cfg.Report.ScreenshotsDir, "login.cy.js", "should login (failed).png")
	assert.Equal(t, want, res.Screenshot)
	assert.FileExists(t, want)
	assert.True(t, h.tabs[0].closed)
}

func TestRunBrowserCheck_ScreenshotAfterDeadline(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	res := h.runner.RunBrowserCheck(ctx, "slow", func(ctx context.Context, _ Tab) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.NotEmpty(t, res.Screenshot)
}

func TestRunBrowserCheck_OpenFailure(t *testing.T) {
	h := newHarness(t)
	h.runner.open = func(context.Context) (Tab, error) { return nil, errors.New("no chromium") }

	res := h.runner.RunBrowserCheck(context.Background(), "x", func(context.Context, Tab) error {
		t.Fatal("check must not run")
		return nil
	})
	assert.False(t, res.Passed)
	assert.ErrorContains(t, res.Err, "no chromium")
	assert.Empty(t, res.Screenshot)
}

func TestScreenshotPath_SanitizesName(t *testing.T) {
	h := newHarness(t)
	got := h.runner.ScreenshotPath("a/b")
	assert.Equal(t, "a-b (failed).png", filepath.Base(got))
}

func TestCheckLogin(t *testing.T) {
	h := newHarness(t)
	res := h.runner.CheckLogin(context.Background(), creds, flows.LoginOptions{CacheSession: true})
	require.NoError(t, res.Err)
	assert.True(t, res.Passed)
	assert.Equal(t, 1, h.site.logins)
}

func TestCheckLogin_FailedStepIsReported(t *testing.T) {
	h := newHarness(t)
	h.failOn = "click " + flows.ConsentText

	res := h.runner.CheckLogin(context.Background(), creds, flows.LoginOptions{})
	assert.False(t, res.Passed)
	var se *flows.StepError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, "dismiss consent banner", se.Step)
	assert.True(t, se.Timeout())
	assert.Contains(t, res.Screenshot, "should login (failed).png")
}

func TestCheckSessionCache_SecondTabRestores(t *testing.T) {
	h := newHarness(t)
	res := h.runner.CheckSessionCache(context.Background(), creds)

	require.NoError(t, res.Err)
	assert.True(t, res.Passed)
	assert.Len(t, h.tabs, 2)
	assert.Equal(t, 1, h.site.logins, "the second tab must not log in")
}

func TestCheckCashback(t *testing.T) {
	h := newHarness(t)
	res := h.runner.CheckCashback(context.Background(), creds)
	require.NoError(t, res.Err)
	assert.Equal(t, filepath.Join(h.runner.cfg.Flows.Cashback.DownloadDir, "cashback-2026.csv"), res.Detail)
}

func TestCheckCashback_MissingDownload(t *testing.T) {
	h := newHarness(t)
	h.failOn = "download"
	res := h.runner.CheckCashback(context.Background(), creds)
	assert.False(t, res.Passed)
	assert.Empty(t, res.Detail)
	assert.NotEmpty(t, res.Screenshot)
}

func TestCheckQuotation(t *testing.T) {
	h := newHarness(t)
	h.api.On("QuotationBatch", mock.Anything, []string{"80730350", "00000000", "11111111"}).Return([]api.QuotationResult{
		{Zipcode: "80730350", Status: http.StatusOK, Success: true},
		{Zipcode: "00000000", Status: http.StatusOK, Success: false},
		{Zipcode: "11111111", Status: http.StatusBadGateway},
	}, nil)

	results := h.runner.CheckQuotation(context.Background(), []string{"80730350", "00000000", "11111111"})
	require.Len(t, results, 3)
	assert.True(t, results[0].Passed)
	assert.ErrorContains(t, results[1].Err, "success=false")
	assert.ErrorContains(t, results[2].Err, "status 502")
	h.api.AssertExpectations(t)
}

func TestCheckQuotation_DefaultsToConfiguredThenBuiltinZipcode(t *testing.T) {
	h := newHarness(t)
	h.runner.cfg.API.Zipcodes = nil
	h.api.On("QuotationBatch", mock.Anything, []string{DefaultZipcode}).
		Return([]api.QuotationResult{{Zipcode: DefaultZipcode, Status: http.StatusOK, Success: true}}, nil).Once()

	results := h.runner.CheckQuotation(context.Background(), nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)

	h.runner.cfg.API.Zipcodes = []string{"01310100"}
	h.api.On("QuotationBatch", mock.Anything, []string{"01310100"}).
		Return([]api.QuotationResult{{Zipcode: "01310100", Status: http.StatusOK, Success: true}}, nil).Once()
	results = h.runner.CheckQuotation(context.Background(), nil)
	assert.Equal(t, "quotation 01310100", results[0].Name)
	h.api.AssertExpectations(t)
}

func TestCheckQuotation_BatchError(t *testing.T) {
	h := newHarness(t)
	h.api.On("QuotationBatch", mock.Anything, mock.Anything).Return(nil, context.Canceled)

	results := h.runner.CheckQuotation(context.Background(), []string{"1"})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestCheckAPILogin(t *testing.T) {
	exp := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		result  *api.LoginResult
		err     error
		passed  bool
		message string
	}{
		{"ok", &api.LoginResult{Status: http.StatusOK, AccessToken: "t", ExpiresAt: exp}, nil, true, ""},
		{"unauthorized", &api.LoginResult{Status: http.StatusUnauthorized}, nil, false, "status 401"},
		{"no token", &api.LoginResult{Status: http.StatusOK}, nil, false, "no access token"},
		{"transport", nil, errors.New("dial tcp: refused"), false, "refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.api.On("Login", mock.Anything, creds.Email, creds.Password).Return(tt.result, tt.err)

			res := h.runner.CheckAPILogin(context.Background(), creds)
			assert.Equal(t, tt.passed, res.Passed)
			if tt.passed {
				assert.Equal(t, "token expires 2026-10-14T12:00:00Z", res.Detail)
				return
			}
			assert.ErrorContains(t, res.Err, tt.message)
		})
	}
}

func TestOpenStore(t *testing.T) {
	logger := zaptest.NewLogger(t)

	store, pool, err := OpenStore(context.Background(), config.SessionConfig{Store: config.StoreMemory}, logger)
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.Nil(t, pool)

	dir := filepath.Join(t.TempDir(), "sessions")
	store, pool, err = OpenStore(context.Background(), config.SessionConfig{Store: config.StoreFile, CacheDir: dir}, logger)
	require.NoError(t, err)
	assert.IsType(t, &session.FileStore{}, store)
	assert.Nil(t, pool)
	assert.DirExists(t, dir)

	_, _, err = OpenStore(context.Background(), config.SessionConfig{Store: "redis"}, logger)
	assert.ErrorContains(t, err, "unsupported session store")

	_, _, err = OpenStore(context.Background(), config.SessionConfig{Store: config.StorePostgres, PostgresURL: "::not a url::"}, logger)
	assert.Error(t, err)
}

func TestNewComponents_FileStore(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Session.Store = config.StoreFile
	cfg.Session.CacheDir = t.TempDir()

	c, err := NewComponents(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Shutdown()

	assert.NotNil(t, c.Sessions)
	assert.NotNil(t, c.Rewriter)
	assert.NotNil(t, c.Browser)
	assert.NotNil(t, c.API)
	assert.Nil(t, c.DBPool)

	r := NewRunner(c, "cashback.cy.js")
	assert.Contains(t, r.ScreenshotPath("x"), "cashback.cy.js")
}

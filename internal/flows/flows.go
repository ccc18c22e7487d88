// Package flows holds the storefront user journeys the checks drive.
package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/browser"
	"github.com/xkilldash9x/shopcheck/internal/session"
)

// Storefront copy and selectors the journeys depend on.
const (
	LoginPath        = "/verificar"
	ConsentText      = "Concordar e fechar"
	ContinueText     = "Continuar"
	AccountText      = "Minha Conta"
	LogoutText       = "Sair"
	IdentifierInput  = `[type="text"]`
	PasswordInput    = `[type="password"]`
	CloseModalButton = `[data-icon="xmark"]`

	CashbackPath       = "/home"
	ReportProcessing   = "Processando seu relatório..."
	ReportReady        = "Relatório gerado!"
	DefaultTriggerText = "Gerar relatório"
	DefaultFilePattern = "cashback"

	// ValidatorID identifies Validate in session keys. Change it whenever
	// Validate changes meaning, together with the key version.
	ValidatorID = "home-minha-conta-visible"
)

// Page is the slice of a browser tab the journeys use.
type Page interface {
	Navigate(ctx context.Context, path string) error
	ExpectText(ctx context.Context, text string, opts ...browser.TextOption) error
	ClickText(ctx context.Context, text string, opts ...browser.TextOption) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	SeedLocalStorage(ctx context.Context, items map[string]string) error
	AllowDownloads(ctx context.Context, dir string) error
	WaitForDownload(ctx context.Context, dir, pattern string, timeout time.Duration) (string, error)
}

// SessionPage is a Page whose state the session manager can snapshot.
type SessionPage interface {
	Page
	session.Browser
}

var _ SessionPage = (*browser.Session)(nil)

// Credentials identify the storefront user.
type Credentials struct {
	Email    string
	Password string
}

// StepError names the journey step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Timeout reports whether the step ran out of time.
func (e *StepError) Timeout() bool { return errors.Is(e.Err, context.DeadlineExceeded) }

func step(name string, err error) error {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	return &StepError{Step: name, Err: err}
}

// Login runs the full login journey. The password is typed but never logged.
func Login(ctx context.Context, p Page, creds Credentials, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("flows").With(zap.String("user", creds.Email))
	log.Info("Logging in.")

	if err := step("visit login page", p.Navigate(ctx, LoginPath)); err != nil {
		return err
	}
	if err := step("expect consent banner", p.ExpectText(ctx, ConsentText)); err != nil {
		return err
	}
	if err := step("dismiss consent banner", p.ClickText(ctx, ConsentText)); err != nil {
		return err
	}
	if err := step("type identifier", p.Type(ctx, IdentifierInput, creds.Email)); err != nil {
		return err
	}
	if err := step("submit identifier", p.ClickText(ctx, ContinueText)); err != nil {
		return err
	}
	if err := step("type password", p.Type(ctx, PasswordInput, creds.Password)); err != nil {
		return err
	}
	if err := step("submit password", p.ClickText(ctx, ContinueText)); err != nil {
		return err
	}
	if err := step("close modal", p.Click(ctx, CloseModalButton)); err != nil {
		return err
	}
	// Confirms the auth flow finished before any snapshot is taken.
	if err := step("expect account menu", p.ExpectText(ctx, AccountText)); err != nil {
		return err
	}
	log.Info("Logged in.")
	return nil
}

// Validate checks the browser is still authenticated.
func Validate(ctx context.Context, p Page) error {
	if err := step("visit home", p.Navigate(ctx, "")); err != nil {
		return err
	}
	return step("expect account menu", p.ExpectText(ctx, AccountText))
}

// LoginValidation opens the account menu and expects the logout entry.
func LoginValidation(ctx context.Context, p Page) error {
	if err := step("expect account menu", p.ExpectText(ctx, AccountText)); err != nil {
		return err
	}
	if err := step("open account menu", p.ClickText(ctx, AccountText)); err != nil {
		return err
	}
	return step("expect logout entry", p.ExpectText(ctx, LogoutText, browser.InTag("span")))
}

// LoginDeps wires GuiLogin to the session cache.
type LoginDeps struct {
	Sessions        *session.Manager
	KeyVersion      string
	CacheAcrossRuns bool
	Logger          *zap.Logger
}

// LoginOptions tune GuiLogin.
type LoginOptions struct {
	// CacheSession restores a snapshot when one validates instead of
	// logging in from scratch.
	CacheSession bool
}

// GuiLogin authenticates p, through the session cache when requested.
func GuiLogin(ctx context.Context, p SessionPage, deps LoginDeps, creds Credentials, opts LoginOptions) error {
	if !opts.CacheSession || deps.Sessions == nil {
		return Login(ctx, p, creds, deps.Logger)
	}

	key := session.NewKey(deps.KeyVersion, creds.Email)
	login := func(ctx context.Context) error { return Login(ctx, p, creds, deps.Logger) }
	validator := session.Validator{
		ID:    ValidatorID,
		Check: func(ctx context.Context) error { return Validate(ctx, p) },
	}
	_, err := deps.Sessions.GetOrCreate(ctx, p, key, login, validator, session.Options{CacheAcrossRuns: deps.CacheAcrossRuns})
	return err
}

// CashbackOptions configure the cashback report journey.
type CashbackOptions struct {
	TriggerText   string
	DownloadDir   string
	FilePattern   string
	ReportTimeout time.Duration
}

// Cashback generates the cashback report and returns the downloaded file.
func Cashback(ctx context.Context, p Page, opts CashbackOptions) (string, error) {
	if opts.TriggerText == "" {
		opts.TriggerText = DefaultTriggerText
	}
	if opts.FilePattern == "" {
		opts.FilePattern = DefaultFilePattern
	}

	if err := step("seed qa flag", p.SeedLocalStorage(ctx, map[string]string{"qa": "true"})); err != nil {
		return "", err
	}
	if err := step("allow downloads", p.AllowDownloads(ctx, opts.DownloadDir)); err != nil {
		return "", err
	}
	if err := step("visit cashback home", p.Navigate(ctx, CashbackPath)); err != nil {
		return "", err
	}
	if err := step("request report", p.ClickText(ctx, opts.TriggerText)); err != nil {
		return "", err
	}
	if err := step("expect processing notice", p.ExpectText(ctx, ReportProcessing, browser.InTag("span"))); err != nil {
		return "", err
	}
	ready := []browser.TextOption{browser.InTag("span")}
	if opts.ReportTimeout > 0 {
		ready = append(ready, browser.Within(opts.ReportTimeout))
	}
	if err := step("expect report ready", p.ExpectText(ctx, ReportReady, ready...)); err != nil {
		return "", err
	}
	path, err := p.WaitForDownload(ctx, opts.DownloadDir, opts.FilePattern, opts.ReportTimeout)
	if err != nil {
		return "", step("verify downloaded file", err)
	}
	return path, nil
}

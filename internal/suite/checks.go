// File: internal/suite/checks.go
package suite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xkilldash9x/shopcheck/internal/api"
	"github.com/xkilldash9x/shopcheck/internal/flows"
)

// DefaultZipcode is checked when no zipcode is configured or given.
const DefaultZipcode = "80730350"

type apiClient interface {
	Login(ctx context.Context, email, password string) (*api.LoginResult, error)
	QuotationBatch(ctx context.Context, zipcodes []string) ([]api.QuotationResult, error)
}

func (r *Runner) loginDeps() flows.LoginDeps {
	return flows.LoginDeps{
		Sessions:        r.sessions,
		KeyVersion:      r.cfg.Session.KeyVersion,
		CacheAcrossRuns: r.cfg.Session.CacheAcrossRuns,
		Logger:          r.logger,
	}
}

// CheckLogin logs in through the UI and confirms the account menu offers
// the logout entry.
func (r *Runner) CheckLogin(ctx context.Context, creds flows.Credentials, opts flows.LoginOptions) Result {
	return r.RunBrowserCheck(ctx, "should login", func(ctx context.Context, tab Tab) error {
		if err := flows.GuiLogin(ctx, tab, r.loginDeps(), creds, opts); err != nil {
			return err
		}
		return flows.LoginValidation(ctx, tab)
	})
}

// CheckSessionCache logs in in one tab and expects a second tab to be
// authenticated from the cached snapshot.
func (r *Runner) CheckSessionCache(ctx context.Context, creds flows.Credentials) Result {
	start := time.Now()
	cached := flows.LoginOptions{CacheSession: true}

	first := r.RunBrowserCheck(ctx, "should cache the session", func(ctx context.Context, tab Tab) error {
		return flows.GuiLogin(ctx, tab, r.loginDeps(), creds, cached)
	})
	if !first.Passed {
		first.Duration = time.Since(start)
		return first
	}
	second := r.RunBrowserCheck(ctx, "should reuse the cached session", func(ctx context.Context, tab Tab) error {
		if err := flows.GuiLogin(ctx, tab, r.loginDeps(), creds, cached); err != nil {
			return err
		}
		return flows.LoginValidation(ctx, tab)
	})
	second.Duration = time.Since(start)
	return second
}

// CheckCashback generates the cashback report as a logged-in user and
// expects the file to be downloaded.
func (r *Runner) CheckCashback(ctx context.Context, creds flows.Credentials) Result {
	var path string
	res := r.RunBrowserCheck(ctx, "should generate cashback report", func(ctx context.Context, tab Tab) error {
		if err := flows.GuiLogin(ctx, tab, r.loginDeps(), creds, flows.LoginOptions{CacheSession: true}); err != nil {
			return err
		}
		var err error
		path, err = flows.Cashback(ctx, tab, flows.CashbackOptions{
			TriggerText:   r.cfg.Flows.Cashback.TriggerText,
			DownloadDir:   r.cfg.Flows.Cashback.DownloadDir,
			FilePattern:   r.cfg.Flows.Cashback.FilePattern,
			ReportTimeout: r.cfg.Timeouts.Report,
		})
		return err
	})
	res.Detail = path
	return res
}

// CheckQuotation checks the address lookup for each zipcode. One result is
// returned per zipcode, in order.
func (r *Runner) CheckQuotation(ctx context.Context, zipcodes []string) []Result {
	if len(zipcodes) == 0 {
		zipcodes = r.cfg.API.Zipcodes
	}
	if len(zipcodes) == 0 {
		zipcodes = []string{DefaultZipcode}
	}

	start := time.Now()
	batch, err := r.api.QuotationBatch(ctx, zipcodes)
	if err != nil {
		res := Result{Name: "quotation", Err: err, Duration: time.Since(start)}
		r.logResult(res)
		return []Result{res}
	}

	elapsed := time.Since(start)
	out := make([]Result, len(batch))
	for i, q := range batch {
		res := Result{
			Name:     "quotation " + q.Zipcode,
			Passed:   q.Passed(),
			Duration: elapsed,
			Detail:   fmt.Sprintf("status=%d success=%t", q.Status, q.Success),
		}
		switch {
		case q.Err != nil:
			res.Err = q.Err
		case q.Status != http.StatusOK:
			res.Err = fmt.Errorf("quotation for %s returned status %d", q.Zipcode, q.Status)
		case !q.Success:
			res.Err = fmt.Errorf("quotation for %s returned success=false", q.Zipcode)
		}
		r.logResult(res)
		out[i] = res
	}
	return out
}

// CheckAPILogin logs in against the pricing BFF and expects a token.
func (r *Runner) CheckAPILogin(ctx context.Context, creds flows.Credentials) Result {
	start := time.Now()
	res := Result{Name: "api login"}

	login, err := r.api.Login(ctx, creds.Email, creds.Password)
	switch {
	case err != nil:
		res.Err = err
	case login.Status != http.StatusOK:
		res.Err = fmt.Errorf("bff login returned status %d", login.Status)
	case login.AccessToken == "":
		res.Err = errors.New("bff login returned no access token")
	default:
		res.Passed = true
		if login.ExpiresAt.IsZero() {
			res.Detail = "token has no expiry"
		} else {
			res.Detail = "token expires " + login.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	res.Duration = time.Since(start)
	r.logResult(res)
	return res
}

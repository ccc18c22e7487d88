// File: internal/suite/runner.go
package suite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/browser"
	"github.com/xkilldash9x/shopcheck/internal/browser/stealth"
	"github.com/xkilldash9x/shopcheck/internal/config"
	"github.com/xkilldash9x/shopcheck/internal/flows"
	"github.com/xkilldash9x/shopcheck/internal/interception"
	"github.com/xkilldash9x/shopcheck/internal/session"
)

const screenshotTimeout = 15 * time.Second

// Tab is an open browser tab a check drives.
type Tab interface {
	flows.SessionPage
	Screenshot(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// TabOpener opens a fresh tab ready for the first navigation.
type TabOpener func(ctx context.Context) (Tab, error)

// Result is the outcome of one check.
type Result struct {
	Name     string
	Passed   bool
	Err      error
	Duration time.Duration
	// Screenshot is the failure capture, empty when none was taken.
	Screenshot string
	// Detail is a short human-readable outcome, such as a file path.
	Detail string
}

// Runner executes checks for one suite.
type Runner struct {
	suite    string
	cfg      *config.Config
	open     TabOpener
	sessions *session.Manager
	api      apiClient
	logger   *zap.Logger
}

// NewRunner returns a runner whose failures are filed under suiteName.
func NewRunner(c *Components, suiteName string) *Runner {
	return &Runner{
		suite:    suiteName,
		cfg:      c.Config,
		open:     BrowserTabOpener(c.Browser, c.Rewriter, c.Config, c.logger),
		sessions: c.Sessions,
		api:      c.API,
		logger:   c.logger.Named("runner").With(zap.String("suite", suiteName)),
	}
}

// interceptedTab closes the tab and then drains the interceptor.
type interceptedTab struct {
	*browser.Session
	interceptor *interception.Interceptor
}

func (t interceptedTab) Close(ctx context.Context) error {
	err := t.Session.Close(ctx)
	t.interceptor.Wait()
	return err
}

// BrowserTabOpener opens tabs with request interception attached and the
// stealth persona applied.
func BrowserTabOpener(m *browser.Manager, rw *interception.Rewriter, cfg *config.Config, logger *zap.Logger) TabOpener {
	persona := stealth.PersonaFromConfig(cfg)
	return func(ctx context.Context) (Tab, error) {
		sess, err := m.NewSession(ctx)
		if err != nil {
			return nil, err
		}
		in, err := interception.Attach(sess.Context(), rw, logger)
		if err != nil {
			_ = sess.Close(ctx)
			return nil, err
		}
		tab := interceptedTab{Session: sess, interceptor: in}
		if err := sess.Run(ctx, stealth.Apply(persona, logger)); err != nil {
			_ = tab.Close(ctx)
			return nil, fmt.Errorf("apply stealth persona: %w", err)
		}
		return tab, nil
	}
}

// ScreenshotPath is where the failure capture of a check is written.
func (r *Runner) ScreenshotPath(name string) string {
	clean := strings.NewReplacer("/", "-", "\\", "-").Replace(name)
	return filepath.Join(r.cfg.Report.ScreenshotsDir, r.suite, clean+" (failed).png")
}

// RunBrowserCheck runs fn in a fresh tab. A failing check leaves a
// full-page screenshot behind.
func (r *Runner) RunBrowserCheck(ctx context.Context, name string, fn func(context.Context, Tab) error) Result {
	start := time.Now()
	log := r.logger.With(zap.String("check", name))
	res := Result{Name: name}

	tab, err := r.open(ctx)
	if err != nil {
		res.Err = fmt.Errorf("open browser tab: %w", err)
		res.Duration = time.Since(start)
		log.Error("Check could not start.", zap.Error(res.Err))
		return res
	}
	defer func() {
		if err := tab.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to close browser tab.", zap.Error(err))
		}
	}()

	res.Err = fn(ctx, tab)
	res.Passed = res.Err == nil
	if !res.Passed {
		path := r.ScreenshotPath(name)
		// The check context may be past its deadline.
		shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), screenshotTimeout)
		if err := tab.Screenshot(shotCtx, path); err != nil {
			log.Warn("Failed to capture failure screenshot.", zap.Error(err))
		} else {
			res.Screenshot = path
		}
		cancel()
	}
	res.Duration = time.Since(start)
	r.logResult(res)
	return res
}

func (r *Runner) logResult(res Result) {
	fields := []zap.Field{zap.String("check", res.Name), zap.Duration("duration", res.Duration)}
	if res.Detail != "" {
		fields = append(fields, zap.String("detail", res.Detail))
	}
	if res.Passed {
		r.logger.Info("Check passed.", fields...)
		return
	}
	if res.Screenshot != "" {
		fields = append(fields, zap.String("screenshot", res.Screenshot))
	}
	r.logger.Error("Check failed.", append(fields, zap.Error(res.Err))...)
}

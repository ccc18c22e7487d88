// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/config"
)

const (
	textPoll      = 100 * time.Millisecond
	matchAttr     = "data-shopcheck-match"
	downloadPoll  = 200 * time.Millisecond
	partialSuffix = ".crdownload"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Session is one browser tab.
type Session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	baseURL string

	commandTimeout time.Duration
	visitTimeout   time.Duration

	onClose func()

	mu       sync.Mutex
	isClosed bool
	matchSeq int
}

func newSession(id string, ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *zap.Logger) *Session {
	return &Session{
		id:             id,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.Named("session").With(zap.String("session_id", id)),
		baseURL:        cfg.Site.BaseURL,
		commandTimeout: cfg.Timeouts.Command,
		visitTimeout:   cfg.Timeouts.Visit,
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string { return s.id }

// Context returns the tab context. Interception and stealth are attached
// to it before the first navigation.
func (s *Session) Context() context.Context { return s.ctx }

// Run executes actions bound to both the tab and ctx.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// runStep is Run with a step timeout.
func (s *Session) runStep(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.Run(ctx, actions...)
}

// Resolve turns a site-relative path into an absolute URL.
func (s *Session) Resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", path, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", s.baseURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Navigate loads path (absolute or relative to the base URL) within the
// visit timeout.
func (s *Session) Navigate(ctx context.Context, path string) error {
	target, err := s.Resolve(path)
	if err != nil {
		return err
	}
	s.logger.Debug("Navigating.", zap.String("url", target))
	if err := s.runStep(ctx, s.visitTimeout, chromedp.Navigate(target)); err != nil {
		return fmt.Errorf("navigate to %s: %w", target, err)
	}
	return nil
}

// TextOption narrows a text lookup.
type TextOption func(*TextQuery)

// TextQuery is what a set of TextOptions selects. Zero values mean any tag
// and the session's command timeout.
type TextQuery struct {
	Tag     string
	Timeout time.Duration
}

// InTag restricts the match to elements with the given tag name.
func InTag(tag string) TextOption {
	return func(q *TextQuery) { q.Tag = tag }
}

// Within overrides the command timeout for one lookup.
func Within(d time.Duration) TextOption {
	return func(q *TextQuery) { q.Timeout = d }
}

// findTextScript reports whether a visible element contains the text and,
// if a mark is given, tags the deepest such element with it.
const findTextScript = `(function(text, tag, attr, mark) {
	const norm = s => (s || '').replace(/\s+/g, ' ').trim();
	const wanted = norm(text);
	const skip = ['SCRIPT', 'STYLE', 'HEAD', 'TITLE', 'NOSCRIPT'];
	const hits = Array.from(document.querySelectorAll(tag || '*'))
		.filter(el => !skip.includes(el.tagName) && norm(el.textContent).includes(wanted));
	const deepest = hits.filter(el => !hits.some(o => o !== el && el.contains(o)));
	const visible = el => {
		const r = el.getBoundingClientRect();
		const st = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none';
	};
	const el = deepest.find(visible);
	if (!el) return false;
	if (mark) el.setAttribute(attr, mark);
	return true;
})(%s, %s, %s, %s)`

func (s *Session) findText(ctx context.Context, text, mark string, opts []TextOption) error {
	q := TextQuery{Timeout: s.commandTimeout}
	for _, o := range opts {
		o(&q)
	}
	args, err := jsArgs(text, q.Tag, matchAttr, mark)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(findTextScript, args...)

	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}
	ticker := time.NewTicker(textPoll)
	defer ticker.Stop()
	for {
		var found bool
		err := s.Run(ctx, chromedp.Evaluate(script, &found))
		if err == nil && found {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			// Navigation in progress destroys the execution context; retry.
			s.logger.Debug("Text lookup evaluation failed.", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no visible element containing %q: %w", text, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ExpectText waits until a visible element contains text.
func (s *Session) ExpectText(ctx context.Context, text string, opts ...TextOption) error {
	return s.findText(ctx, text, "", opts)
}

// ClickText clicks the deepest visible element containing text.
func (s *Session) ClickText(ctx context.Context, text string, opts ...TextOption) error {
	s.mu.Lock()
	s.matchSeq++
	mark := fmt.Sprintf("m%d", s.matchSeq)
	s.mu.Unlock()

	if err := s.findText(ctx, text, mark, opts); err != nil {
		return err
	}
	sel := fmt.Sprintf(`[%s=%q]`, matchAttr, mark)
	if err := s.runStep(ctx, s.commandTimeout, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %q: %w", text, err)
	}
	return nil
}

// Click clicks the first element matching a CSS selector once visible.
func (s *Session) Click(ctx context.Context, selector string) error {
	if err := s.runStep(ctx, s.commandTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Type sends keystrokes to the first element matching selector.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	if err := s.runStep(ctx, s.commandTimeout, chromedp.SendKeys(selector, text, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

// Screenshot writes a full-page PNG to path.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.runStep(ctx, s.commandTimeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

// SeedLocalStorage sets localStorage entries before any page script runs
// on every later navigation.
func (s *Session) SeedLocalStorage(ctx context.Context, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode local storage seed: %w", err)
	}
	script := fmt.Sprintf(`(function(items) {
		try { for (const [k, v] of Object.entries(items)) { window.localStorage.setItem(k, v); } } catch (e) {}
	})(%s);`, encoded)

	return s.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
		if err != nil {
			return fmt.Errorf("could not inject local storage seed: %w", err)
		}
		return nil
	}))
}

// AllowDownloads saves downloads into dir under their suggested names.
func (s *Session) AllowDownloads(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve download dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	return s.Run(ctx, cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(abs).
		WithEventsEnabled(true))
}

// WaitForDownload waits for a completed file in dir whose name contains
// pattern and returns its path.
func (s *Session) WaitForDownload(ctx context.Context, dir, pattern string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return waitForFile(ctx, dir, pattern)
}

func waitForFile(ctx context.Context, dir, pattern string) (string, error) {
	ticker := time.NewTicker(downloadPoll)
	defer ticker.Stop()
	for {
		entries, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read download dir: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasSuffix(name, partialSuffix) {
				continue
			}
			if strings.Contains(strings.ToLower(name), strings.ToLower(pattern)) {
				return filepath.Join(dir, name), nil
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no downloaded file matching %q in %s: %w", pattern, dir, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close terminates the tab.
func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")
	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

func jsArgs(values ...string) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = string(b)
	}
	return out, nil
}

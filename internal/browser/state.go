package browser

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/session"
)

var _ session.Browser = (*Session)(nil)

func readStorageScript(storageType string) string {
	return fmt.Sprintf(`(function() {
		let items = {};
		try {
			const s = window.%s;
			if (s) {
				for (let i = 0; i < s.length; i++) {
					const k = s.key(i);
					if (k) { items[k] = s.getItem(k); }
				}
			}
		} catch (e) {}
		return items;
	})()`, storageType)
}

const writeStorageScript = `(function(local, sess) {
	try {
		for (const [k, v] of Object.entries(local || {})) { window.localStorage.setItem(k, v); }
		for (const [k, v] of Object.entries(sess || {})) { window.sessionStorage.setItem(k, v); }
	} catch (e) { return false; }
	return true;
})(%s, %s)`

const clearStorageScript = `(function() {
	try { window.localStorage.clear(); window.sessionStorage.clear(); } catch (e) {}
	return true;
})()`

// CaptureState reads every browser cookie plus the current origin's local
// and session storage.
func (s *Session) CaptureState(ctx context.Context) (session.State, error) {
	var (
		state   session.State
		cookies []*network.Cookie
	)
	err := s.runStep(ctx, s.commandTimeout,
		chromedp.ActionFunc(func(c context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(c)
			return err
		}),
		chromedp.Evaluate(`window.location.origin`, &state.Origin),
		chromedp.Evaluate(readStorageScript("localStorage"), &state.LocalStorage),
		chromedp.Evaluate(readStorageScript("sessionStorage"), &state.SessionStorage),
	)
	if err != nil {
		return session.State{}, fmt.Errorf("capture browser state: %w", err)
	}
	state.Cookies = cookiesFromCDP(cookies)
	s.logger.Debug("Captured browser state.", zap.String("origin", state.Origin), zap.Int("cookies", len(state.Cookies)))
	return state, nil
}

// RestoreState installs cookies, then opens the snapshot origin and writes
// its storage.
func (s *Session) RestoreState(ctx context.Context, state session.State) error {
	if len(state.Cookies) > 0 {
		params := cookiesToCDP(state.Cookies)
		if err := s.runStep(ctx, s.commandTimeout, network.SetCookies(params)); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
	}
	if !isHTTPOrigin(state.Origin) || (len(state.LocalStorage) == 0 && len(state.SessionStorage) == 0) {
		return nil
	}

	if err := s.runStep(ctx, s.visitTimeout, chromedp.Navigate(state.Origin)); err != nil {
		return fmt.Errorf("open %s to restore storage: %w", state.Origin, err)
	}
	local, err := json.Marshal(orEmpty(state.LocalStorage))
	if err != nil {
		return err
	}
	sess, err := json.Marshal(orEmpty(state.SessionStorage))
	if err != nil {
		return err
	}
	var ok bool
	if err := s.runStep(ctx, s.commandTimeout, chromedp.Evaluate(fmt.Sprintf(writeStorageScript, local, sess), &ok)); err != nil {
		return fmt.Errorf("restore storage: %w", err)
	}
	if !ok {
		return fmt.Errorf("restore storage: storage is not writable on %s", state.Origin)
	}
	return nil
}

// ClearState removes cookies and the current origin's storage.
func (s *Session) ClearState(ctx context.Context) error {
	var origin string
	err := s.runStep(ctx, s.commandTimeout,
		network.ClearBrowserCookies(),
		chromedp.Evaluate(`window.location.origin`, &origin),
	)
	if err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	if !isHTTPOrigin(origin) {
		return nil
	}
	var ignored bool
	err = s.runStep(ctx, s.commandTimeout,
		storage.ClearDataForOrigin(origin, "all"),
		chromedp.Evaluate(clearStorageScript, &ignored),
	)
	if err != nil {
		return fmt.Errorf("clear storage for %s: %w", origin, err)
	}
	return nil
}

func isHTTPOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func cookiesFromCDP(in []*network.Cookie) []session.Cookie {
	out := make([]session.Cookie, 0, len(in))
	for _, c := range in {
		sc := session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		}
		if !c.Session && c.Expires > 0 {
			sc.Expires = c.Expires
		}
		out = append(out, sc)
	}
	return out
}

func cookiesToCDP(in []session.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(in))
	for _, c := range in {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			t := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			p.Expires = &t
		}
		out = append(out, p)
	}
	return out
}

package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Languages []string
	Timezone  string
}

// PersonaFromConfig builds the persona a check runs with. The user agent is
// the one the rewriter writes into request headers so navigator and wire
// agree.
func PersonaFromConfig(cfg *config.Config) Persona {
	return Persona{
		UserAgent: cfg.Interception.UserAgent,
		Languages: cfg.Browser.Languages,
		Timezone:  cfg.Browser.Timezone,
	}
}

// AcceptLanguage renders Languages as an Accept-Language header value.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Apply returns the CDP actions that make the tab present the persona.
// Empty persona fields leave the browser default in place.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.Strings("languages", p.Languages),
	)

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}

	acceptLanguage := p.AcceptLanguage()
	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent)
		if acceptLanguage != "" {
			ua = ua.WithAcceptLanguage(acceptLanguage)
		}
		tasks = append(tasks, ua)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks,
			emulation.SetLocaleOverride().WithLocale(p.Languages[0]),
			network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": acceptLanguage}),
		)
	}
	return tasks
}

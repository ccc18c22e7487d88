// File: internal/interception/fetch.go
package interception

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const continueTimeout = 10 * time.Second

// enableTimeout bounds registering the Fetch interception on a target.
var enableTimeout = continueTimeout

// Interceptor binds a Rewriter to one chromedp target through the CDP Fetch
// domain. Every paused request is rewritten and then continued.
type Interceptor struct {
	rewriter *Rewriter
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// Attach enables request interception on the target held by ctx. It must be
// called before the first navigation. Wait blocks until in-flight continues finish.
func Attach(ctx context.Context, rewriter *Rewriter, logger *zap.Logger) (*Interceptor, error) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return nil, fmt.Errorf("interception: context has no chromedp target")
	}

	in := &Interceptor{rewriter: rewriter, logger: logger.Named("fetch")}
	executorCtx := cdp.WithExecutor(ctx, c.Target)

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if e, ok := ev.(*fetch.EventRequestPaused); ok {
			// Listeners must not block; the continue call runs on its own goroutine.
			in.wg.Add(1)
			go func() {
				defer in.wg.Done()
				in.handlePaused(executorCtx, e)
			}()
		}
	})

	patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
	enableCtx, cancel := context.WithTimeout(ctx, enableTimeout)
	defer cancel()
	if err := chromedp.Run(enableCtx, fetch.Enable().WithPatterns(patterns)); err != nil {
		return nil, fmt.Errorf("interception: enable fetch domain: %w", err)
	}
	return in, nil
}

// Wait blocks until every paused request seen so far has been continued.
func (in *Interceptor) Wait() { in.wg.Wait() }

func (in *Interceptor) handlePaused(ctx context.Context, e *fetch.EventRequestPaused) {
	req := &Request{
		Method: e.Request.Method,
		URL:    e.Request.URL + e.Request.URLFragment,
		Header: headersFromCDP(e.Request.Headers),
		Body:   in.postData(e),
	}
	original := string(req.Body)
	res := in.rewriter.Rewrite(req)

	cont := fetch.ContinueRequest(e.RequestID)
	if res.UserAgentSet || res.BodyRewritten {
		cont = cont.WithHeaders(headersToCDP(req.Header))
	}
	if res.BodyRewritten && string(req.Body) != original {
		cont = cont.WithPostData(base64.StdEncoding.EncodeToString(req.Body))
	}

	cctx, cancel := context.WithTimeout(ctx, continueTimeout)
	defer cancel()
	if err := cont.Do(cctx); err != nil {
		// The target may already be gone when a check finishes mid-request.
		if ctx.Err() == nil {
			in.logger.Warn("Failed to continue paused request.", zap.String("url", req.URL), zap.Error(err))
		}
	}
}

func (in *Interceptor) postData(e *fetch.EventRequestPaused) []byte {
	if !e.Request.HasPostData || len(e.Request.PostDataEntries) == 0 {
		return nil
	}
	var body []byte
	for _, entry := range e.Request.PostDataEntries {
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			in.logger.Debug("Post data entry is not base64; using raw bytes.", zap.String("request_id", string(e.RequestID)))
			body = append(body, entry.Bytes...)
			continue
		}
		body = append(body, decoded...)
	}
	return body
}

func headersFromCDP(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		// CDP joins repeated headers with newlines.
		for _, part := range strings.Split(fmt.Sprint(v), "\n") {
			out.Add(k, part)
		}
	}
	return out
}

func headersToCDP(h http.Header) []*fetch.HeaderEntry {
	entries := make([]*fetch.HeaderEntry, 0, len(h))
	for k, values := range h {
		for _, v := range values {
			entries = append(entries, &fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return entries
}

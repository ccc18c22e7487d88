// Package api implements the storefront API checks.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/shopcheck/internal/config"
	"github.com/xkilldash9x/shopcheck/internal/network"
	"github.com/xkilldash9x/shopcheck/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

// Client calls the storefront and pricing BFF APIs. Non-2xx statuses are
// returned to the caller, never turned into errors.
type Client struct {
	http        *http.Client
	baseURL     string
	pricingURL  string
	userAgent   string
	limiter     *rate.Limiter
	concurrency int
	logger      *zap.Logger
}

// NewClient builds a client from config.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	cc := network.NewDefaultClientConfig()
	cc.RequestTimeout = cfg.API.RequestTimeout
	cc.IgnoreTLSErrors = cfg.API.IgnoreTLSErrors
	cc.Logger = logger

	limit := rate.Inf
	if cfg.API.RateLimit > 0 {
		limit = rate.Limit(cfg.API.RateLimit)
	}
	concurrency := cfg.API.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Client{
		http:        network.NewClient(cc),
		baseURL:     strings.TrimRight(cfg.Site.BaseURL, "/"),
		pricingURL:  strings.TrimRight(cfg.Site.PricingBFFURL, "/"),
		userAgent:   cfg.Interception.UserAgent,
		limiter:     rate.NewLimiter(limit, 1),
		concurrency: concurrency,
		logger:      logger.Named("api"),
	}
}

// Response is the status and decoded body of one call.
type Response struct {
	Status int
	Body   map[string]any
	Raw    []byte
}

func (c *Client) do(ctx context.Context, method, target string, payload any) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debug("API call finished.",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	out := &Response{Status: resp.StatusCode, Raw: raw}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil {
			// Error pages are often HTML; the status still tells the story.
			c.logger.Debug("Response body is not a JSON object.", zap.Int("status", resp.StatusCode), zap.Error(err))
		}
	}
	return out, nil
}

// LoginResult is the outcome of a pricing BFF login.
type LoginResult struct {
	Status      int
	AccessToken string
	// ExpiresAt is the token's exp claim, zero when absent or unparsable.
	ExpiresAt time.Time
}

// Login posts credentials to the pricing BFF.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if c.pricingURL == "" {
		return nil, errors.New("pricing BFF url is not configured")
	}
	resp, err := c.do(ctx, http.MethodPost, c.pricingURL+"/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	res := &LoginResult{Status: resp.Status}
	if tok, ok := resp.Body["access_token"].(string); ok {
		res.AccessToken = tok
		res.ExpiresAt = tokenExpiry(tok)
	}
	c.logger.Info("BFF login finished.",
		zap.String("user", email),
		zap.Int("status", res.Status),
		observability.Secret("access_token", res.AccessToken),
	)
	return res, nil
}

// tokenExpiry reads exp without verifying the signature; the BFF is the
// only party that can verify it.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// QuotationResult is the outcome of one shipping address lookup.
type QuotationResult struct {
	Zipcode string
	Status  int
	Success bool
	Err     error
}

// Passed reports the quotation check verdict: 200 and success true.
func (q QuotationResult) Passed() bool {
	return q.Err == nil && q.Status == http.StatusOK && q.Success
}

// Quotation looks up the address for a zipcode.
func (c *Client) Quotation(ctx context.Context, zipcode string) (*QuotationResult, error) {
	target := c.baseURL + "/api/iguanafix/getAddress/" + url.PathEscape(zipcode)
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	success, _ := resp.Body["success"].(bool)
	return &QuotationResult{Zipcode: zipcode, Status: resp.Status, Success: success}, nil
}

// QuotationBatch runs Quotation for every zipcode, paced by the rate limit
// and bounded by the configured concurrency. Results keep input order;
// per-zipcode transport failures land in Result.Err.
func (c *Client) QuotationBatch(ctx context.Context, zipcodes []string) ([]QuotationResult, error) {
	results := make([]QuotationResult, len(zipcodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, zip := range zipcodes {
		g.Go(func() error {
			res, err := c.Quotation(gctx, zip)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				results[i] = QuotationResult{Zipcode: zip, Err: err}
				return nil
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

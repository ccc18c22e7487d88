// File: internal/interception/proxy.go
package interception

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/elazarl/goproxy"
	"github.com/xkilldash9x/shopcheck/internal/config"
	"github.com/xkilldash9x/shopcheck/internal/network"
	"go.uber.org/zap"
)

// maxProxyBody caps how much of a request body the proxy buffers for rewriting.
const maxProxyBody = 1 << 20

// NewProxy builds an HTTP(S) proxy that applies rw to every request. It serves
// browsers that are not driven by shopcheck. HTTPS bodies are only visible
// when a CA pair is configured.
func NewProxy(rw *Rewriter, cfg config.InterceptionConfig, logger *zap.Logger) (*network.InterceptionProxy, error) {
	var caCert, caKey []byte
	if cfg.ProxyCACert != "" || cfg.ProxyCAKey != "" {
		var err error
		if caCert, err = os.ReadFile(cfg.ProxyCACert); err != nil {
			return nil, fmt.Errorf("read proxy CA certificate: %w", err)
		}
		if caKey, err = os.ReadFile(cfg.ProxyCAKey); err != nil {
			return nil, fmt.Errorf("read proxy CA key: %w", err)
		}
	}

	p, err := network.NewInterceptionProxy(caCert, caKey, nil, logger)
	if err != nil {
		return nil, err
	}
	p.AddRequestHook(ProxyHook(rw, logger))
	return p, nil
}

// ProxyHook adapts the rewriter to the proxy's request hook chain.
func ProxyHook(rw *Rewriter, logger *zap.Logger) network.RequestHandler {
	log := logger.Named("proxy_hook")
	return func(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		req := &Request{Method: r.Method, URL: r.URL.String(), Header: r.Header}

		if _, matched := rw.Rule(r.Method, req.URL); matched && r.Body != nil && r.Body != http.NoBody {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody+1))
			if err != nil {
				_ = r.Body.Close()
				log.Warn("Failed to read request body.", zap.String("url", req.URL), zap.Error(err))
				return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadGateway, "failed to read request body")
			}
			if len(body) > maxProxyBody {
				log.Warn("Request body too large to rewrite; forwarding it untouched.", zap.String("url", req.URL))
				r.Body = readCloser{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
				return r, nil
			}
			_ = r.Body.Close()
			req.Body = body
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		if res := rw.Rewrite(req); res.BodyRewritten {
			r.Body = io.NopCloser(bytes.NewReader(req.Body))
			r.ContentLength = int64(len(req.Body))
		}
		r.Header = req.Header
		return r, nil
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// internal/network/proxy.go
package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
)

// RequestHandler inspects or modifies a request passing through the proxy.
// Returning a non-nil response short-circuits the upstream call.
type RequestHandler func(*http.Request, *goproxy.ProxyCtx) (*http.Request, *http.Response)

// InterceptionProxy is a goproxy HTTP(S) proxy that runs every request
// through a chain of hooks before forwarding it.
type InterceptionProxy struct {
	proxy        *goproxy.ProxyHttpServer
	server       *http.Server
	listener     net.Listener
	serverMutex  sync.Mutex
	requestHooks []RequestHandler
	hooksMutex   sync.RWMutex
	mitm         func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error)
	logger       *zap.Logger
}

// NewInterceptionProxy creates a proxy. caCert and caKey are PEM blocks; when
// both are set HTTPS traffic is decrypted, otherwise CONNECT is tunneled and
// only plain HTTP requests reach the hooks.
func NewInterceptionProxy(caCert, caKey []byte, clientConfig *ClientConfig, logger *zap.Logger) (*InterceptionProxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("proxy")

	var cfgCopy ClientConfig
	if clientConfig == nil {
		cfgCopy = *NewDefaultClientConfig()
		cfgCopy.IgnoreTLSErrors = true
	} else {
		cfgCopy = *clientConfig
	}
	// The browser on the other side negotiates its own encoding.
	cfgCopy.Compression = false
	cfgCopy.Logger = log

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = NewHTTPTransport(&cfgCopy)

	ip := &InterceptionProxy{proxy: proxy, logger: log}

	if len(caCert) > 0 && len(caKey) > 0 {
		tlsCfg, err := mitmConfig(caCert, caKey)
		if err != nil {
			return nil, fmt.Errorf("failed to configure MITM: %w", err)
		}
		ip.mitm = tlsCfg
		log.Info("MITM enabled for HTTPS traffic.")
	} else {
		log.Warn("CA certificate or key missing, MITM disabled. HTTPS requests are tunneled unmodified.")
	}

	ip.setupHandlers()
	return ip, nil
}

// AddRequestHook registers a request handler. Hooks run in registration order.
func (ip *InterceptionProxy) AddRequestHook(handler RequestHandler) {
	ip.hooksMutex.Lock()
	defer ip.hooksMutex.Unlock()
	ip.requestHooks = append(ip.requestHooks, handler)
}

// MITMEnabled reports whether HTTPS traffic is decrypted.
func (ip *InterceptionProxy) MITMEnabled() bool { return ip.mitm != nil }

func (ip *InterceptionProxy) setupHandlers() {
	mitm := ip.mitm
	ip.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if mitm != nil {
			return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: mitm}, host
		}
		return goproxy.OkConnect, host
	}))
	ip.proxy.OnRequest().DoFunc(ip.handleRequest)
}

func (ip *InterceptionProxy) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	ip.hooksMutex.RLock()
	hooks := ip.requestHooks
	ip.hooksMutex.RUnlock()

	current := r
	for _, hook := range hooks {
		next, resp := hook(current, ctx)
		if resp != nil {
			return next, resp
		}
		if next == nil {
			ip.logger.Error("A request hook returned a nil request.", zap.String("url", r.URL.String()))
			return current, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusInternalServerError, "proxy hook failed")
		}
		current = next
	}
	return current, nil
}

// Listen binds the proxy to addr. Addr reports the bound address afterwards,
// which is useful with port 0.
func (ip *InterceptionProxy) Listen(addr string) error {
	ip.serverMutex.Lock()
	defer ip.serverMutex.Unlock()
	if ip.listener != nil {
		return errors.New("proxy already listening")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	ip.listener = ln
	return nil
}

// Addr returns the bound listener address, or an empty string.
func (ip *InterceptionProxy) Addr() string {
	ip.serverMutex.Lock()
	defer ip.serverMutex.Unlock()
	if ip.listener == nil {
		return ""
	}
	return ip.listener.Addr().String()
}

// Serve runs the proxy on the bound listener until ctx is cancelled.
func (ip *InterceptionProxy) Serve(ctx context.Context) error {
	ip.serverMutex.Lock()
	if ip.listener == nil {
		ip.serverMutex.Unlock()
		return errors.New("proxy is not listening")
	}
	if ip.server != nil {
		ip.serverMutex.Unlock()
		return errors.New("proxy server already started")
	}
	server := &http.Server{
		Handler:      ip.proxy,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     zap.NewStdLog(ip.logger.Named("http_server")),
	}
	ip.server = server
	ln := ip.listener
	ip.serverMutex.Unlock()

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	ip.logger.Info("Starting interception proxy", zap.String("address", ln.Addr().String()))
	err := server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = <-shutdownErr
	}

	ip.serverMutex.Lock()
	ip.server, ip.listener = nil, nil
	ip.serverMutex.Unlock()

	if err != nil {
		return fmt.Errorf("proxy server failed: %w", err)
	}
	ip.logger.Info("Interception proxy stopped.")
	return nil
}

func mitmConfig(caCert, caKey []byte) (func(string, *goproxy.ProxyCtx) (*tls.Config, error), error) {
	ca, err := tls.X509KeyPair(caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("invalid CA certificate/key pair: %w", err)
	}
	if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate leaf: %w", err)
	}
	return goproxy.TLSConfigFromCA(&ca), nil
}

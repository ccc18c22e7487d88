package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestCA returns a throwaway PEM encoded CA pair.
func newTestCA(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "shopcheck test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

// serve starts p on a random port and returns its URL.
func serve(t *testing.T, p *InterceptionProxy) *url.URL {
	t.Helper()
	require.NoError(t, p.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	u, err := url.Parse("http://" + p.Addr())
	require.NoError(t, err)
	return u
}

func proxiedClient(proxyURL *url.URL, tlsCfg *tls.Config) *http.Client {
	return &http.Client{Transport: &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		TLSClientConfig:   tlsCfg,
		DisableKeepAlives: true,
	}}
}

func echoHeader(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get(name))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInterceptionProxy_HooksRunInOrder(t *testing.T) {
	upstream := echoHeader(t, "X-Trail")
	p, err := NewInterceptionProxy(nil, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.MITMEnabled())

	for _, step := range []string{"a", "b"} {
		p.AddRequestHook(func(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			r.Header.Set("X-Trail", r.Header.Get("X-Trail")+step)
			return r, nil
		})
	}

	resp, err := proxiedClient(serve(t, p), nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ab", string(body))
}

func TestInterceptionProxy_HookCanShortCircuit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("upstream must not be reached")
	}))
	defer upstream.Close()

	p, err := NewInterceptionProxy(nil, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	p.AddRequestHook(func(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusTeapot, "blocked")
	})

	resp, err := proxiedClient(serve(t, p), nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestInterceptionProxy_NilRequestFromHook(t *testing.T) {
	upstream := echoHeader(t, "X-Any")
	p, err := NewInterceptionProxy(nil, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	p.AddRequestHook(func(*http.Request, *goproxy.ProxyCtx) (*http.Request, *http.Response) { return nil, nil })

	resp, err := proxiedClient(serve(t, p), nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestInterceptionProxy_MITM(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("X-Seen"))
	}))
	defer upstream.Close()

	caCert, caKey := newTestCA(t)
	p, err := NewInterceptionProxy(caCert, caKey, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, p.MITMEnabled())
	p.AddRequestHook(func(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		r.Header.Set("X-Seen", "decrypted")
		return r, nil
	})

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caCert))
	resp, err := proxiedClient(serve(t, p), &tls.Config{RootCAs: pool}).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "decrypted", string(body))
}

func TestNewInterceptionProxy_InvalidCA(t *testing.T) {
	_, err := NewInterceptionProxy([]byte("not a cert"), []byte("not a key"), nil, nil)
	assert.ErrorContains(t, err, "failed to configure MITM")
}

func TestInterceptionProxy_ListenAndServeErrors(t *testing.T) {
	p, err := NewInterceptionProxy(nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, p.Addr())
	assert.ErrorContains(t, p.Serve(context.Background()), "not listening")

	require.NoError(t, p.Listen("127.0.0.1:0"))
	assert.ErrorContains(t, p.Listen("127.0.0.1:0"), "already listening")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Serve(ctx))
}

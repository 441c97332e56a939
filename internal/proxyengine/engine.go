// Package proxyengine is the proxy connection engine: it accepts client
// connections, distinguishes CONNECT (tunnel or TLS-intercept) from plain
// forwarded HTTP, and runs every intercepted request and response through a
// handler.Handler before talking to the origin.
package proxyengine

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ashgrove-dev/mitmproxy/internal/ca"
	"github.com/ashgrove-dev/mitmproxy/internal/certcache"
	"github.com/ashgrove-dev/mitmproxy/internal/handler"
	"github.com/ashgrove-dev/mitmproxy/internal/logger"
	"github.com/ashgrove-dev/mitmproxy/internal/proxyerr"
	"github.com/ashgrove-dev/mitmproxy/internal/upstream"
)

const dialTimeout = 20 * time.Second

// Engine is one configured proxy connection engine. Build one with
// NewBuilder; a built Engine is reused across every connection Start
// accepts.
type Engine struct {
	rootCA    *ca.CA // nil => every CONNECT is blind-tunneled
	certCache *certcache.Cache
	handler   handler.Handler
	client    *http.Client
	log       *logger.Logger

	// shutdown is closed to terminate the accept loop and every in-flight
	// tunnel's connection-level select race. Closing a channel is Go's
	// native broadcast: every receiver (the accept loop and every tunnel
	// goroutine) observes it in the same instant, with no extra fan-out
	// bookkeeping needed.
	shutdown <-chan struct{}
}

// Builder configures an Engine. Every With* method returns the builder for
// chaining; call Build to finish.
type Builder struct {
	rootCA    *ca.CA
	certCache *certcache.Cache
	handler   handler.Handler
	client    *http.Client
	log       *logger.Logger
	shutdown  <-chan struct{}
}

// NewBuilder starts a new Engine configuration.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithRootCA sets the root CA used to intercept CONNECT traffic. If never
// called (or called with nil), all CONNECT traffic is blind-tunneled.
func (b *Builder) WithRootCA(c *ca.CA) *Builder {
	b.rootCA = c
	return b
}

// WithCertCache sets the bounded leaf-certificate cache sitting in front of
// the root CA's signer. If never called, every intercepted host is signed
// fresh on every connection.
func (b *Builder) WithCertCache(c *certcache.Cache) *Builder {
	b.certCache = c
	return b
}

// WithHandler sets the interception pipeline callback. Defaults to
// handler.Identity.
func (b *Builder) WithHandler(h handler.Handler) *Builder {
	b.handler = h
	return b
}

// WithClient overrides the HTTP client used to reach origins. Defaults to
// upstream.New().
func (b *Builder) WithClient(c *http.Client) *Builder {
	b.client = c
	return b
}

// WithLogger sets the logger. Defaults to a LevelInfo logger named PROXY.
func (b *Builder) WithLogger(l *logger.Logger) *Builder {
	b.log = l
	return b
}

// WithShutdown sets the broadcast channel whose closing terminates Start and
// every in-flight tunnel's shutdown race. If never called, Build creates a
// private channel that nothing closes, so Start then returns only when its
// listener fails or is closed.
func (b *Builder) WithShutdown(ch <-chan struct{}) *Builder {
	b.shutdown = ch
	return b
}

// Build finalizes the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.certCache != nil && b.rootCA == nil {
		return nil, proxyerr.New(proxyerr.ConfigError, "build engine", errors.New("cert cache configured without a root CA"))
	}

	e := &Engine{
		rootCA:    b.rootCA,
		certCache: b.certCache,
		handler:   b.handler,
		client:    b.client,
		log:       b.log,
		shutdown:  b.shutdown,
	}
	if e.handler == nil {
		e.handler = handler.Identity{}
	}
	if e.client == nil {
		e.client = upstream.New()
	}
	if e.log == nil {
		e.log = logger.New("PROXY", "info")
	}
	if e.shutdown == nil {
		e.shutdown = make(chan struct{})
	}
	return e, nil
}

// Start serves connections accepted from ln until the engine's shutdown
// channel closes, then returns. It never returns the sentinel
// http.ErrServerClosed; closing the listener as part of normal shutdown is
// not reported as an error.
func (e *Engine) Start(ln net.Listener) error {
	srv := &http.Server{
		Handler:           http.HandlerFunc(e.serveOuter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-e.shutdown:
		e.log.Info("shutdown", "shutdown requested, closing listener")
		_ = srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return proxyerr.New(proxyerr.BindError, "serve", err)
	}
}

// serveOuter is the entry point for every request read off the plaintext
// listener: CONNECT requests go through the tunnel/intercept path, anything
// else is forwarded as plain HTTP.
func (e *Engine) serveOuter(w http.ResponseWriter, r *http.Request) {
	e.log.Debugf("request", "%s %s %s", r.RemoteAddr, r.Method, r.URL)

	if r.Method == http.MethodConnect {
		e.handleConnect(w, r)
		return
	}
	e.forwardPlainHTTP(w, r)
}

// tlsConfigForHost builds a *tls.Config that presents a dynamically issued
// certificate for host, via the cert cache when configured or signed fresh
// otherwise.
func (e *Engine) tlsConfigForHost(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			if e.certCache != nil {
				return e.certCache.GetOrInsertWith(host)
			}
			return e.rootCA.Sign(host)
		},
		NextProtos: []string{"h2", "http/1.1"},
	}
}

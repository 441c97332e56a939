// Package upstream provides the shared HTTP client pool the proxy uses to
// reach origin servers, for both intercepted (decrypted) and plain-HTTP
// forwarded requests. One pool is built per proxy instance and reused
// across every connection, so origin connections are pooled by authority
// instead of opened fresh per request.
package upstream

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"

	// Side-effect import: its init() registers a vendored, auto-updated root
	// bundle via x509.SetFallbackRoots, consulted by x509.SystemCertPool
	// only when the platform has no native root source (minimal container
	// images, some cross-compiled targets) — the same role "webpki roots"
	// plays in the original implementation's Rust TLS stack.
	_ "golang.org/x/crypto/x509roots/fallback"
)

// rootPool returns the system certificate pool (which falls back to the
// vendored bundle registered above when the platform has none of its own).
func rootPool() *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		return x509.NewCertPool()
	}
	return pool
}

// New builds an *http.Client configured for ALPN-negotiated HTTP/1.1 and
// HTTP/2 to the origin, with webpki-equivalent root validation and
// connection pooling keyed by authority. The returned client is safe for
// concurrent use from every connection task the proxy serves.
func New() *http.Client {
	transport := &http.Transport{
		Proxy: nil, // the proxy dials origins directly; it does not chain through another proxy
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    rootPool(),
		},
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		// The proxy forwards redirects to the client verbatim rather than
		// following them itself.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

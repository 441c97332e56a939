package proxyengine

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/ashgrove-dev/mitmproxy/internal/proxyerr"
)

// handleConnect dispatches a CONNECT request to a blind tunnel (no root CA
// configured) or to TLS interception (root CA configured). addr (the full
// authority, e.g. "example.test:443") is used for dialing; certHost (the
// bare host, e.g. "example.test") is used for the minted leaf's CN/SAN and
// cert-cache key, since SNI/VerifyHostname never include a port.
func (e *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	addr := r.Host
	if addr == "" {
		e.log.Warn("connect", "CONNECT request has no host")
		http.Error(w, "CONNECT request has no host", http.StatusBadRequest)
		return
	}
	certHost, _, err := net.SplitHostPort(addr)
	if err != nil {
		certHost = addr
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	if e.rootCA == nil {
		e.tunnelBlind(w, hijacker, addr)
		return
	}
	e.tunnelIntercept(hijacker, certHost, addr)
}

// tunnelBlind dials the origin, hijacks the client connection, and relays
// bytes in both directions without inspecting them.
func (e *Engine) tunnelBlind(w http.ResponseWriter, hijacker http.Hijacker, host string) {
	destConn, err := net.DialTimeout("tcp", host, dialTimeout)
	if err != nil {
		e.log.Warnf("tunnel_connect", "dial %s: %v", host, err)
		http.Error(w, "cannot connect to "+host, http.StatusBadGateway)
		return
	}
	defer destConn.Close() //nolint:errcheck // best-effort close

	w.WriteHeader(http.StatusOK)

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		e.log.Warnf("tunnel_hijack", "hijack %s: %v", host, err)
		return
	}
	defer clientConn.Close() //nolint:errcheck // best-effort close

	e.pumpBidirectional(clientConn, destConn)
}

// pumpBidirectional copies bytes both ways between a and b until one side
// closes or the engine's shutdown channel fires, satisfying the
// connection-level shutdown race: an in-flight tunnel with a slow origin
// must not block Start from returning once shutdown is signaled.
func (e *Engine) pumpBidirectional(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(b, a); done <- struct{}{} }() //nolint:errcheck // best-effort; EOF/close is the normal termination
	go func() { io.Copy(a, b); done <- struct{}{} }() //nolint:errcheck

	select {
	case <-done:
	case <-e.shutdown:
		e.log.Debug("tunnel", "shutdown fired mid-tunnel, closing both ends")
	}
	_ = a.Close()
	_ = b.Close()
}

// tunnelIntercept hijacks the client connection, performs a TLS handshake
// presenting a freshly minted leaf certificate for certHost, and serves
// decrypted HTTP/1.1 or HTTP/2 requests through the interception pipeline.
// addr (with port) is used to rewrite origin-form request URLs so the
// pipeline's round trip reaches the right port.
func (e *Engine) tunnelIntercept(hijacker http.Hijacker, certHost, addr string) {
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		e.log.Warnf("intercept_hijack", "hijack %s: %v", addr, err)
		return
	}
	defer clientConn.Close() //nolint:errcheck // best-effort close

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		e.log.Warnf("intercept_respond", "write 200 to client for %s: %v", addr, err)
		return
	}

	tlsConn := tls.Server(clientConn, e.tlsConfigForHost(certHost))
	if err := tlsConn.Handshake(); err != nil {
		e.log.Warnf("intercept_handshake", "TLS handshake with client for %s: %v", addr, proxyerr.New(proxyerr.TlsHandshakeError, "client handshake", err))
		return
	}
	defer tlsConn.Close() //nolint:errcheck // best-effort close

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.serveDecrypted(tlsConn, addr)
	}()

	select {
	case <-done:
	case <-e.shutdown:
		e.log.Debug("intercept", "shutdown fired mid-interception, closing TLS connection")
		_ = tlsConn.Close()
		<-done
	}
}

// serveDecrypted serves HTTP/1.1 or HTTP/2 (per the negotiated ALPN
// protocol) on the decrypted client stream, dispatching each request
// through the interception pipeline before forwarding to the origin. addr
// (host:port) fills in the scheme/host of origin-form request URLs.
func (e *Engine) serveDecrypted(tlsConn *tls.Conn, addr string) {
	innerHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serveIntercepted(w, r, addr)
	})

	switch tlsConn.ConnectionState().NegotiatedProtocol {
	case "h2":
		h2srv := &http2.Server{
			MaxConcurrentStreams: 250,
			MaxReadFrameSize:     1 << 20,
			IdleTimeout:          90 * time.Second,
		}
		h2srv.ServeConn(tlsConn, &http2.ServeConnOpts{Handler: innerHandler})
	default:
		closed := make(chan struct{})
		srv := &http.Server{
			Handler:           innerHandler,
			ReadHeaderTimeout: 10 * time.Second,
			// StateClosed and StateHijacked are terminal and mutually
			// exclusive, so closed is closed exactly once.
			ConnState: func(_ net.Conn, st http.ConnState) {
				if st == http.StateClosed || st == http.StateHijacked {
					close(closed)
				}
			},
		}
		ln := &singleConnListener{conn: tlsConn, closed: closed}
		_ = srv.Serve(ln) // returns net.ErrClosed once the single connection is done
	}
}

// singleConnListener wraps a single net.Conn as a net.Listener so the
// standard library's http.Server can drive HTTP/1.1 framing over an
// already-established (and already TLS-terminated) connection.
type singleConnListener struct {
	conn   net.Conn
	closed <-chan struct{} // closed when the server is done with conn
	done   bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.done {
		<-l.closed // block until the single connection is finished, then end Serve
		return nil, net.ErrClosed
	}
	l.done = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error   { return l.conn.Close() }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

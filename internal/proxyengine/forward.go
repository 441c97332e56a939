package proxyengine

import (
	"io"
	"net/http"
	"strings"
)

// forwardPlainHTTP handles a request that arrived as a regular (non-CONNECT)
// proxy request: an absolute-URI request line naming the origin directly.
func (e *Engine) forwardPlainHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "proxy: request URI must be absolute", http.StatusBadRequest)
		return
	}

	req := r.Clone(r.Context())
	req.RequestURI = ""

	resp := e.runPipeline(req)
	writeResponse(w, resp)
}

// serveIntercepted handles one request read off a TLS-intercepted
// connection. Requests arrive in origin form (no scheme or host in the
// request line), so the URL is rewritten to an absolute https URL naming
// addr (the original CONNECT authority, host:port) before the shared
// pipeline runs.
func (e *Engine) serveIntercepted(w http.ResponseWriter, r *http.Request, addr string) {
	if r.URL.Scheme == "" || r.URL.Host == "" {
		r.URL.Scheme = "https"
		r.URL.Host = addr
	}
	req := r.Clone(r.Context())
	req.RequestURI = ""

	resp := e.runPipeline(req)
	writeResponse(w, resp)
}

// writeResponse copies resp's status, headers and body back to the client,
// always closing resp.Body.
func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// newStringReadCloser wraps a string body for a synthesized *http.Response.
func newStringReadCloser(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

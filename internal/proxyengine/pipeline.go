package proxyengine

import (
	"fmt"
	"net/http"

	"github.com/ashgrove-dev/mitmproxy/internal/handler"
	"github.com/ashgrove-dev/mitmproxy/internal/proxyerr"
)

// hopByHopHeaders lists headers that apply to a single transport hop and
// must never be copied between the client and origin connections.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// runPipeline runs req through the handler's OnRequest, then — unless the
// handler short-circuited — performs the origin round trip and runs the
// response through OnResponse. It always returns a non-nil *http.Response:
// handler errors are synthesized into a 500 and transport errors into a 503
// (see errorResponse), so callers never need a second error path for
// writing back to the client.
func (e *Engine) runPipeline(r *http.Request) *http.Response {
	id := handler.NewID()
	ctx := r.Context()

	result, err := e.handler.OnRequest(ctx, id, r)
	if err != nil {
		e.log.Warnf("handler_request", "%s: %v", r.URL, err)
		return errorResponse(r, proxyerr.New(proxyerr.HandlerError, "OnRequest", err))
	}

	if result.Action == handler.ShortCircuit {
		if result.Response == nil {
			return errorResponse(r, proxyerr.New(proxyerr.HandlerError, "OnRequest", fmt.Errorf("short-circuit with nil response")))
		}
		return result.Response
	}

	req := result.Request
	if req == nil {
		req = r
	}
	removeHopByHop(req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warnf("upstream", "%s %s: %v", req.Method, req.URL, err)
		return errorResponse(r, proxyerr.New(proxyerr.UpstreamConnectError, "round trip", err))
	}
	removeHopByHop(resp.Header)

	final, err := e.handler.OnResponse(ctx, id, resp)
	if err != nil {
		e.log.Warnf("handler_response", "%s: %v", r.URL, err)
		return errorResponse(r, proxyerr.New(proxyerr.HandlerError, "OnResponse", err))
	}
	if final == nil {
		return errorResponse(r, proxyerr.New(proxyerr.HandlerError, "OnResponse", fmt.Errorf("returned nil response")))
	}
	return final
}

// errorResponse synthesizes a response for req from a classified proxy
// error, using the error kind's HTTP status when it has one meaningful for
// a client-facing reply and 500 otherwise.
func errorResponse(req *http.Request, perr *proxyerr.Error) *http.Response {
	status := perr.Kind.Status()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := perr.Error()
	if perr.Kind == proxyerr.HandlerError {
		body = "Failed to handle request"
		if perr.Op == "OnResponse" {
			body = "Failed to handle response"
		}
	}
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          newStringReadCloser(body),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func removeHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// Package handler defines the interception pipeline contract: the
// connection engine calls a Handler's OnRequest before forwarding to the
// origin and OnResponse before writing back to the client, and the
// handler decides whether to forward unmodified, forward a modified
// message, or short-circuit with a synthetic response.
//
// A single Handler value is shared across every connection the proxy
// serves, so implementations must be safe for concurrent use.
package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Action tags what a RequestResult asks the engine to do.
type Action int

const (
	// Forward means send (possibly modified) req to the origin.
	Forward Action = iota
	// ShortCircuit means skip the origin entirely and write Response
	// directly back to the client.
	ShortCircuit
)

// RequestResult is returned from OnRequest. Exactly one of Request
// (Action == Forward) or Response (Action == ShortCircuit) is meaningful.
type RequestResult struct {
	Action   Action
	Request  *http.Request
	Response *http.Response
}

// ForwardRequest builds a RequestResult that forwards req to the origin.
func ForwardRequest(req *http.Request) RequestResult {
	return RequestResult{Action: Forward, Request: req}
}

// ShortCircuitResponse builds a RequestResult that answers resp directly to
// the client without contacting the origin.
func ShortCircuitResponse(resp *http.Response) RequestResult {
	return RequestResult{Action: ShortCircuit, Response: resp}
}

// Handler observes and optionally rewrites each intercepted request and
// response. id correlates a request with its eventual response across the
// two calls for one round trip.
type Handler interface {
	// OnRequest is called once a request has been read from the client
	// (after CONNECT/TLS interception, or for a plain forwarded request).
	OnRequest(ctx context.Context, id uuid.UUID, req *http.Request) (RequestResult, error)

	// OnResponse is called once a response has been received from the
	// origin (never called at all if OnRequest short-circuited). It may
	// return resp unchanged or a replacement.
	OnResponse(ctx context.Context, id uuid.UUID, resp *http.Response) (*http.Response, error)
}

// Identity is the default Handler: forwards every request unmodified and
// passes every response through unmodified.
type Identity struct{}

// OnRequest implements Handler.
func (Identity) OnRequest(_ context.Context, _ uuid.UUID, req *http.Request) (RequestResult, error) {
	return ForwardRequest(req), nil
}

// OnResponse implements Handler.
func (Identity) OnResponse(_ context.Context, _ uuid.UUID, resp *http.Response) (*http.Response, error) {
	return resp, nil
}

// NewID generates a fresh per-request correlation id.
func NewID() uuid.UUID {
	return uuid.New()
}

// Funcs adapts a pair of plain functions into a Handler, for callers that
// only need to observe traffic (e.g. streaming captured requests to a UI)
// and don't need a named type. Either field may be nil, in which case that
// half of the pipeline behaves like Identity.
type Funcs struct {
	Request  func(ctx context.Context, id uuid.UUID, req *http.Request) (RequestResult, error)
	Response func(ctx context.Context, id uuid.UUID, resp *http.Response) (*http.Response, error)
}

// OnRequest implements Handler.
func (f Funcs) OnRequest(ctx context.Context, id uuid.UUID, req *http.Request) (RequestResult, error) {
	if f.Request == nil {
		return ForwardRequest(req), nil
	}
	return f.Request(ctx, id, req)
}

// OnResponse implements Handler.
func (f Funcs) OnResponse(ctx context.Context, id uuid.UUID, resp *http.Response) (*http.Response, error) {
	if f.Response == nil {
		return resp, nil
	}
	return f.Response(ctx, id, resp)
}

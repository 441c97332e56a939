package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{ConfigError, "ConfigError"},
		{BindError, "BindError"},
		{CryptoError, "CryptoError"},
		{TlsHandshakeError, "TlsHandshakeError"},
		{UpstreamConnectError, "UpstreamConnectError"},
		{UpstreamProtocolError, "UpstreamProtocolError"},
		{HandlerError, "HandlerError"},
		{PlatformError, "PlatformError"},
		{Kind(99), "UnknownError"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("Kind(%d).String() = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestKindStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{CryptoError, http.StatusInternalServerError},
		{UpstreamProtocolError, http.StatusInternalServerError},
		{HandlerError, http.StatusInternalServerError},
		{UpstreamConnectError, http.StatusServiceUnavailable},
		{ConfigError, 0},
		{BindError, 0},
		{PlatformError, 0},
	}
	for _, c := range cases {
		if got := c.kind.Status(); got != c.want {
			t.Errorf("Kind(%v).Status() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestError_Error(t *testing.T) {
	wrapped := errors.New("boom")
	e := New(CryptoError, "sign leaf", wrapped)
	want := "CryptoError: sign leaf: boom"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	e2 := New(ConfigError, "no root CA", nil)
	if got := e2.Error(); got != "ConfigError: no root CA" {
		t.Errorf("Error() with nil cause = %q", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	wrapped := errors.New("boom")
	e := New(TlsHandshakeError, "handshake", wrapped)
	if !errors.Is(e, wrapped) {
		t.Error("expected errors.Is to find wrapped cause")
	}
}

func TestKindOf(t *testing.T) {
	e := New(HandlerError, "OnRequest", errors.New("panic"))
	wrapped := fmt.Errorf("pipeline stage: %w", e)

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("expected KindOf to find wrapped *Error")
	}
	if kind != HandlerError {
		t.Errorf("KindOf() = %v, want HandlerError", kind)
	}

	_, ok = KindOf(errors.New("plain error"))
	if ok {
		t.Error("expected KindOf to return false for a plain error")
	}
}

package upstream

import (
	"crypto/tls"
	"net/http"
	"testing"
)

func TestNew_ReturnsConfiguredClient(t *testing.T) {
	client := New()
	if client == nil {
		t.Fatal("expected non-nil client")
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if !transport.ForceAttemptHTTP2 {
		t.Error("expected ForceAttemptHTTP2 true")
	}
	if transport.TLSClientConfig == nil {
		t.Fatal("expected non-nil TLSClientConfig")
	}
	if transport.TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion: got %x, want TLS1.2", transport.TLSClientConfig.MinVersion)
	}
	if transport.TLSClientConfig.RootCAs == nil {
		t.Error("expected non-nil RootCAs pool")
	}
}

func TestNew_DoesNotFollowRedirects(t *testing.T) {
	client := New()
	err := client.CheckRedirect(nil, nil)
	if err != http.ErrUseLastResponse {
		t.Errorf("CheckRedirect: got %v, want http.ErrUseLastResponse", err)
	}
}

func TestRootPool_NeverNil(t *testing.T) {
	if rootPool() == nil {
		t.Error("rootPool() should never return nil")
	}
}

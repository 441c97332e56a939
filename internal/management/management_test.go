package management

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashgrove-dev/mitmproxy/internal/config"
	"github.com/ashgrove-dev/mitmproxy/internal/lifecycle"
	"github.com/ashgrove-dev/mitmproxy/internal/logger"
	"github.com/ashgrove-dev/mitmproxy/internal/rulestore"
)

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	cfg := &config.Config{
		ProxyPort:       8080,
		ManagementPort:  8081,
		BindAddress:     "127.0.0.1",
		ManagementToken: token,
	}
	log := logger.New("TEST", "error")
	sup, err := lifecycle.New(lifecycle.Config{DataDir: t.TempDir(), CAName: "Test CA", CAValidityDays: 30, Logger: log})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	rules, err := rulestore.Open(t.TempDir() + "/rules.db")
	if err != nil {
		t.Fatalf("rulestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = rules.Close() })
	return New(cfg, sup, rules, log)
}

func TestStatus_OK(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["running"] != false {
		t.Errorf("expected running=false before StartProxy, got %v", resp["running"])
	}
}

func TestAuth_NoToken_PassThrough(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	srv := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	srv := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	srv := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", w.Code)
	}
}

func TestCAStatus_FalseBeforeInstall(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/ca/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["installed"] {
		t.Error("expected installed=false before any CA is generated")
	}
}

func TestRulesUpsertAndTree(t *testing.T) {
	srv := newTestServer(t, "")

	body := `{"name":"block-ads.js","isDir":false}`
	req := httptest.NewRequest(http.MethodPost, "/rules/upsert", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/rules/tree", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("tree: expected 200, got %d", w.Code)
	}
	var tree []rulestore.TreeNode
	if err := json.Unmarshal(w.Body.Bytes(), &tree); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(tree) != 1 || tree[0].Name != "block-ads.js" {
		t.Errorf("expected one node named block-ads.js, got %+v", tree)
	}
}

func TestRulesUpsert_MissingName(t *testing.T) {
	srv := newTestServer(t, "")
	body := `{"isDir":false}`
	req := httptest.NewRequest(http.MethodPost, "/rules/upsert", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", w.Code)
	}
}

func TestRulesContent_RoundTrip(t *testing.T) {
	srv := newTestServer(t, "")

	body := `{"name":"rule.js","isDir":false}`
	req := httptest.NewRequest(http.MethodPost, "/rules/upsert", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	var upserted map[string]uint64
	if err := json.Unmarshal(w.Body.Bytes(), &upserted); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	id := upserted["id"]

	updateBody, _ := json.Marshal(map[string]any{"id": id, "content": "block(/ads/)"})
	req = httptest.NewRequest(http.MethodPost, "/rules/content", bytes.NewReader(updateBody))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update content: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/rules/content?id=%d", id), nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get content: expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["content"] != "block(/ads/)" {
		t.Errorf("expected round-tripped content, got %q", resp["content"])
	}
}

func TestRulesDelete_OK(t *testing.T) {
	srv := newTestServer(t, "")

	body := `{"name":"temp.js","isDir":false}`
	req := httptest.NewRequest(http.MethodPost, "/rules/upsert", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	var upserted map[string]uint64
	_ = json.Unmarshal(w.Body.Bytes(), &upserted)

	deleteBody, _ := json.Marshal(map[string]uint64{"id": upserted["id"]})
	req = httptest.NewRequest(http.MethodPost, "/rules/delete", bytes.NewReader(deleteBody))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRulesUpsert_WrongMethod(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/rules/upsert", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

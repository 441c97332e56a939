// Package management provides a lightweight HTTP API for runtime
// inspection and control of the proxy and its rule file tree.
//
// Endpoints:
//
//	GET  /status             - proxy lifecycle status (port, running, runningCount)
//	POST /proxy/start        - {"port":N} start (or changeover) the proxy
//	POST /proxy/stop         - stop the running proxy
//	GET  /ca/status          - {"installed":bool}
//	POST /ca/install         - generate (if needed) and trust the root CA
//	GET  /rules/tree         - the full rule file tree
//	POST /rules/upsert       - create or rename a rule file/folder
//	POST /rules/delete       - {"id":N} delete a rule file/folder (cascades)
//	GET  /rules/content      - ?id=N the content of a rule file
//	POST /rules/content      - {"id":N,"content":"..."} overwrite a rule file's content
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashgrove-dev/mitmproxy/internal/config"
	"github.com/ashgrove-dev/mitmproxy/internal/lifecycle"
	"github.com/ashgrove-dev/mitmproxy/internal/logger"
	"github.com/ashgrove-dev/mitmproxy/internal/rulestore"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	sup       *lifecycle.Supervisor
	rules     *rulestore.Store
	token     string
	log       *logger.Logger
}

// New creates a management server bound to sup and rules.
func New(cfg *config.Config, sup *lifecycle.Supervisor, rules *rulestore.Store, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		sup:       sup,
		rules:     rules,
		token:     cfg.ManagementToken,
		log:       log,
	}
	if s.token != "" {
		s.log.Info("auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/proxy/start", s.handleProxyStart)
	mux.HandleFunc("/proxy/stop", s.handleProxyStop)
	mux.HandleFunc("/ca/status", s.handleCAStatus)
	mux.HandleFunc("/ca/install", s.handleCAInstall)
	mux.HandleFunc("/rules/tree", s.handleRulesTree)
	mux.HandleFunc("/rules/upsert", s.handleRulesUpsert)
	mux.HandleFunc("/rules/delete", s.handleRulesDelete)
	mux.HandleFunc("/rules/content", s.handleRulesContent)
	return s.authMiddleware(mux)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.sup.CheckProxyRunning()
	writeJSON(w, http.StatusOK, struct {
		Uptime       string `json:"uptime"`
		Port         int    `json:"port"`
		Running      bool   `json:"running"`
		RunningCount int    `json:"runningCount"`
	}{
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Port:         status.Port,
		Running:      status.Running,
		RunningCount: status.RunningCount,
	})
}

func (s *Server) handleProxyStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Port int `json:"port"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sup.StartProxy(req.Port); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"port": req.Port})
}

func (s *Server) handleProxyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.sup.StopProxy()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleCAStatus(w http.ResponseWriter, _ *http.Request) {
	installed, err := s.sup.CheckCAInstalled()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"installed": installed})
}

func (s *Server) handleCAInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sup.InstallCA(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "installed"})
}

func (s *Server) handleRulesTree(w http.ResponseWriter, _ *http.Request) {
	tree, err := s.rules.Tree()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleRulesUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID       *uint64 `json:"id"`
		Name     string  `json:"name"`
		IsDir    bool    `json:"isDir"`
		ParentID *uint64 `json:"parentId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	id, err := s.rules.Upsert(req.ID, req.Name, req.IsDir, req.ParentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"id": id})
}

func (s *Server) handleRulesDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID uint64 `json:"id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.rules.Delete(req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRulesContent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "id query parameter is required", http.StatusBadRequest)
			return
		}
		content, err := s.rules.Content(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": content})
	case http.MethodPost:
		var req struct {
			ID      uint64 `json:"id"`
			Content string `json:"content"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.rules.UpdateContent(req.ID, req.Content); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	s.log.Infof("listen", "%s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

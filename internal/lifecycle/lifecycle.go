// Package lifecycle is the proxy's supervisor: it owns the single running
// (or not-running) proxy connection engine, the current bind port, and the
// broadcast shutdown signal used to stop it, serializing StartProxy and
// StopProxy calls against concurrent CLI or management-API callers the way
// a desktop shell's single mutex-guarded app state would.
package lifecycle

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/ashgrove-dev/mitmproxy/internal/appdir"
	"github.com/ashgrove-dev/mitmproxy/internal/ca"
	"github.com/ashgrove-dev/mitmproxy/internal/certcache"
	"github.com/ashgrove-dev/mitmproxy/internal/handler"
	"github.com/ashgrove-dev/mitmproxy/internal/logger"
	"github.com/ashgrove-dev/mitmproxy/internal/proxyengine"
	"github.com/ashgrove-dev/mitmproxy/internal/proxyerr"
)

// Status reports the supervisor's current view of the proxy.
type Status struct {
	Port         int // 0 if not running
	Running      bool
	RunningCount int // number of engine goroutines that have ever run, minus those that have exited
}

// Supervisor owns the currently running proxy engine, if any. The zero
// value is not usable; construct with New.
type Supervisor struct {
	dataDir           string
	caName            string
	caValidityDays    int
	certCacheCapacity int
	bindAddress       string
	handler           handler.Handler
	log               *logger.Logger

	// onEvent is called with "proxy-started" and "proxy-stopped" as the
	// engine's goroutine starts and exits, mirroring the desktop shell's
	// window-event emission. May be nil.
	onEvent func(event string)

	mu           sync.Mutex
	port         int
	running      bool
	shutdown     chan struct{}
	runningCount int
}

// Config bundles the fixed parameters a Supervisor needs at construction.
type Config struct {
	DataDir           string
	CAName            string
	CAValidityDays    int
	CertCacheCapacity int
	BindAddress       string
	Handler           handler.Handler
	Logger            *logger.Logger
	OnEvent           func(event string)
}

// New builds a Supervisor. DataDir is resolved (and created) immediately.
func New(cfg Config) (*Supervisor, error) {
	dataDir, err := appdir.Resolve(cfg.DataDir)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ConfigError, "resolve data dir", err)
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("LIFECYCLE", "info")
	}
	return &Supervisor{
		dataDir:           dataDir,
		caName:            cfg.CAName,
		caValidityDays:    cfg.CAValidityDays,
		certCacheCapacity: cfg.CertCacheCapacity,
		bindAddress:       cfg.BindAddress,
		handler:           cfg.Handler,
		log:               cfg.Logger,
		onEvent:           cfg.OnEvent,
	}, nil
}

// CertPaths returns the (cert, key) file paths this supervisor's CA lives
// at, for callers (e.g. an install-ca CLI command) that need them directly.
func (s *Supervisor) CertPaths() (certPath, keyPath string) {
	return appdir.CertPaths(s.dataDir)
}

// RuleStorePath returns the path to the rule store database file in this
// supervisor's resolved data directory.
func (s *Supervisor) RuleStorePath() string {
	return appdir.RuleStorePath(s.dataDir)
}

// EnsureCA loads the root CA from disk, generating and persisting one if
// none exists yet.
func (s *Supervisor) EnsureCA() (*ca.CA, error) {
	certPath, keyPath := s.CertPaths()
	return ca.LoadOrGenerate(certPath, keyPath, s.caName, s.caValidityDays, s.log)
}

// CheckCAInstalled reports whether the root CA is trusted in the OS trust
// store. Calling it twice back to back returns the same boolean, since it
// performs no mutation.
func (s *Supervisor) CheckCAInstalled() (bool, error) {
	certPath, _ := s.CertPaths()
	if _, err := os.Stat(certPath); err != nil {
		return false, nil
	}
	return ca.CheckInstalled(certPath)
}

// InstallCA installs the root CA (generating one first if needed) into the
// OS trust store.
func (s *Supervisor) InstallCA() error {
	if _, err := s.EnsureCA(); err != nil {
		return err
	}
	certPath, _ := s.CertPaths()
	return ca.Install(certPath)
}

// PortFree reports whether port is available for binding right now. It is
// inherently racy against other processes; callers should treat a true
// result as advisory, not a reservation.
func (s *Supervisor) PortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.bindAddress, port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// StartProxy starts serving on port, stopping any previously running proxy
// first. Calling it again with the port already running is a no-op, mirroring
// the idempotent port-changeover behavior the supervisor promises callers.
func (s *Supervisor) StartProxy(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running && s.port == port {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.bindAddress, port))
	if err != nil {
		return proxyerr.New(proxyerr.BindError, "listen", err)
	}

	rootCA, err := s.loadCAIfInstalled()
	if err != nil {
		_ = ln.Close()
		return err
	}

	var cache *certcache.Cache
	if rootCA != nil {
		cache = certcache.New(s.certCacheCapacity, rootCA.Sign)
	}

	shutdown := make(chan struct{})
	engine, err := proxyengine.NewBuilder().
		WithRootCA(rootCA).
		WithCertCache(cache).
		WithHandler(s.handler).
		WithLogger(s.log).
		WithShutdown(shutdown).
		Build()
	if err != nil {
		_ = ln.Close()
		return err
	}

	if s.shutdown != nil {
		close(s.shutdown)
	}

	s.port = port
	s.running = true
	s.shutdown = shutdown
	s.runningCount++

	s.emit("proxy-started")
	go func() {
		if err := engine.Start(ln); err != nil {
			s.log.Warnf("engine", "%v", err)
		}
		s.emit("proxy-stopped")

		s.mu.Lock()
		s.runningCount--
		if s.shutdown == shutdown {
			s.running = false
			s.port = 0
		}
		s.mu.Unlock()
	}()

	return nil
}

// StopProxy signals the running proxy (if any) to shut down. It returns
// immediately; the engine goroutine drains in-flight connections in the
// background.
func (s *Supervisor) StopProxy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown != nil {
		close(s.shutdown)
		s.shutdown = nil
	}
	s.running = false
	s.port = 0
}

// CheckProxyRunning reports the supervisor's current status.
func (s *Supervisor) CheckProxyRunning() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Port: s.port, Running: s.running, RunningCount: s.runningCount}
}

func (s *Supervisor) emit(event string) {
	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// loadCAIfInstalled loads the root CA from disk if it exists, returning a
// nil *ca.CA (not an error) when absent — StartProxy treats a missing CA as
// "blind tunnel mode" rather than a fatal condition.
func (s *Supervisor) loadCAIfInstalled() (*ca.CA, error) {
	certPath, keyPath := s.CertPaths()
	rootCA, err := ca.Load(certPath, keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, proxyerr.New(proxyerr.CryptoError, "load CA", err)
	}
	return rootCA, nil
}

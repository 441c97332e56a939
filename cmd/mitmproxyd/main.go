// Command mitmproxyd is the TLS-capable HTTP MITM proxy's standalone
// server: it manages the root certificate authority, serves the proxy
// connection engine, and exposes the rule file tree over a small
// management surface a desktop shell or another CLI frontend could drive.
//
// Usage:
//
//	# Generate (if needed) and trust the root CA, then serve
//	mitmproxyd install-ca
//	mitmproxyd serve
//
//	# Custom port
//	mitmproxyd serve --port 9999
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashgrove-dev/mitmproxy/internal/config"
	"github.com/ashgrove-dev/mitmproxy/internal/handler"
	"github.com/ashgrove-dev/mitmproxy/internal/lifecycle"
	"github.com/ashgrove-dev/mitmproxy/internal/logger"
	"github.com/ashgrove-dev/mitmproxy/internal/management"
	"github.com/ashgrove-dev/mitmproxy/internal/rulestore"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mitmproxyd",
	Short: "TLS-intercepting MITM proxy daemon",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if v, _ := cmd.Flags().GetInt("port"); v != 0 {
			cfg.ProxyPort = v
		}

		log := logger.New("MITMPROXYD", cfg.LogLevel)

		sup, err := lifecycle.New(lifecycle.Config{
			DataDir:           cfg.DataDir,
			CAName:            cfg.CAName,
			CAValidityDays:    cfg.CAValidityDays,
			CertCacheCapacity: cfg.CertCacheCapacity,
			BindAddress:       cfg.BindAddress,
			Handler:           handler.Identity{},
			Logger:            log,
			OnEvent: func(event string) {
				log.Infof("lifecycle", "%s", event)
			},
		})
		if err != nil {
			return err
		}

		if _, err := sup.EnsureCA(); err != nil {
			return err
		}
		installed, err := sup.CheckCAInstalled()
		if err != nil {
			log.Warnf("ca_check", "%v", err)
		}
		printBanner(cfg, installed)

		rules, err := rulestore.Open(sup.RuleStorePath())
		if err != nil {
			return err
		}
		defer rules.Close() //nolint:errcheck // best-effort close on shutdown

		mgmt := management.New(cfg, sup, rules, logger.New("MANAGEMENT", cfg.LogLevel))
		go func() {
			if err := mgmt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnf("management", "%v", err)
			}
		}()

		if err := sup.StartProxy(cfg.ProxyPort); err != nil {
			return err
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Info("shutdown", "signal received, draining connections")
		sup.StopProxy()
		return nil
	},
}

var installCACmd = &cobra.Command{
	Use:   "install-ca",
	Short: "Generate (if needed) the root CA and install it into the OS trust store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New("MITMPROXYD", cfg.LogLevel)

		sup, err := lifecycle.New(lifecycle.Config{
			DataDir:        cfg.DataDir,
			CAName:         cfg.CAName,
			CAValidityDays: cfg.CAValidityDays,
			BindAddress:    cfg.BindAddress,
			Logger:         log,
		})
		if err != nil {
			return err
		}

		if err := sup.InstallCA(); err != nil {
			return err
		}
		certPath, _ := sup.CertPaths()
		fmt.Printf("Root CA installed (%s)\n", certPath)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print whether the root CA is trusted and the default port is free",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New("MITMPROXYD", cfg.LogLevel)

		sup, err := lifecycle.New(lifecycle.Config{
			DataDir:     cfg.DataDir,
			CAName:      cfg.CAName,
			BindAddress: cfg.BindAddress,
			Logger:      log,
		})
		if err != nil {
			return err
		}

		checkPortOnly, _ := cmd.Flags().GetBool("check-port")
		if !checkPortOnly {
			installed, err := sup.CheckCAInstalled()
			if err != nil {
				fmt.Printf("CA installed: unknown (%v)\n", err)
			} else {
				fmt.Printf("CA installed: %v\n", installed)
			}
		}
		fmt.Printf("Port %d free: %v\n", cfg.ProxyPort, sup.PortFree(cfg.ProxyPort))
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "proxy listen port (overrides config/env)")
	statusCmd.Flags().Bool("check-port", false, "only report whether the configured port is free")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(installCACmd)
	rootCmd.AddCommand(statusCmd)
}

func printBanner(cfg *config.Config, caInstalled bool) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║              mitmproxyd — MITM proxy                  ║
╚══════════════════════════════════════════════════════╝
  Proxy port      : %d
  Bind address    : %s
  Root CA         : %s (installed: %v)
  Log level       : %s

  Point clients here:
    export HTTP_PROXY=http://%s:%d
    export HTTPS_PROXY=http://%s:%d
`, cfg.ProxyPort, cfg.BindAddress, cfg.CAName, caInstalled, cfg.LogLevel,
		cfg.BindAddress, cfg.ProxyPort, cfg.BindAddress, cfg.ProxyPort)
}

// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → mitmproxy-config.json → environment
// variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full proxy configuration.
type Config struct {
	ProxyPort      int    `json:"proxyPort"`
	ManagementPort int    `json:"managementPort"`
	BindAddress    string `json:"bindAddress"`
	LogLevel       string `json:"logLevel"`

	// DataDir is the directory holding the CA key pair and rule store.
	// Empty means resolve via os.UserConfigDir() at startup.
	DataDir string `json:"dataDir"`

	CAName         string `json:"caName"`
	CAValidityDays int    `json:"caValidityDays"`

	CertCacheCapacity int `json:"certCacheCapacity"`

	ManagementToken string `json:"managementToken"`
}

// Load returns config with defaults overridden by mitmproxy-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "mitmproxy-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ProxyPort:         7777,
		ManagementPort:    7778,
		BindAddress:       "127.0.0.1",
		LogLevel:          "info",
		CAName:            "Local MITM CA",
		CAValidityDays:    3650,
		CertCacheCapacity: 128,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MITMPROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MITMPROXY_MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("MITMPROXY_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MITMPROXY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MITMPROXY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MITMPROXY_CA_NAME"); v != "" {
		cfg.CAName = v
	}
	if v := os.Getenv("MITMPROXY_CA_VALIDITY_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CAValidityDays = n
		}
	}
	if v := os.Getenv("MITMPROXY_CERT_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CertCacheCapacity = n
		}
	}
	if v := os.Getenv("MITMPROXY_MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
}

package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.ProxyPort != 7777 {
		t.Errorf("ProxyPort: got %d, want 7777", cfg.ProxyPort)
	}
	if cfg.ManagementPort != 7778 {
		t.Errorf("ManagementPort: got %d, want 7778", cfg.ManagementPort)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.DataDir != "" {
		t.Errorf("DataDir: got %q, want empty (resolved at startup)", cfg.DataDir)
	}
	if cfg.CAName != "Local MITM CA" {
		t.Errorf("CAName: got %s", cfg.CAName)
	}
	if cfg.CAValidityDays != 3650 {
		t.Errorf("CAValidityDays: got %d, want 3650", cfg.CAValidityDays)
	}
	if cfg.CertCacheCapacity != 128 {
		t.Errorf("CertCacheCapacity: got %d, want 128", cfg.CertCacheCapacity)
	}
}

func TestLoadEnv_ProxyPort(t *testing.T) {
	t.Setenv("MITMPROXY_PORT", "9090")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ProxyPort != 9090 {
		t.Errorf("ProxyPort: got %d, want 9090", cfg.ProxyPort)
	}
}

func TestLoadEnv_ManagementPort(t *testing.T) {
	t.Setenv("MITMPROXY_MANAGEMENT_PORT", "9091")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementPort != 9091 {
		t.Errorf("ManagementPort: got %d, want 9091", cfg.ManagementPort)
	}
}

func TestLoadEnv_BindAddress(t *testing.T) {
	t.Setenv("MITMPROXY_BIND_ADDRESS", "0.0.0.0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
}

func TestLoadEnv_LogLevel(t *testing.T) {
	t.Setenv("MITMPROXY_LOG_LEVEL", "debug")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestLoadEnv_DataDir(t *testing.T) {
	t.Setenv("MITMPROXY_DATA_DIR", "/tmp/mitmproxy-data")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.DataDir != "/tmp/mitmproxy-data" {
		t.Errorf("DataDir: got %s", cfg.DataDir)
	}
}

func TestLoadEnv_CAName(t *testing.T) {
	t.Setenv("MITMPROXY_CA_NAME", "Custom CA")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CAName != "Custom CA" {
		t.Errorf("CAName: got %s", cfg.CAName)
	}
}

func TestLoadEnv_CAValidityDays(t *testing.T) {
	t.Setenv("MITMPROXY_CA_VALIDITY_DAYS", "30")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CAValidityDays != 30 {
		t.Errorf("CAValidityDays: got %d, want 30", cfg.CAValidityDays)
	}
}

func TestLoadEnv_CAValidityDays_Zero_Ignored(t *testing.T) {
	t.Setenv("MITMPROXY_CA_VALIDITY_DAYS", "0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CAValidityDays != 3650 {
		t.Errorf("CAValidityDays: got %d, want 3650 (zero should be ignored)", cfg.CAValidityDays)
	}
}

func TestLoadEnv_CertCacheCapacity(t *testing.T) {
	t.Setenv("MITMPROXY_CERT_CACHE_CAPACITY", "256")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CertCacheCapacity != 256 {
		t.Errorf("CertCacheCapacity: got %d, want 256", cfg.CertCacheCapacity)
	}
}

func TestLoadEnv_CertCacheCapacity_Zero_Ignored(t *testing.T) {
	t.Setenv("MITMPROXY_CERT_CACHE_CAPACITY", "0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CertCacheCapacity != 128 {
		t.Errorf("CertCacheCapacity: got %d, want 128 (zero should be ignored)", cfg.CertCacheCapacity)
	}
}

func TestLoadEnv_ManagementToken(t *testing.T) {
	t.Setenv("MITMPROXY_MANAGEMENT_TOKEN", "secret-token")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementToken != "secret-token" {
		t.Errorf("ManagementToken: got %s", cfg.ManagementToken)
	}
}

func TestLoadEnv_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("MITMPROXY_PORT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ProxyPort != 7777 {
		t.Errorf("ProxyPort: got %d, want 7777 (invalid env should be ignored)", cfg.ProxyPort)
	}
}

func TestLoadFile_ValidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatal(err)
	}

	data, marshalErr := json.Marshal(map[string]any{
		"proxyPort":         9999,
		"caName":            "File CA",
		"certCacheCapacity": 64,
	})
	if marshalErr != nil {
		t.Fatal(marshalErr)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())

	if cfg.ProxyPort != 9999 {
		t.Errorf("ProxyPort: got %d, want 9999", cfg.ProxyPort)
	}
	if cfg.CAName != "File CA" {
		t.Errorf("CAName: got %s", cfg.CAName)
	}
	if cfg.CertCacheCapacity != 64 {
		t.Errorf("CertCacheCapacity: got %d, want 64", cfg.CertCacheCapacity)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.ProxyPort != 7777 {
		t.Errorf("ProxyPort changed unexpectedly: %d", cfg.ProxyPort)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-bad-*.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{this is not json}"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())
	if cfg.ProxyPort != 7777 {
		t.Errorf("ProxyPort changed on bad JSON: %d", cfg.ProxyPort)
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.ProxyPort <= 0 {
		t.Errorf("ProxyPort should be positive, got %d", cfg.ProxyPort)
	}
}

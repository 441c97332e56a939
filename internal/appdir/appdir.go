// Package appdir resolves the local application data directory used to
// persist the CA key pair and the rule store.
//
// This stands in for the desktop shell's path resolver (Tauri's
// app.path().app_data_dir()); the shell is an external collaborator per
// the proxy's design and is not otherwise implemented here.
package appdir

import (
	"os"
	"path/filepath"
)

const appName = "mitmproxy"

// Resolve returns the application data directory, creating it if needed.
// override, when non-empty, is used verbatim (set via MITMPROXY_DATA_DIR).
func Resolve(override string) (string, error) {
	dir := override
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(base, appName)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// CertPaths returns the (ca.crt, ca.key) paths under the app data directory.
func CertPaths(dataDir string) (certPath, keyPath string) {
	certDir := filepath.Join(dataDir, "cert")
	return filepath.Join(certDir, "ca.crt"), filepath.Join(certDir, "ca.key")
}

// RuleStorePath returns the path to the rule store database file.
func RuleStorePath(dataDir string) string {
	return filepath.Join(dataDir, "rules.db")
}

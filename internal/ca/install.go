package ca

import (
	"bytes"
	"errors"
	"os/exec"
	"runtime"
	"strings"

	"github.com/ashgrove-dev/mitmproxy/internal/proxyerr"
)

// ErrCheckNotSupported is returned by CheckInstalled on platforms where no
// trust-store query is implemented. Treat as an "unknown" installed state,
// not as a failure to install.
var ErrCheckNotSupported = errors.New("ca: install check not supported on this platform")

// Install adds the certificate at certPath to the current user's OS trust
// store. Supported on macOS and Windows; any other platform returns a
// PlatformError.
func Install(certPath string) error {
	switch runtime.GOOS {
	case "darwin":
		return installDarwin(certPath)
	case "windows":
		return installWindows(certPath)
	default:
		return proxyerr.New(proxyerr.PlatformError, "install CA", errors.New("unsupported platform: "+runtime.GOOS))
	}
}

// CheckInstalled reports whether the certificate at certPath is present in
// the OS trust store. On platforms without a supported query (everything
// but macOS here), it returns (false, ErrCheckNotSupported) rather than
// guessing — see the Windows note below.
func CheckInstalled(certPath string) (bool, error) {
	switch runtime.GOOS {
	case "darwin":
		return checkInstalledDarwin(certPath)
	default:
		// The Windows branch of this probe is unimplemented upstream
		// (certutil -verifystore needs the leaf thumbprint, not the PEM
		// path) and Linux has no single canonical per-user trust store;
		// report an explicit unknown state rather than a wrong boolean.
		return false, ErrCheckNotSupported
	}
}

func defaultKeychain() (string, error) {
	out, err := exec.Command("security", "default-keychain").Output()
	if err != nil {
		return "", proxyerr.New(proxyerr.PlatformError, "resolve default keychain", err)
	}
	return strings.Trim(strings.TrimSpace(string(out)), `"`), nil
}

func installDarwin(certPath string) error {
	keychain, err := defaultKeychain()
	if err != nil {
		return err
	}

	cmd := exec.Command("security", "add-trusted-cert", "-k", keychain, certPath)
	if err := cmd.Run(); err != nil {
		return proxyerr.New(proxyerr.PlatformError, "security add-trusted-cert", err)
	}
	return nil
}

func checkInstalledDarwin(certPath string) (bool, error) {
	keychain, err := defaultKeychain()
	if err != nil {
		return false, err
	}

	cmd := exec.Command("security", "verify-cert", "-c", certPath, "-k", keychain)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if runErr == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		// security verify-cert exits non-zero when the cert chain doesn't
		// verify against trusted roots; that's a "not installed" result,
		// not a PlatformError.
		return false, nil
	}
	return false, proxyerr.New(proxyerr.PlatformError, "security verify-cert", runErr)
}

func installWindows(certPath string) error {
	cmd := exec.Command("certutil", "-addstore", "-user", "Root", certPath)
	if err := cmd.Run(); err != nil {
		return proxyerr.New(proxyerr.PlatformError, "certutil -addstore", err)
	}
	return nil
}

// Package ca implements the root certificate authority and per-host leaf
// certificate issuance engine: generating or loading a self-signed root,
// persisting it as a PEM pair, and signing short-lived leaf certificates
// bound to one host at a time.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ashgrove-dev/mitmproxy/internal/logger"
	"github.com/ashgrove-dev/mitmproxy/internal/proxyerr"
)

// leafValidity is how long a freshly signed leaf certificate remains valid.
// Short-lived on purpose: the certcache package re-signs well before expiry
// rather than trying to renew in place.
const leafValidity = 7 * 24 * time.Hour

// CA holds the root certificate authority material used to sign leaf
// certificates for intercepted hosts. A CA value is safe for concurrent
// use from multiple goroutines; Sign only reads cert/key, never mutates
// them.
type CA struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// LoadOrGenerate loads a CA from certFile/keyFile, or generates and persists
// a new one (named name, valid for validityDays) if the files don't exist.
func LoadOrGenerate(certFile, keyFile, name string, validityDays int, log *logger.Logger) (*CA, error) {
	c, err := Load(certFile, keyFile)
	if err == nil {
		log.Infof("ca_load", "loaded CA from %s / %s", certFile, keyFile)
		return c, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, proxyerr.New(proxyerr.CryptoError, "load CA", err)
	}

	log.Info("ca_generate", "CA files not found, generating new CA")
	c, err = Generate(name, validityDays)
	if err != nil {
		return nil, err
	}
	if err := c.SaveToFile(certFile, keyFile); err != nil {
		return nil, err
	}
	log.Infof("ca_generate", "generated new CA: %s / %s", certFile, keyFile)
	log.Info("ca_generate", "trust the CA certificate to enable HTTPS interception; see `mitmproxyd install-ca`")
	return c, nil
}

// Load reads a CA certificate and ECDSA private key from PEM files.
// Returns an error satisfying errors.Is(err, os.ErrNotExist) if either file
// is absent, matching os.ReadFile's own sentinel.
func Load(certFile, keyFile string) (*CA, error) {
	certPEM, err := os.ReadFile(certFile) //nolint:gosec // G304: path comes from app config, not request input
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile) //nolint:gosec // G304: path comes from app config, not request input
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "decode CA cert PEM", fmt.Errorf("no PEM block in %s", certFile))
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "parse CA cert", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "decode CA key PEM", fmt.Errorf("no PEM block in %s", keyFile))
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "parse CA key", err)
	}

	return &CA{Cert: cert, Key: key}, nil
}

// Generate creates a new self-signed CA key pair and certificate, named
// name and valid for validityDays, without touching disk.
func Generate(name string, validityDays int) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "generate CA key", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "generate CA serial", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: name,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Duration(validityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "create CA certificate", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "parse generated CA certificate", err)
	}

	return &CA{Cert: cert, Key: key}, nil
}

// SaveToFile writes the CA certificate and key to PEM files, creating the
// parent directory if needed. The key file is written with 0600 permissions.
func (c *CA) SaveToFile(certFile, keyFile string) error {
	if err := os.MkdirAll(filepath.Dir(certFile), 0o700); err != nil {
		return proxyerr.New(proxyerr.CryptoError, "create cert dir", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return proxyerr.New(proxyerr.CryptoError, "create key dir", err)
	}

	certOut, err := os.OpenFile(certFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return proxyerr.New(proxyerr.CryptoError, "create cert file", err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: c.Cert.Raw}); err != nil {
		return proxyerr.New(proxyerr.CryptoError, "write cert PEM", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(c.Key)
	if err != nil {
		return proxyerr.New(proxyerr.CryptoError, "marshal CA key", err)
	}
	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return proxyerr.New(proxyerr.CryptoError, "create key file", err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		return proxyerr.New(proxyerr.CryptoError, "write key PEM", err)
	}

	return nil
}

// Sign issues a fresh leaf certificate for host, signed by this CA. The
// returned certificate's chain includes the CA cert so clients that only
// trust the root can still build a path. Callers wanting to avoid signing
// on every lookup should go through certcache.Cache instead of calling Sign
// directly.
func (c *CA) Sign(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "generate leaf key for "+host, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "generate leaf serial for "+host, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	// VerifyHostname consults IPAddresses for an IP ServerName and DNSNames
	// otherwise; a DNS SAN is silently ignored when the client dials by IP.
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, c.Cert, &leafKey.PublicKey, c.Key)
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "sign leaf certificate for "+host, err)
	}
	leaf, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, proxyerr.New(proxyerr.CryptoError, "parse leaf certificate for "+host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{derBytes, c.Cert.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

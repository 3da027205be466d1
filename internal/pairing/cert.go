// Package pairing implements the TLS pairing component:
// self-signed certificate lifecycle, fingerprint/6-digit-code derivation,
// encrypted-at-rest persistence, and a stream-wrap helper for Wi-Fi
// transport. The certificate template is grounded on the self-signed
// generateTLSConfig() helper found in the example pack's moto-accelerator
// (RSA-2048, one year validity, KeyUsage{KeyEncipherment,
// DigitalSignature}, ExtKeyUsage{ServerAuth}); here the subject CN and
// persistence are specific to this pairing flow.
package pairing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	commonName  = "ExpandScreen"
	rsaKeyBits  = 2048
	validityFor = 365 * 24 * time.Hour
)

// Certificate bundles the generated key pair with its DER-encoded form,
// ready to serve TLS or to compute a fingerprint/pairing code from.
type Certificate struct {
	TLS tls.Certificate
	DER []byte
}

// Generate creates a new self-signed certificate
func Generate() (*Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("pairing: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("pairing: generate serial: %w", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validityFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pairing: create certificate: %w", err)
	}
	tlsCert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &Certificate{TLS: tlsCert, DER: der}, nil
}

// Manager owns the active certificate and supports atomic rotation.
type Manager struct {
	mu   sync.RWMutex
	cert *Certificate
}

// NewManager wraps an already-loaded-or-generated certificate.
func NewManager(cert *Certificate) *Manager {
	return &Manager{cert: cert}
}

// Current returns the active certificate.
func (m *Manager) Current() *Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cert
}

// Rotate atomically replaces the active certificate with a freshly
// generated one and returns it.
func (m *Manager) Rotate() (*Certificate, error) {
	cert, err := Generate()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cert = cert
	m.mu.Unlock()
	return cert, nil
}

// tlsCertificateFrom rebuilds a tls.Certificate from a loaded DER + key.
func tlsCertificateFrom(der []byte, key *rsa.PrivateKey) tls.Certificate {
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// TLSConfig returns a server-side tls.Config presenting the current
// certificate, with a minimum version of TLS 1.2.
func (m *Manager) TLSConfig() *tls.Config {
	cert := m.Current()
	return &tls.Config{
		Certificates: []tls.Certificate{cert.TLS},
		MinVersion:   tls.VersionTLS12,
	}
}

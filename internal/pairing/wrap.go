package pairing

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/fenglingyubing/expandscreen-host/internal/metrics"
)

// WrapServer performs a TLS server handshake over conn using the
// manager's current certificate. Handshake failures terminate the
// connection before any session state is created
func WrapServer(ctx context.Context, conn net.Conn, mgr *Manager) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, mgr.TLSConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		metrics.IncPairingFailed()
		return nil, fmt.Errorf("pairing: tls handshake: %w", err)
	}
	return tlsConn, nil
}

// VerifyPresentedFingerprint checks the server certificate the peer
// presented during the TLS handshake against the fingerprint shown to
// the user out-of-band (e.g. via a QR code or manual entry).
func VerifyPresentedFingerprint(tlsConn *tls.Conn, pinnedDER []byte) error {
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("pairing: no peer certificate presented")
	}
	presented := state.PeerCertificates[0].Raw
	if !VerifyFingerprint(pinnedDER, presented) {
		metrics.IncPairingFailed()
		return fmt.Errorf("pairing: fingerprint mismatch")
	}
	return nil
}

// CodeVerifier is the session handshake policy hook's dependency for
// validating the pairing code embedded in a Handshake payload.
type CodeVerifier struct {
	mgr *Manager
}

// NewCodeVerifier builds a verifier bound to mgr's current certificate.
func NewCodeVerifier(mgr *Manager) *CodeVerifier {
	return &CodeVerifier{mgr: mgr}
}

// Verify reports whether candidate matches the six-digit code derived
// from the currently active certificate.
func (v *CodeVerifier) Verify(candidate string) bool {
	cert := v.mgr.Current()
	ok := VerifyCode(cert.DER, candidate)
	if !ok {
		metrics.IncPairingFailed()
	}
	return ok
}

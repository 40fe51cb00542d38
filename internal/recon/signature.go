package recon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
)

// SignatureHeader carries the gateway's HMAC of the raw request body.
const SignatureHeader = "X-Gateway-Signature"

// VerifySignature checks the hex-encoded HMAC-SHA256 of the raw body against
// the shared secret. The optional "sha256=" prefix some gateways add is
// accepted. Comparison is constant-time.
func VerifySignature(secret, header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("recon: missing signature header: %w", httpx.ErrSignature)
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return fmt.Errorf("recon: malformed signature header: %w", httpx.ErrSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("recon: signature mismatch: %w", httpx.ErrSignature)
	}
	return nil
}

// Sign computes the signature header value for a body. Used by tests and by
// local tooling that replays captured events.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

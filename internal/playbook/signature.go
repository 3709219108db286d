package playbook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/medic-monitor/medic/internal/medicerr"
)

// signatureVersion prefixes the signed base string so the scheme can rotate.
const signatureVersion = "v0"

// maxSignatureAge bounds how old a signed request may be (replay protection).
const maxSignatureAge = 5 * time.Minute

// Sign computes the hex HMAC-SHA256 signature over "v0:{timestamp}:{body}".
// Callers send it alongside the timestamp; Verify checks both.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d:", signatureVersion, timestamp)
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a decision callback's signature and timestamp.
// Comparison is constant-time; requests older (or newer) than the replay
// window are rejected regardless of signature validity.
func VerifySignature(secret, timestampHeader, signatureHeader string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q does not parse: %w", timestampHeader, medicerr.ErrSignatureInvalid)
	}

	age := now.Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > int64(maxSignatureAge.Seconds()) {
		return fmt.Errorf("timestamp outside replay window: %w", medicerr.ErrSignatureInvalid)
	}

	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return fmt.Errorf("signature mismatch: %w", medicerr.ErrSignatureInvalid)
	}
	return nil
}

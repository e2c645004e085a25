// ABOUTME: Short-lived pairing tokens and their displayable artifacts
// ABOUTME: Renders the driver's raw code as a QR image and fingerprints it for safe logging

package session

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/zeebo/blake3"
)

const qrSize = 256

// PairingToken is the one-time pairing secret issued by a driver.
// The raw code is only reachable through Artifact; logging a token prints its fingerprint.
type PairingToken struct {
	code        string
	png         []byte
	Fingerprint string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Artifact is the displayable form of a pairing token.
type Artifact struct {
	BranchID    string
	Code        string
	PNG         []byte
	DataURL     string
	Fingerprint string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// newPairingToken renders code. It does no locking and may run before the
// owning record is touched.
func newPairingToken(code string, now time.Time, ttl time.Duration) (*PairingToken, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("rendering pairing code: %w", err)
	}
	return &PairingToken{
		code:        code,
		png:         png,
		Fingerprint: Fingerprint(code),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// Fingerprint is a short BLAKE3 digest of a secret, safe to log.
func Fingerprint(secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

// Expired reports whether the token's validity window has passed at now.
func (t *PairingToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// LogValue implements slog.LogValuer.
func (t *PairingToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("fingerprint", t.Fingerprint),
		slog.Time("expires_at", t.ExpiresAt),
	)
}

func (t *PairingToken) artifact(branchID string) Artifact {
	return Artifact{
		BranchID:    branchID,
		Code:        t.code,
		PNG:         t.png,
		DataURL:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(t.png),
		Fingerprint: t.Fingerprint,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt,
	}
}

// ABOUTME: Request and response messages exchanged with AdminService
// ABOUTME: Plain structs carried by the CBOR codec

package admin

import (
	"time"

	"github.com/2389/branchline/internal/session"
)

// Empty is used where a method takes or returns nothing.
type Empty struct{}

// BranchRequest names the branch an operation applies to.
type BranchRequest struct {
	BranchID string `cbor:"branch_id"`
}

// SendRequest asks a READY branch to deliver text to address.
type SendRequest struct {
	BranchID string `cbor:"branch_id"`
	Address  string `cbor:"address"`
	Text     string `cbor:"text"`
}

// BranchStatus is a branch's session record as seen over the wire.
// The pairing code itself is never included; use PairingArtifact.
type BranchStatus struct {
	BranchID           string     `cbor:"branch_id"`
	State              string     `cbor:"state"`
	RetryCount         int        `cbor:"retry_count"`
	ReconnectExhausted bool       `cbor:"reconnect_exhausted"`
	LastReadyAt        *time.Time `cbor:"last_ready_at,omitempty"`
	LastError          string     `cbor:"last_error,omitempty"`
	UpdatedAt          *time.Time `cbor:"updated_at,omitempty"`

	PairingFingerprint string     `cbor:"pairing_fingerprint,omitempty"`
	PairingExpiresAt   *time.Time `cbor:"pairing_expires_at,omitempty"`
}

// Pairing carries a displayable pairing artifact.
type Pairing struct {
	BranchID    string    `cbor:"branch_id"`
	Code        string    `cbor:"code"`
	PNG         []byte    `cbor:"png"`
	Fingerprint string    `cbor:"fingerprint"`
	IssuedAt    time.Time `cbor:"issued_at"`
	ExpiresAt   time.Time `cbor:"expires_at"`
}

// PoolHealthResponse lists every branch the pool has seen, by branch ID.
type PoolHealthResponse struct {
	Branches []BranchStatus `cbor:"branches"`
}

func statusFromRecord(rec session.Record) *BranchStatus {
	out := &BranchStatus{
		BranchID:           rec.BranchID,
		State:              rec.State.String(),
		RetryCount:         rec.RetryCount,
		ReconnectExhausted: rec.ReconnectExhausted,
		LastReadyAt:        rec.LastReadyAt,
		LastError:          rec.LastError,
	}
	if !rec.UpdatedAt.IsZero() {
		updated := rec.UpdatedAt
		out.UpdatedAt = &updated
	}
	if rec.Pairing != nil {
		expires := rec.Pairing.ExpiresAt
		out.PairingFingerprint = rec.Pairing.Fingerprint
		out.PairingExpiresAt = &expires
	}
	return out
}

func statusFromHealth(h session.Health) BranchStatus {
	return BranchStatus{
		BranchID:           h.BranchID,
		State:              h.State.String(),
		RetryCount:         h.RetryCount,
		ReconnectExhausted: h.ReconnectExhausted,
		LastReadyAt:        h.LastReadyAt,
		LastError:          h.LastError,
	}
}

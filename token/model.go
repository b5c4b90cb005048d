package token

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyRevoked is returned when revoking a token that is already revoked.
	// Stores return it from conditional revokes that lost a race.
	ErrAlreadyRevoked = errors.New("token already revoked")
	// ErrInvalidReason is returned for revocations without a known reason.
	ErrInvalidReason = errors.New("invalid revoke reason")
	// ErrAlreadyRotated is returned when a token that already has a child is rotated again.
	ErrAlreadyRotated = errors.New("token already has a successor")
	// ErrFamilyMismatch is returned when a successor names a different family.
	ErrFamilyMismatch = errors.New("successor belongs to a different family")
)

// RevokeReason records why a token left the valid state.
type RevokeReason string

const (
	ReasonExpired            RevokeReason = "expired"
	ReasonRotated            RevokeReason = "rotated"
	ReasonLogout             RevokeReason = "logout"
	ReasonSuspiciousActivity RevokeReason = "suspicious_activity"
	ReasonFamilyCompromised  RevokeReason = "family_compromised"
	ReasonUserRequest        RevokeReason = "user_request"
	ReasonAdminAction        RevokeReason = "admin_action"
)

// Valid reports whether r is one of the defined reasons.
func (r RevokeReason) Valid() bool {
	switch r {
	case ReasonExpired, ReasonRotated, ReasonLogout, ReasonSuspiciousActivity,
		ReasonFamilyCompromised, ReasonUserRequest, ReasonAdminAction:
		return true
	default:
		return false
	}
}

// Compromise reports whether r records a security incident. Stores stamp the
// revocation time again when relabelling a token with such a reason so the
// incident falls inside FindSuspiciousActivity windows.
func (r RevokeReason) Compromise() bool {
	return r == ReasonSuspiciousActivity || r == ReasonFamilyCompromised
}

func (r RevokeReason) String() string {
	return string(r)
}

// DeviceInfo describes the client presenting a token.
type DeviceInfo struct {
	Fingerprint string
	UserAgent   string
	IPAddress   string
}

// RefreshToken is one link in a rotation lineage.
//
// TokenHash is the [Hasher] digest of the opaque value handed to the client;
// the value itself is never kept.
type RefreshToken struct {
	ID                string
	UserID            string
	TokenHash         string
	FamilyID          string
	IsRevoked         bool
	RevokedAt         *time.Time
	RevokedReason     RevokeReason
	ParentID          string
	ChildID           string
	DeviceFingerprint string
	UserAgent         string
	IPAddress         string
	ExpiresAt         time.Time
	LastUsedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsExpired reports whether the token's lifetime ended at or before now.
func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsValid reports whether the token can still be exchanged.
func (t RefreshToken) IsValid(now time.Time) bool {
	return !t.IsRevoked && !t.IsExpired(now)
}

// BelongsToFamily reports whether the token is part of familyID.
func (t RefreshToken) BelongsToFamily(familyID string) bool {
	return familyID != "" && t.FamilyID == familyID
}

// IsOrphan reports whether the token was revoked as rotated but never
// received a successor, which happens when a rotation was interrupted
// between revoking the old link and persisting the new one.
func (t RefreshToken) IsOrphan() bool {
	return t.IsRevoked && t.RevokedReason == ReasonRotated && t.ChildID == ""
}

// Revoke returns a copy of t in the revoked state.
// Revoking twice is a caller bug and yields ErrAlreadyRevoked.
func (t RefreshToken) Revoke(reason RevokeReason, now time.Time) (RefreshToken, error) {
	if !reason.Valid() {
		return t, ErrInvalidReason
	}
	if t.IsRevoked {
		return t, ErrAlreadyRevoked
	}

	at := now
	t.IsRevoked = true
	t.RevokedAt = &at
	t.RevokedReason = reason
	t.UpdatedAt = now
	return t, nil
}

// Rotate links next as the successor of t and revokes t as rotated.
// next inherits t's family; its ParentID is set to t.ID.
func (t RefreshToken) Rotate(next RefreshToken, now time.Time) (RefreshToken, RefreshToken, error) {
	if t.IsRevoked {
		return t, next, ErrAlreadyRevoked
	}
	if t.ChildID != "" {
		return t, next, ErrAlreadyRotated
	}
	if next.FamilyID != "" && next.FamilyID != t.FamilyID {
		return t, next, ErrFamilyMismatch
	}

	revoked, err := t.Revoke(ReasonRotated, now)
	if err != nil {
		return t, next, err
	}
	revoked.ChildID = next.ID

	next.FamilyID = t.FamilyID
	next.ParentID = t.ID
	return revoked, next, nil
}

// Touch returns a copy of t with LastUsedAt set to now.
func (t RefreshToken) Touch(now time.Time) RefreshToken {
	at := now
	t.LastUsedAt = &at
	t.UpdatedAt = now
	return t
}

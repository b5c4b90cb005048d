package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when no token matches the lookup.
	ErrNotFound = errors.New("token not found")
	// ErrStoreUnavailable tags backend failures so callers can tell them
	// apart from security decisions.
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// Store is the persistence port for refresh-token lineages.
//
// Implementations must make RevokeToken conditional on the token still being
// active and report ErrAlreadyRevoked otherwise; the rotation service relies
// on that single-row compare-and-set to detect concurrent presentations of the
// same value.
type Store interface {
	Create(ctx context.Context, t RefreshToken) error
	FindByToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	FindByID(ctx context.Context, id string) (*RefreshToken, error)
	FindByUserID(ctx context.Context, userID string) ([]RefreshToken, error)
	FindByFamilyID(ctx context.Context, familyID string) ([]RefreshToken, error)
	Update(ctx context.Context, t RefreshToken) error

	// RevokeToken revokes one active token.
	RevokeToken(ctx context.Context, id string, reason RevokeReason) error
	// RevokeFamily marks every member of the family revoked with reason,
	// relabelling members that were already revoked. Relabelling with a
	// Compromise reason also resets RevokedAt to now. It returns the number
	// of members touched.
	RevokeFamily(ctx context.Context, familyID string, reason RevokeReason) (int, error)
	// RevokeAllUserTokens revokes every active token of the user.
	RevokeAllUserTokens(ctx context.Context, userID string, reason RevokeReason) (int, error)
	// DeleteExpiredTokens removes tokens whose ExpiresAt has passed. On
	// partial failure it returns the count removed so far with the error.
	DeleteExpiredTokens(ctx context.Context) (int, error)

	// FindActiveTokensByUser returns non-revoked, unexpired tokens, oldest first.
	FindActiveTokensByUser(ctx context.Context, userID string) ([]RefreshToken, error)
	// FindSuspiciousActivity returns tokens revoked as suspicious_activity or
	// family_compromised within the trailing window.
	FindSuspiciousActivity(ctx context.Context, userID string, window time.Duration) ([]RefreshToken, error)
	// GetTokenChain returns the whole lineage containing tokenID, root first.
	GetTokenChain(ctx context.Context, tokenID string) ([]RefreshToken, error)
}

// Rotator is implemented by stores that can persist a rotation atomically:
// conditionally revoke old as rotated, insert next, and link old.ChildID in a
// single transaction. A lost race is reported as ErrAlreadyRevoked.
type Rotator interface {
	RotateToken(ctx context.Context, old RefreshToken, next RefreshToken) error
}

// OrderChain sorts a family into lineage order by following parent/child
// links from the root. Members that are not reachable from the root (a
// broken lineage) are appended in creation order.
func OrderChain(members []RefreshToken) []RefreshToken {
	if len(members) == 0 {
		return []RefreshToken{}
	}

	byID := make(map[string]RefreshToken, len(members))
	var root *RefreshToken
	for i := range members {
		byID[members[i].ID] = members[i]
		if members[i].ParentID == "" && (root == nil || members[i].CreatedAt.Before(root.CreatedAt)) {
			r := members[i]
			root = &r
		}
	}

	out := make([]RefreshToken, 0, len(members))
	seen := make(map[string]bool, len(members))
	if root != nil {
		cur, ok := *root, true
		for ok && !seen[cur.ID] {
			out = append(out, cur)
			seen[cur.ID] = true
			cur, ok = byID[cur.ChildID]
		}
	}

	if len(out) < len(members) {
		rest := make([]RefreshToken, 0, len(members)-len(out))
		for _, m := range members {
			if !seen[m.ID] {
				rest = append(rest, m)
			}
		}
		sortByCreated(rest)
		out = append(out, rest...)
	}
	return out
}

// SortOldestFirst orders tokens by CreatedAt, breaking ties by ID.
func SortOldestFirst(tokens []RefreshToken) {
	sortByCreated(tokens)
}

func sortByCreated(tokens []RefreshToken) {
	for i := 1; i < len(tokens); i++ {
		for j := i; j > 0 && createdBefore(tokens[j], tokens[j-1]); j-- {
			tokens[j], tokens[j-1] = tokens[j-1], tokens[j]
		}
	}
}

func createdBefore(a, b RefreshToken) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Package memstore is an in-process [token.Store] for tests and the demo
// command. It implements [token.Rotator] so rotations are atomic.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/MrEthical07/sessionguard/token"
)

// Store keeps tokens in maps guarded by one mutex.
type Store struct {
	mu     sync.Mutex
	byID   map[string]token.RefreshToken
	byHash map[string]string
	now    func() time.Time
}

var (
	_ token.Store   = (*Store)(nil)
	_ token.Rotator = (*Store)(nil)
)

// New returns an empty Store using the wall clock.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty Store that reads time from now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		byID:   make(map[string]token.RefreshToken),
		byHash: make(map[string]string),
		now:    now,
	}
}

// Len returns the number of stored tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Store) Create(ctx context.Context, t token.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(t)
}

func (s *Store) insertLocked(t token.RefreshToken) error {
	if _, ok := s.byID[t.ID]; ok {
		return errDuplicate
	}
	if _, ok := s.byHash[t.TokenHash]; ok {
		return errDuplicate
	}
	s.byID[t.ID] = t
	s.byHash[t.TokenHash] = t.ID
	return nil
}

func (s *Store) FindByToken(ctx context.Context, tokenHash string) (*token.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, token.ErrNotFound
	}
	t := s.byID[id]
	return &t, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*token.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, token.ErrNotFound
	}
	return &t, nil
}

func (s *Store) FindByUserID(ctx context.Context, userID string) ([]token.RefreshToken, error) {
	return s.filter(ctx, func(t token.RefreshToken) bool { return t.UserID == userID })
}

func (s *Store) FindByFamilyID(ctx context.Context, familyID string) ([]token.RefreshToken, error) {
	return s.filter(ctx, func(t token.RefreshToken) bool { return t.FamilyID == familyID })
}

func (s *Store) Update(ctx context.Context, t token.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[t.ID]
	if !ok {
		return token.ErrNotFound
	}
	if cur.TokenHash != t.TokenHash {
		delete(s.byHash, cur.TokenHash)
		s.byHash[t.TokenHash] = t.ID
	}
	t.UpdatedAt = s.now()
	s.byID[t.ID] = t
	return nil
}

func (s *Store) RevokeToken(ctx context.Context, id string, reason token.RevokeReason) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return token.ErrNotFound
	}
	revoked, err := cur.Revoke(reason, s.now())
	if err != nil {
		return err
	}
	s.byID[id] = revoked
	return nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string, reason token.RevokeReason) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !reason.Valid() {
		return 0, token.ErrInvalidReason
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, t := range s.byID {
		if t.FamilyID != familyID {
			continue
		}
		if !t.IsRevoked || reason.Compromise() {
			at := now
			t.IsRevoked = true
			t.RevokedAt = &at
		}
		t.RevokedReason = reason
		t.UpdatedAt = now
		s.byID[id] = t
		n++
	}
	return n, nil
}

func (s *Store) RevokeAllUserTokens(ctx context.Context, userID string, reason token.RevokeReason) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !reason.Valid() {
		return 0, token.ErrInvalidReason
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, t := range s.byID {
		if t.UserID != userID || t.IsRevoked {
			continue
		}
		revoked, err := t.Revoke(reason, now)
		if err != nil {
			return n, err
		}
		s.byID[id] = revoked
		n++
	}
	return n, nil
}

func (s *Store) DeleteExpiredTokens(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, t := range s.byID {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !t.IsExpired(now) {
			continue
		}
		delete(s.byHash, t.TokenHash)
		delete(s.byID, id)
		n++
	}
	return n, nil
}

func (s *Store) FindActiveTokensByUser(ctx context.Context, userID string) ([]token.RefreshToken, error) {
	now := s.now()
	return s.filter(ctx, func(t token.RefreshToken) bool {
		return t.UserID == userID && t.IsValid(now)
	})
}

func (s *Store) FindSuspiciousActivity(ctx context.Context, userID string, window time.Duration) ([]token.RefreshToken, error) {
	since := s.now().Add(-window)
	return s.filter(ctx, func(t token.RefreshToken) bool {
		if t.UserID != userID || !t.IsRevoked || t.RevokedAt == nil || t.RevokedAt.Before(since) {
			return false
		}
		return t.RevokedReason.Compromise()
	})
}

func (s *Store) GetTokenChain(ctx context.Context, tokenID string) ([]token.RefreshToken, error) {
	t, err := s.FindByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	members, err := s.FindByFamilyID(ctx, t.FamilyID)
	if err != nil {
		return nil, err
	}
	return token.OrderChain(members), nil
}

// RotateToken revokes old as rotated, inserts next and links them under one
// lock. It fails with [token.ErrAlreadyRevoked] if old is no longer active.
func (s *Store) RotateToken(ctx context.Context, old token.RefreshToken, next token.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[old.ID]
	if !ok {
		return token.ErrNotFound
	}
	revoked, linked, err := cur.Rotate(next, s.now())
	if err != nil {
		return err
	}
	if err := s.insertLocked(linked); err != nil {
		return err
	}
	s.byID[old.ID] = revoked
	return nil
}

func (s *Store) filter(ctx context.Context, keep func(token.RefreshToken) bool) ([]token.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]token.RefreshToken, 0)
	for _, t := range s.byID {
		if keep(t) {
			out = append(out, t)
		}
	}
	token.SortOldestFirst(out)
	return out, nil
}

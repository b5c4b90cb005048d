package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/sessionguard/token"
)

func seed(t *testing.T, s *Store, id, user, family string, created, expires time.Time) token.RefreshToken {
	t.Helper()
	tok := token.RefreshToken{
		ID:        id,
		UserID:    user,
		TokenHash: "hash-" + id,
		FamilyID:  family,
		ExpiresAt: expires,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := s.Create(context.Background(), tok); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return tok
}

func TestRevokeTokenIsConditional(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewWithClock(func() time.Time { return now })
	ctx := context.Background()
	seed(t, s, "a", "u", "f", now, now.Add(time.Hour))

	if err := s.RevokeToken(ctx, "a", token.ReasonLogout); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := s.RevokeToken(ctx, "a", token.ReasonLogout); !errors.Is(err, token.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	if err := s.RevokeToken(ctx, "missing", token.ReasonLogout); !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateTokenSingleWinner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewWithClock(func() time.Time { return now })
	old := seed(t, s, "root", "u", "f", now, now.Add(time.Hour))

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		next := token.RefreshToken{
			ID:        "next-" + string(rune('a'+i)),
			UserID:    "u",
			TokenHash: "hash-next-" + string(rune('a'+i)),
			ExpiresAt: now.Add(time.Hour),
			CreatedAt: now,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RotateToken(context.Background(), old, next)
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, token.ErrAlreadyRevoked):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 tokens, got %d", s.Len())
	}
}

func TestRevokeFamilyRelabelsEveryMember(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewWithClock(func() time.Time { return now })
	ctx := context.Background()
	seed(t, s, "a", "u", "f", now, now.Add(time.Hour))
	seed(t, s, "b", "u", "f", now.Add(time.Second), now.Add(time.Hour))
	seed(t, s, "other", "u", "g", now, now.Add(time.Hour))
	if err := s.RevokeToken(ctx, "a", token.ReasonRotated); err != nil {
		t.Fatalf("revoke a: %v", err)
	}

	n, err := s.RevokeFamily(ctx, "f", token.ReasonFamilyCompromised)
	if err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 members touched, got %d", n)
	}
	members, _ := s.FindByFamilyID(ctx, "f")
	for _, m := range members {
		if !m.IsRevoked || m.RevokedReason != token.ReasonFamilyCompromised {
			t.Fatalf("member %s not compromised: %+v", m.ID, m)
		}
	}
	other, _ := s.FindByID(ctx, "other")
	if other.IsRevoked {
		t.Fatal("unrelated family revoked")
	}

	suspicious, err := s.FindSuspiciousActivity(ctx, "u", time.Hour)
	if err != nil {
		t.Fatalf("suspicious: %v", err)
	}
	if len(suspicious) != 2 {
		t.Fatalf("expected 2 suspicious tokens, got %d", len(suspicious))
	}
}

func TestActiveTokensAndCleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	s := NewWithClock(func() time.Time { return clock })
	ctx := context.Background()
	seed(t, s, "old", "u", "f1", now, now.Add(time.Minute))
	seed(t, s, "new", "u", "f2", now.Add(time.Second), now.Add(time.Hour))

	active, err := s.FindActiveTokensByUser(ctx, "u")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 || active[0].ID != "old" {
		t.Fatalf("expected oldest first, got %+v", active)
	}

	clock = now.Add(2 * time.Minute)
	removed, err := s.DeleteExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.FindByToken(ctx, "hash-old"); !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("expected expired token gone, got %v", err)
	}
}

func TestCompromiseRelabelRestampsRevokedAt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewWithClock(func() time.Time { return now })
	ctx := context.Background()
	seed(t, s, "a", "u", "f", now, now.Add(72*time.Hour))
	if err := s.RevokeToken(ctx, "a", token.ReasonLogout); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	now = now.Add(48 * time.Hour)
	if _, err := s.RevokeFamily(ctx, "f", token.ReasonFamilyCompromised); err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	got, _ := s.FindByID(ctx, "a")
	if got.RevokedAt == nil || !got.RevokedAt.Equal(now) {
		t.Fatalf("relabel must restamp revoked_at, got %v", got.RevokedAt)
	}
	suspicious, err := s.FindSuspiciousActivity(ctx, "u", time.Hour)
	if err != nil || len(suspicious) != 1 {
		t.Fatalf("expected the relabelled token in the window, got %v, %v", suspicious, err)
	}

	stamped := now
	now = now.Add(time.Hour)
	if _, err := s.RevokeFamily(ctx, "f", token.ReasonExpired); err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	again, _ := s.FindByID(ctx, "a")
	if !again.RevokedAt.Equal(stamped) {
		t.Fatal("non-compromise relabel must keep revoked_at")
	}
}

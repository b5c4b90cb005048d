//go:build integration
// +build integration

package test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrEthical07/sessionguard"
	"github.com/MrEthical07/sessionguard/anomaly"
	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/ratelimit"
	"github.com/MrEthical07/sessionguard/token"
)

var kiosk = token.DeviceInfo{Fingerprint: "fp-kiosk-3", UserAgent: "Mozilla/5.0", IPAddress: "10.4.0.3"}

func TestReplayRevokesFamily(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			rdb, db, cleanup := b.setup(t)
			defer cleanup()
			g, sink := newGuard(t, rdb, db, nil)
			ctx := context.Background()

			t1, err := g.Tokens().CreateTokenPair(ctx, "staff-1", nil, kiosk)
			if err != nil {
				t.Fatalf("login: %v", err)
			}
			t2, err := g.Tokens().RotateTokens(ctx, t1.RefreshToken, nil, kiosk)
			if err != nil {
				t.Fatalf("rotate: %v", err)
			}

			if _, err := g.Tokens().RotateTokens(ctx, t1.RefreshToken, nil, kiosk); !errors.Is(err, sessionguard.ErrTokenReplay) {
				t.Fatalf("expected replay, got %v", err)
			}
			if _, err := g.Tokens().RotateTokens(ctx, t2.RefreshToken, nil, kiosk); !errors.Is(err, sessionguard.ErrTokenReplay) {
				t.Fatalf("expected revoked successor, got %v", err)
			}

			chain, err := g.Tokens().GetTokenChain(ctx, t2.TokenID)
			if err != nil {
				t.Fatalf("chain: %v", err)
			}
			if len(chain) != 2 || chain[0].ID != t1.TokenID || chain[1].ID != t2.TokenID {
				t.Fatalf("unexpected chain %+v", chain)
			}
			for _, rt := range chain {
				if !rt.IsRevoked {
					t.Fatalf("token %s still active", rt.ID)
				}
			}
			if len(sink.OfType(audit.EventTokenReplay)) == 0 {
				t.Fatal("expected replay audit record")
			}
		})
	}
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			rdb, db, cleanup := b.setup(t)
			defer cleanup()
			g, _ := newGuard(t, rdb, db, nil)
			ctx := context.Background()

			pair, err := g.Tokens().CreateTokenPair(ctx, "staff-2", nil, kiosk)
			if err != nil {
				t.Fatalf("login: %v", err)
			}

			const workers = 8
			start := make(chan struct{})
			errs := make(chan error, workers)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := g.Tokens().RotateTokens(ctx, pair.RefreshToken, nil, kiosk)
					errs <- err
				}()
			}
			close(start)
			wg.Wait()
			close(errs)

			winners := 0
			for err := range errs {
				switch {
				case err == nil:
					winners++
				case errors.Is(err, sessionguard.ErrTokenReplay):
				default:
					t.Fatalf("unexpected error %v", err)
				}
			}
			if winners != 1 {
				t.Fatalf("expected exactly one winner, got %d", winners)
			}
		})
	}
}

func TestBruteForceBlocksRequests(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			rdb, db, cleanup := b.setup(t)
			defer cleanup()
			g, _ := newGuard(t, rdb, db, nil)
			ctx := context.Background()

			var last *anomaly.Evaluation
			for i := 0; i < 6; i++ {
				ev, err := g.Detector().TrackEvent(ctx, anomaly.Event{
					IPAddress: "192.0.2.1",
					Type:      anomaly.EventLoginFailed,
					Metadata:  map[string]string{anomaly.MetaUsername: "admin"},
				})
				if err != nil {
					t.Fatalf("track: %v", err)
				}
				last = ev
			}
			if !last.Has("rapid_login_attempts") {
				t.Fatalf("expected rapid login detection, got %+v", last.Triggered)
			}

			r := httptest.NewRequest(http.MethodGet, "/visitors", nil)
			rec := httptest.NewRecorder()
			g.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("blocked address reached the handler")
			})).ServeHTTP(rec, r)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d", rec.Code)
			}
		})
	}
}

func TestLoginBudgetAndBan(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			rdb, db, cleanup := b.setup(t)
			defer cleanup()
			g, _ := newGuard(t, rdb, db, nil)
			ctx := context.Background()

			l, err := g.Limits().Get(ratelimit.RuleLogin)
			if err != nil {
				t.Fatal(err)
			}
			for i := 1; i <= 6; i++ {
				res, err := l.Allow(ctx, "ip:198.51.100.23")
				if err != nil {
					t.Fatalf("allow: %v", err)
				}
				if res.Allowed != (i <= 5) {
					t.Fatalf("attempt %d: allowed=%t", i, res.Allowed)
				}
			}

			if _, err := g.Limits().TemporaryBan(ctx, "198.51.100.23", 10, "login budget exhausted"); err != nil {
				t.Fatalf("ban: %v", err)
			}
			ban, err := g.Limits().IsBanned(ctx, "198.51.100.23")
			if err != nil || ban == nil || ban.Reason != "login budget exhausted" {
				t.Fatalf("expected ban, got %+v %v", ban, err)
			}
		})
	}
}

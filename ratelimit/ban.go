package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/kv"
	"github.com/MrEthical07/sessionguard/metrics"
)

// Ban is a stored temporary ban.
type Ban struct {
	Identifier string    `json:"-"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TemporaryBan bans identifier (an IP, user id or email) for minutes.
// Banning again replaces the previous record.
func (m *Manager) TemporaryBan(ctx context.Context, identifier string, minutes int, reason string) (*Ban, error) {
	if identifier == "" || minutes <= 0 {
		return nil, ErrInvalidBan
	}
	ttl := time.Duration(minutes) * time.Minute
	now := m.now().UTC()
	ban := &Ban{
		Identifier: identifier,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	raw, err := json.Marshal(ban)
	if err != nil {
		return nil, fmt.Errorf("encode ban: %w", err)
	}
	if err := m.store.Set(ctx, m.banKey(identifier), string(raw), ttl); err != nil {
		return nil, err
	}

	m.m.Inc(metrics.BanIssued)
	m.logger.WarnContext(ctx, "temporary ban issued", "identifier", identifier, "minutes", minutes, "reason", reason)
	m.audit.Log(ctx, audit.Event{
		Type:        audit.EventTemporaryBan,
		Severity:    audit.SeverityHigh,
		Description: reason,
		Metadata: map[string]string{
			"identifier": identifier,
			"expires_at": ban.ExpiresAt.Format(time.RFC3339),
		},
	})
	return ban, nil
}

// IsBanned returns the active ban of identifier, or nil.
func (m *Manager) IsBanned(ctx context.Context, identifier string) (*Ban, error) {
	if identifier == "" {
		return nil, nil
	}
	raw, err := m.store.Get(ctx, m.banKey(identifier))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ban := &Ban{Identifier: identifier}
	if err := json.Unmarshal([]byte(raw), ban); err != nil {
		// a record exists, so the subject stays banned
		m.logger.WarnContext(ctx, "unreadable ban record", "identifier", identifier, "error", err)
		ban.Reason = "unreadable ban record"
	}
	return ban, nil
}

// Unban removes the ban of identifier.
func (m *Manager) Unban(ctx context.Context, identifier string) error {
	if identifier == "" {
		return nil
	}
	return m.store.Del(ctx, m.banKey(identifier))
}

func (m *Manager) banKey(identifier string) string {
	return m.cfg.BanPrefix + ":" + identifier
}

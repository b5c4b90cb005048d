// Package gormstore is the relational [token.Store] adapter. It runs on any
// GORM dialect the migrations support (Postgres in production, SQLite in
// tests) and implements [token.Rotator] with a single transaction.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/MrEthical07/sessionguard/token"
)

type refreshTokenRow struct {
	ID                string `gorm:"primaryKey"`
	UserID            string `gorm:"not null;index"`
	TokenHash         string `gorm:"uniqueIndex;not null"`
	FamilyID          string `gorm:"not null;index"`
	IsRevoked         bool   `gorm:"not null;default:false"`
	RevokedAt         *time.Time
	RevokedReason     string
	ParentID          string
	ChildID           string
	DeviceFingerprint string
	UserAgent         string
	IPAddress         string
	ExpiresAt         time.Time `gorm:"not null;index"`
	LastUsedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (refreshTokenRow) TableName() string {
	return "refresh_tokens"
}

// Store persists refresh tokens through GORM.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ token.Store   = (*Store)(nil)
	_ token.Rotator = (*Store)(nil)
)

// New returns a Store over db. Run [Migrate] first.
func New(db *gorm.DB) *Store {
	return NewWithClock(db, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(db *gorm.DB, now func() time.Time) *Store {
	return &Store{db: db, now: func() time.Time { return now().UTC() }}
}

func (s *Store) Create(ctx context.Context, t token.RefreshToken) error {
	row := toRow(t)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) FindByToken(ctx context.Context, tokenHash string) (*token.RefreshToken, error) {
	return s.first(ctx, "token_hash = ?", tokenHash)
}

func (s *Store) FindByID(ctx context.Context, id string) (*token.RefreshToken, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Store) FindByUserID(ctx context.Context, userID string) ([]token.RefreshToken, error) {
	return s.find(s.db.WithContext(ctx).Where("user_id = ?", userID))
}

func (s *Store) FindByFamilyID(ctx context.Context, familyID string) ([]token.RefreshToken, error) {
	return s.find(s.db.WithContext(ctx).Where("family_id = ?", familyID))
}

func (s *Store) Update(ctx context.Context, t token.RefreshToken) error {
	row := toRow(t)
	row.UpdatedAt = s.now()
	res := s.db.WithContext(ctx).Model(&refreshTokenRow{}).Where("id = ?", t.ID).Updates(map[string]any{
		"token_hash":         row.TokenHash,
		"is_revoked":         row.IsRevoked,
		"revoked_at":         row.RevokedAt,
		"revoked_reason":     row.RevokedReason,
		"parent_id":          row.ParentID,
		"child_id":           row.ChildID,
		"device_fingerprint": row.DeviceFingerprint,
		"user_agent":         row.UserAgent,
		"ip_address":         row.IPAddress,
		"expires_at":         row.ExpiresAt,
		"last_used_at":       row.LastUsedAt,
		"updated_at":         row.UpdatedAt,
	})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return token.ErrNotFound
	}
	return nil
}

// RevokeToken is a conditional update on is_revoked; losing the race yields
// [token.ErrAlreadyRevoked].
func (s *Store) RevokeToken(ctx context.Context, id string, reason token.RevokeReason) error {
	if !reason.Valid() {
		return token.ErrInvalidReason
	}
	return s.revokeOne(s.db.WithContext(ctx), id, reason, "")
}

func (s *Store) revokeOne(tx *gorm.DB, id string, reason token.RevokeReason, childID string) error {
	now := s.now()
	updates := map[string]any{
		"is_revoked":     true,
		"revoked_at":     now,
		"revoked_reason": string(reason),
		"updated_at":     now,
	}
	q := tx.Model(&refreshTokenRow{}).Where("id = ? AND is_revoked = ?", id, false)
	if childID != "" {
		updates["child_id"] = childID
		q = q.Where("child_id = ?", "")
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := tx.Model(&refreshTokenRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return unavailable(err)
	}
	if count == 0 {
		return token.ErrNotFound
	}
	return token.ErrAlreadyRevoked
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string, reason token.RevokeReason) (int, error) {
	if !reason.Valid() {
		return 0, token.ErrInvalidReason
	}
	now := s.now()
	var touched int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		active := tx.Model(&refreshTokenRow{}).
			Where("family_id = ? AND is_revoked = ?", familyID, false).
			Updates(map[string]any{"is_revoked": true, "revoked_at": now})
		if active.Error != nil {
			return active.Error
		}
		relabel := map[string]any{"revoked_reason": string(reason), "updated_at": now}
		if reason.Compromise() {
			relabel["revoked_at"] = now
		}
		all := tx.Model(&refreshTokenRow{}).
			Where("family_id = ?", familyID).
			Updates(relabel)
		if all.Error != nil {
			return all.Error
		}
		touched = all.RowsAffected
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return int(touched), nil
}

func (s *Store) RevokeAllUserTokens(ctx context.Context, userID string, reason token.RevokeReason) (int, error) {
	if !reason.Valid() {
		return 0, token.ErrInvalidReason
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&refreshTokenRow{}).
		Where("user_id = ? AND is_revoked = ?", userID, false).
		Updates(map[string]any{
			"is_revoked":     true,
			"revoked_at":     now,
			"revoked_reason": string(reason),
			"updated_at":     now,
		})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) DeleteExpiredTokens(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&refreshTokenRow{})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) FindActiveTokensByUser(ctx context.Context, userID string) ([]token.RefreshToken, error) {
	return s.find(s.db.WithContext(ctx).
		Where("user_id = ? AND is_revoked = ? AND expires_at > ?", userID, false, s.now()))
}

func (s *Store) FindSuspiciousActivity(ctx context.Context, userID string, window time.Duration) ([]token.RefreshToken, error) {
	reasons := []string{string(token.ReasonSuspiciousActivity), string(token.ReasonFamilyCompromised)}
	return s.find(s.db.WithContext(ctx).
		Where("user_id = ? AND is_revoked = ? AND revoked_reason IN ? AND revoked_at >= ?",
			userID, true, reasons, s.now().Add(-window)))
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

// RotateToken revokes old, links it to next and inserts next in one
// transaction.
func (s *Store) RotateToken(ctx context.Context, old token.RefreshToken, next token.RefreshToken) error {
	_, linked, err := old.Rotate(next, s.now())
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.revokeOne(tx, old.ID, token.ReasonRotated, linked.ID); err != nil {
			return err
		}
		row := toRow(linked)
		if err := tx.Create(&row).Error; err != nil {
			return unavailable(err)
		}
		return nil
	})
}

func (s *Store) first(ctx context.Context, query string, arg any) (*token.RefreshToken, error) {
	var row refreshTokenRow
	err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, token.ErrNotFound
		}
		return nil, unavailable(err)
	}
	t := fromRow(row)
	return &t, nil
}

func (s *Store) find(q *gorm.DB) ([]token.RefreshToken, error) {
	var rows []refreshTokenRow
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}
	out := make([]token.RefreshToken, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", token.ErrStoreUnavailable, err)
}

func toRow(t token.RefreshToken) refreshTokenRow {
	return refreshTokenRow{
		ID:                t.ID,
		UserID:            t.UserID,
		TokenHash:         t.TokenHash,
		FamilyID:          t.FamilyID,
		IsRevoked:         t.IsRevoked,
		RevokedAt:         utcPtr(t.RevokedAt),
		RevokedReason:     string(t.RevokedReason),
		ParentID:          t.ParentID,
		ChildID:           t.ChildID,
		DeviceFingerprint: t.DeviceFingerprint,
		UserAgent:         t.UserAgent,
		IPAddress:         t.IPAddress,
		ExpiresAt:         t.ExpiresAt.UTC(),
		LastUsedAt:        utcPtr(t.LastUsedAt),
		CreatedAt:         t.CreatedAt.UTC(),
		UpdatedAt:         t.UpdatedAt.UTC(),
	}
}

func fromRow(r refreshTokenRow) token.RefreshToken {
	return token.RefreshToken{
		ID:                r.ID,
		UserID:            r.UserID,
		TokenHash:         r.TokenHash,
		FamilyID:          r.FamilyID,
		IsRevoked:         r.IsRevoked,
		RevokedAt:         r.RevokedAt,
		RevokedReason:     token.RevokeReason(r.RevokedReason),
		ParentID:          r.ParentID,
		ChildID:           r.ChildID,
		DeviceFingerprint: r.DeviceFingerprint,
		UserAgent:         r.UserAgent,
		IPAddress:         r.IPAddress,
		ExpiresAt:         r.ExpiresAt,
		LastUsedAt:        r.LastUsedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// ErrInvalidRefreshToken is returned for unknown, revoked or expired
// refresh tokens.
var ErrInvalidRefreshToken = errors.New("refresh token is invalid or expired")

// RefreshStore persists refresh tokens. Only their SHA-256 hash is stored.
type RefreshStore struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewRefreshStore returns a RefreshStore issuing tokens valid for ttl.
func NewRefreshStore(gdb *gorm.DB, ttl time.Duration, now func() time.Time) *RefreshStore {
	if now == nil {
		now = time.Now
	}
	return &RefreshStore{db: gdb, ttl: ttl, now: now}
}

// Issue generates a refresh token for userID and returns it in plain text.
func (s *RefreshStore) Issue(ctx context.Context, userID string) (string, error) {
	return s.issue(s.db.WithContext(ctx), userID)
}

func (s *RefreshStore) issue(gdb *gorm.DB, userID string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	raw := hex.EncodeToString(b)
	rt := &model.RefreshToken{UserID: userID, TokenHash: hashToken(raw), ExpiresAt: s.now().Add(s.ttl)}
	if err := gdb.Create(rt).Error; err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return raw, nil
}

// Rotate revokes raw and issues its replacement. It returns the new token
// and the owning user id.
func (s *RefreshStore) Rotate(ctx context.Context, raw string) (token, userID string, err error) {
	err = db.Transaction(ctx, s.db, func(tx *db.Tx) error {
		var rt model.RefreshToken
		if err := db.ForUpdate(tx.DB).Limit(1).Find(&rt, "token_hash = ?", hashToken(raw)).Error; err != nil {
			return fmt.Errorf("load refresh token: %w", err)
		}
		now := s.now()
		if rt.ID == "" || rt.RevokedAt != nil || now.After(rt.ExpiresAt) {
			return ErrInvalidRefreshToken
		}
		if err := tx.Model(&rt).Update("revoked_at", now).Error; err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
		userID = rt.UserID
		token, err = s.issue(tx.DB, rt.UserID)
		return err
	})
	if err != nil {
		return "", "", err
	}
	return token, userID, nil
}

// Revoke marks raw as revoked. Unknown tokens are ignored.
func (s *RefreshStore) Revoke(ctx context.Context, raw string) error {
	return s.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", hashToken(raw)).
		Update("revoked_at", s.now()).Error
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

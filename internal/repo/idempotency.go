// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for POST endpoints.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/domain"
)

// replayTTL is how long a recorded (key → order) binding stays replayable
// when the caller does not choose a TTL.
const replayTTL = 24 * time.Hour

// ReplayStore adapts the idempotency table into the replay collaborator the
// order endpoints consume: FindOrder resolves a retried request back to the
// order the first attempt produced, Record binds a fresh key to its order.
type ReplayStore struct {
	DB  *gorm.DB
	TTL time.Duration // defaults to replayTTL
}

// FindOrder returns the order a live idempotency record points at, scoped to
// the owning user. A miss, an expired record, or a dangling order id all
// return an error so the caller falls through to normal processing.
func (s *ReplayStore) FindOrder(ctx context.Context, userID, scope, key string) (*domain.Order, error) {
	rec, err := GetIdempotency(ctx, s.DB, userID, scope, key, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return GetOrderForUser(ctx, s.DB, rec.OrderID, userID)
}

// Record persists the binding. A concurrent insert of the same key is not an
// error; the first writer wins and both requests replay the same order.
func (s *ReplayStore) Record(ctx context.Context, userID, scope, key, orderID string, status int) error {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = replayTTL
	}
	_, err := CreateIdempotency(ctx, s.DB, userID, scope, key, orderID, status, ttl)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, scope, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND key = ? AND expires_at > ?", userID, scope, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, userID, scope, key, orderID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		UserID:    userID,
		Scope:     scope,
		Key:       key,
		OrderID:   orderID,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

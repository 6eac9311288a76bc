// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for discount codes
// and their usage records.
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

// ErrDuplicate indicates that a row already exists for a unique tuple
// (discount usage per order, idempotency key, ...).
var ErrDuplicate = errors.New("duplicate")

// GetDiscountCode returns a discount code by its public code string.
func GetDiscountCode(ctx context.Context, db *gorm.DB, code string) (*domain.DiscountCode, error) {
	var dc domain.DiscountCode
	err := db.WithContext(ctx).
		Where("code = ?", code).
		First(&dc).Error
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

// RecordDiscountUsage inserts a DiscountUsage row for (discountCodeID,
// orderID) and increments the code's used_count, atomically. The unique
// index on the pair makes the operation idempotent: a second attempt (the
// losing completion path) returns ErrDuplicate and leaves the counter
// untouched.
func RecordDiscountUsage(ctx context.Context, db *gorm.DB, discountCodeID, orderID, userID string, amount int64) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u := &domain.DiscountUsage{
			ID:             uuid.NewString(),
			DiscountCodeID: discountCodeID,
			OrderID:        orderID,
			UserID:         userID,
			Amount:         amount,
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.Create(u).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return tx.Model(&domain.DiscountCode{}).
			Where("id = ?", discountCodeID).
			UpdateColumn("used_count", gorm.Expr("used_count + ?", 1)).Error
	})
}

// isUniqueViolation detects unique-constraint violations across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}

// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only bookkeeping tables:
// refunds and processing errors.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/domain"
)

// CreateRefund appends a refund record for an order.
func CreateRefund(ctx context.Context, db *gorm.DB, orderID, gatewayRefundID string, amount int64, currency, reason, status string) (*domain.Refund, error) {
	r := &domain.Refund{
		ID:              uuid.NewString(),
		OrderID:         orderID,
		GatewayRefundID: gatewayRefundID,
		Amount:          amount,
		Currency:        currency,
		Reason:          reason,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// ListRefunds returns all refunds for an order, oldest first.
func ListRefunds(ctx context.Context, db *gorm.DB, orderID string) ([]domain.Refund, error) {
	var out []domain.Refund
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// AppendProcessingError logs a failed fulfillment or refund attempt. The
// retry count is the number of prior entries for the same order and stage,
// so the log doubles as the retry bookkeeping.
func AppendProcessingError(ctx context.Context, db *gorm.DB, orderID, stage, errMsg string) (*domain.ProcessingError, error) {
	now := time.Now().UTC()
	var prior int64
	if err := db.WithContext(ctx).
		Model(&domain.ProcessingError{}).
		Where("order_id = ? AND stage = ?", orderID, stage).
		Count(&prior).Error; err != nil {
		return nil, err
	}
	pe := &domain.ProcessingError{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Stage:       stage,
		Error:       errMsg,
		RetryCount:  int(prior),
		LastAttempt: now,
		CreatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(pe).Error; err != nil {
		return nil, err
	}
	return pe, nil
}

// ListProcessingErrors returns a page of the error log for an order, newest
// first. The caller computes offset and limit.
func ListProcessingErrors(ctx context.Context, db *gorm.DB, orderID string, offset, limit int) ([]domain.ProcessingError, error) {
	var out []domain.ProcessingError
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/printforge/go-orders-backend/internal/domain"
)

func TestAppendProcessingError_RetryCountPerStage(t *testing.T) {
	db := newOrderRepoDB(t, &domain.ProcessingError{})
	orderID := uuid.NewString()

	first, err := AppendProcessingError(context.Background(), db, orderID, "submit_fulfillment", "partner 502")
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if first.RetryCount != 0 {
		t.Fatalf("first attempt should have retry_count=0, got %d", first.RetryCount)
	}

	second, err := AppendProcessingError(context.Background(), db, orderID, "submit_fulfillment", "partner 502 again")
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.RetryCount != 1 {
		t.Fatalf("second attempt should have retry_count=1, got %d", second.RetryCount)
	}

	// A different stage starts its own count.
	other, err := AppendProcessingError(context.Background(), db, orderID, "refund", "gateway timeout")
	if err != nil {
		t.Fatalf("other stage: %v", err)
	}
	if other.RetryCount != 0 {
		t.Fatalf("different stage should start at 0, got %d", other.RetryCount)
	}
}

func TestListProcessingErrors_NewestFirstPaged(t *testing.T) {
	db := newOrderRepoDB(t, &domain.ProcessingError{})
	orderID := uuid.NewString()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		pe := &domain.ProcessingError{
			ID:      uuid.NewString(),
			OrderID: orderID,
			Stage:   "submit_fulfillment",
			Error:   fmt.Sprintf("attempt %d", i),
			// Spread created_at so ordering is deterministic.
			LastAttempt: base.Add(time.Duration(i) * time.Minute),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(pe).Error; err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	page, err := ListProcessingErrors(context.Background(), db, orderID, 0, 2)
	if err != nil {
		t.Fatalf("ListProcessingErrors: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page))
	}
	if page[0].Error != "attempt 4" || page[1].Error != "attempt 3" {
		t.Fatalf("expected newest first, got %q, %q", page[0].Error, page[1].Error)
	}

	rest, err := ListProcessingErrors(context.Background(), db, orderID, 4, 10)
	if err != nil {
		t.Fatalf("offset page: %v", err)
	}
	if len(rest) != 1 || rest[0].Error != "attempt 0" {
		t.Fatalf("expected the oldest entry last, got %+v", rest)
	}
}

func TestCreateRefund_AndList(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Refund{})
	orderID := uuid.NewString()

	if _, err := CreateRefund(context.Background(), db, orderID, "re-1", 5398, "EUR", "order canceled", "succeeded"); err != nil {
		t.Fatalf("CreateRefund: %v", err)
	}
	if _, err := CreateRefund(context.Background(), db, orderID, "re-2", 400, "EUR", "shipping downgrade", "succeeded"); err != nil {
		t.Fatalf("CreateRefund 2: %v", err)
	}

	got, err := ListRefunds(context.Background(), db, orderID)
	if err != nil {
		t.Fatalf("ListRefunds: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 refunds, got %d", len(got))
	}
	if got[0].GatewayRefundID != "re-1" || got[1].Amount != 400 {
		t.Fatalf("unexpected refund rows: %+v", got)
	}
}

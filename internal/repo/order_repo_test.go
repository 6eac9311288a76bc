package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/printforge/go-orders-backend/internal/domain"
)

func newOrderRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("order_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Concurrent claimants hit the same file; let writers wait instead of
	// failing with SQLITE_BUSY.
	db.Exec("PRAGMA busy_timeout=5000;")

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedOrder(t *testing.T, db *gorm.DB, mutate ...func(*domain.Order)) *domain.Order {
	t.Helper()
	o := &domain.Order{
		UserID:         "u1",
		Status:         domain.OrderStatusPending,
		TotalPrice:     5398,
		Currency:       "EUR",
		ShippingMethod: domain.ShippingStandard,
		Recipient: domain.Recipient{
			Name: "Jane Doe", Address1: "Musterstr. 1", City: "Berlin",
			Country: "DE", Zip: "10115",
		},
		Items: []domain.OrderItem{
			{SKU: "US-TEE-SS-ABC123", Copies: 2, UnitPrice: 2499, Size: "m", Color: "black", DesignURL: "https://cdn.example.com/d1.png"},
		},
	}
	for _, fn := range mutate {
		fn(o)
	}
	if err := CreateOrder(context.Background(), db, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func TestCreateOrder_AssignsIDsAndDefaults(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})

	o := seedOrder(t, db)
	if o.ID == "" {
		t.Fatalf("expected order id to be assigned")
	}
	if o.Items[0].ID == "" || o.Items[0].OrderID != o.ID {
		t.Fatalf("expected item linked to order, got %+v", o.Items[0])
	}

	got, err := GetOrder(context.Background(), db, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].SKU != "US-TEE-SS-ABC123" {
		t.Fatalf("expected preloaded items, got %+v", got.Items)
	}
	if got.Metadata == nil {
		t.Fatalf("expected non-nil metadata bag")
	}
}

func TestGetOrderForUser_EnforcesOwnership(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	if _, err := GetOrderForUser(context.Background(), db, o.ID, "u1"); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := GetOrderForUser(context.Background(), db, o.ID, "intruder"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}
}

func TestTryClaimOrder_AcquireThenHeld(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)
	now := time.Now().UTC()

	res, err := TryClaimOrder(context.Background(), db, o.ID, "tok-1", now, 5*time.Minute)
	if err != nil || res != ClaimAcquired {
		t.Fatalf("first claim: res=%v err=%v", res, err)
	}

	// A second claimant inside the lease window must be refused.
	res, err = TryClaimOrder(context.Background(), db, o.ID, "tok-2", now.Add(time.Minute), 5*time.Minute)
	if err != nil || res != ClaimAlreadyHeld {
		t.Fatalf("second claim: res=%v err=%v", res, err)
	}

	got, err := GetOrder(context.Background(), db, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Metadata.GetString(domain.MetaClaimKey) != "tok-1" {
		t.Fatalf("expected winner token persisted, got %q", got.Metadata.GetString(domain.MetaClaimKey))
	}
}

func TestTryClaimOrder_StaleLeaseBoundary(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)
	start := time.Now().UTC()
	lease := 5 * time.Minute

	if res, err := TryClaimOrder(context.Background(), db, o.ID, "tok-1", start, lease); err != nil || res != ClaimAcquired {
		t.Fatalf("seed claim: res=%v err=%v", res, err)
	}

	// One nanosecond before expiry the claim is still live.
	res, err := TryClaimOrder(context.Background(), db, o.ID, "tok-2", start.Add(lease-time.Nanosecond), lease)
	if err != nil || res != ClaimAlreadyHeld {
		t.Fatalf("claim just inside lease: res=%v err=%v", res, err)
	}

	// At exactly lease age the claim is stale and may be overridden.
	res, err = TryClaimOrder(context.Background(), db, o.ID, "tok-3", start.Add(lease), lease)
	if err != nil || res != ClaimAcquired {
		t.Fatalf("stale override: res=%v err=%v", res, err)
	}

	got, _ := GetOrder(context.Background(), db, o.ID)
	if got.Metadata.GetString(domain.MetaClaimKey) != "tok-3" {
		t.Fatalf("expected override token, got %q", got.Metadata.GetString(domain.MetaClaimKey))
	}
}

func TestTryClaimOrder_CanceledOrder(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db, func(o *domain.Order) { o.Status = domain.OrderStatusCanceled })

	if _, err := TryClaimOrder(context.Background(), db, o.ID, "tok", time.Now().UTC(), time.Minute); err != ErrOrderCanceled {
		t.Fatalf("expected ErrOrderCanceled, got %v", err)
	}
}

func TestTryClaimOrder_AlreadyFulfilled(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	if err := SetFulfillmentOrder(context.Background(), db, o.ID, "pf-1", nil); err != nil {
		t.Fatalf("SetFulfillmentOrder: %v", err)
	}
	res, err := TryClaimOrder(context.Background(), db, o.ID, "tok", time.Now().UTC(), time.Minute)
	if err != nil || res != ClaimAlreadyFulfilled {
		t.Fatalf("expected ClaimAlreadyFulfilled, got res=%v err=%v", res, err)
	}
}

func TestTryClaimOrder_ConcurrentSingleWinner(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)
	now := time.Now().UTC()

	const claimants = 8
	results := make([]ClaimOutcome, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := TryClaimOrder(context.Background(), db, o.ID, fmt.Sprintf("tok-%d", i), now, 5*time.Minute)
			if err != nil {
				t.Errorf("claimant %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, r := range results {
		if r == ClaimAcquired {
			acquired++
		}
	}
	if acquired != 1 {
		t.Fatalf("expected exactly one winner, got %d (results=%v)", acquired, results)
	}
}

func TestSetFulfillmentOrder_SetOnce(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	if _, err := TryClaimOrder(context.Background(), db, o.ID, "tok", time.Now().UTC(), time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := SetFulfillmentOrder(context.Background(), db, o.ID, "pf-1", domain.JSONMap{domain.MetaFulfillmentStatus: "draft"}); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := SetFulfillmentOrder(context.Background(), db, o.ID, "pf-2", nil); err != ErrAlreadyFulfilled {
		t.Fatalf("expected ErrAlreadyFulfilled, got %v", err)
	}

	got, _ := GetOrder(context.Background(), db, o.ID)
	if got.FulfillmentOrderID == nil || *got.FulfillmentOrderID != "pf-1" {
		t.Fatalf("expected pf-1 recorded, got %v", got.FulfillmentOrderID)
	}
	// The fulfillment write also drops the claim keys.
	if got.Metadata.GetString(domain.MetaClaimKey) != "" {
		t.Fatalf("expected claim cleared, metadata=%v", got.Metadata)
	}
	if got.Metadata.GetString(domain.MetaFulfillmentStatus) != "draft" {
		t.Fatalf("expected status breadcrumb, metadata=%v", got.Metadata)
	}
}

func TestClearClaim_PreservesFulfillmentIDAndMergesBreadcrumb(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	if _, err := TryClaimOrder(context.Background(), db, o.ID, "tok", time.Now().UTC(), time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := ClearClaim(context.Background(), db, o.ID, domain.JSONMap{
		domain.MetaFulfillmentError: "partner 500",
	})
	if err != nil {
		t.Fatalf("ClearClaim: %v", err)
	}

	got, _ := GetOrder(context.Background(), db, o.ID)
	if got.Metadata.GetString(domain.MetaClaimKey) != "" || got.Metadata.GetString(domain.MetaClaimStartedAt) != "" {
		t.Fatalf("expected claim keys removed, metadata=%v", got.Metadata)
	}
	if got.Metadata.GetString(domain.MetaFulfillmentError) != "partner 500" {
		t.Fatalf("expected breadcrumb, metadata=%v", got.Metadata)
	}
	if got.FulfillmentOrderID != nil {
		t.Fatalf("clear claim must not touch fulfillment id")
	}

	// Claimable again after the clear.
	res, err := TryClaimOrder(context.Background(), db, o.ID, "tok-2", time.Now().UTC(), time.Minute)
	if err != nil || res != ClaimAcquired {
		t.Fatalf("reclaim after clear: res=%v err=%v", res, err)
	}
}

func TestMarkOrderCompleted_IdempotentAndRejectsCanceled(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	if err := MarkOrderCompleted(context.Background(), db, o.ID, domain.JSONMap{domain.MetaGatewayPaymentID: "pay-1"}); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	// Second call stamps again without error or status change.
	if err := MarkOrderCompleted(context.Background(), db, o.ID, domain.JSONMap{domain.MetaGatewayOrderID: "gw-1"}); err != nil {
		t.Fatalf("second mark: %v", err)
	}

	got, _ := GetOrder(context.Background(), db, o.ID)
	if got.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Metadata.GetString(domain.MetaGatewayPaymentID) != "pay-1" || got.Metadata.GetString(domain.MetaGatewayOrderID) != "gw-1" {
		t.Fatalf("expected both stamps merged, metadata=%v", got.Metadata)
	}

	if err := CancelOrder(context.Background(), db, o.ID, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := MarkOrderCompleted(context.Background(), db, o.ID, nil); err != ErrOrderCanceled {
		t.Fatalf("expected ErrOrderCanceled after cancel, got %v", err)
	}
}

func TestCancelOrder_SecondCancelRejected(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	if err := CancelOrder(context.Background(), db, o.ID, domain.JSONMap{domain.MetaRefundID: "re-1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := CancelOrder(context.Background(), db, o.ID, nil); err != ErrOrderCanceled {
		t.Fatalf("expected ErrOrderCanceled on double cancel, got %v", err)
	}

	got, _ := GetOrder(context.Background(), db, o.ID)
	if got.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	if got.Metadata.GetString(domain.MetaRefundID) != "re-1" {
		t.Fatalf("expected refund breadcrumb, metadata=%v", got.Metadata)
	}
}

func TestPatchOrderMetadata_MergeAndDelete(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	if _, err := PatchOrderMetadata(context.Background(), db, o.ID, domain.JSONMap{"gift_note": "happy birthday", "priority": "high"}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	merged, err := PatchOrderMetadata(context.Background(), db, o.ID, domain.JSONMap{"priority": nil})
	if err != nil {
		t.Fatalf("delete patch: %v", err)
	}
	if merged.GetString("gift_note") != "happy birthday" {
		t.Fatalf("expected surviving key, got %v", merged)
	}
	if _, present := merged["priority"]; present {
		t.Fatalf("expected nil value to delete key, got %v", merged)
	}
}

func TestUpdateOrderRecipient_Persists(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	r := o.Recipient
	r.Address1 = "Neue Str. 2"
	r.Name = "Jane D. Doe"
	if err := UpdateOrderRecipient(context.Background(), db, o.ID, r); err != nil {
		t.Fatalf("UpdateOrderRecipient: %v", err)
	}

	got, _ := GetOrder(context.Background(), db, o.ID)
	if got.Recipient.Address1 != "Neue Str. 2" || got.Recipient.Name != "Jane D. Doe" {
		t.Fatalf("recipient not persisted: %+v", got.Recipient)
	}
	if got.Recipient.Zip != "10115" {
		t.Fatalf("zip must be untouched, got %q", got.Recipient.Zip)
	}

	if err := UpdateOrderRecipient(context.Background(), db, "no-such-order", r); err != gorm.ErrRecordNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestUpdateOrderShipping_PersistsMethodAndBreadcrumb(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	err := UpdateOrderShipping(context.Background(), db, o.ID, domain.ShippingBudget, domain.JSONMap{domain.MetaShippingRefundID: "re-2"})
	if err != nil {
		t.Fatalf("UpdateOrderShipping: %v", err)
	}
	got, _ := GetOrder(context.Background(), db, o.ID)
	if got.ShippingMethod != domain.ShippingBudget {
		t.Fatalf("expected budget, got %s", got.ShippingMethod)
	}
	if got.Metadata.GetString(domain.MetaShippingRefundID) != "re-2" {
		t.Fatalf("expected refund breadcrumb, metadata=%v", got.Metadata)
	}
}

func TestUpdateItemAsset_RecordsResult(t *testing.T) {
	db := newOrderRepoDB(t, &domain.Order{}, &domain.OrderItem{})
	o := seedOrder(t, db)

	itemID := o.Items[0].ID
	if err := UpdateItemAsset(context.Background(), db, itemID, "https://cdn.example.com/d1-upscaled.png", domain.UpscaleStatusDone); err != nil {
		t.Fatalf("UpdateItemAsset: %v", err)
	}
	got, _ := GetOrder(context.Background(), db, o.ID)
	if got.Items[0].PrintReadyURL == nil || *got.Items[0].PrintReadyURL != "https://cdn.example.com/d1-upscaled.png" {
		t.Fatalf("print-ready url not persisted: %+v", got.Items[0])
	}
	if got.Items[0].UpscaleStatus != domain.UpscaleStatusDone {
		t.Fatalf("expected done status, got %q", got.Items[0].UpscaleStatus)
	}
}

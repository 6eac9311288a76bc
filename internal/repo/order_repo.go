// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Order
// aggregate, including the completion-claim protocol.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and the atomic state arbitration the claim protocol needs.
//
// Error semantics:
//   - When an order is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - ErrAlreadyFulfilled is returned when a conditional fulfillment-id
//     write loses to a prior one.
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Claim protocol notes:
//
// TryClaimOrder is the single arbitration point between the two completion
// triggers. It is implemented as a compare-and-set against the serialized
// metadata text: the row is read, the decision made on the parsed claim, and
// the claim written back with a conditional UPDATE that only matches when
// the metadata text is still the one that was read and no fulfillment order
// id has been set. Two concurrent callers can both read "no claim", but only
// one UPDATE matches; the loser observes RowsAffected == 0 and reports
// ClaimAlreadyHeld. JSONMap serialization is deterministic (sorted keys),
// which is what makes the text comparison sound.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrAlreadyFulfilled indicates that a fulfillment order id is already
// recorded for the order, so the attempted write was a no-op.
var ErrAlreadyFulfilled = errors.New("fulfillment order already recorded")

// ErrOrderCanceled indicates the order is in the terminal canceled state.
var ErrOrderCanceled = errors.New("order is canceled")

// ClaimOutcome is the result of a TryClaimOrder arbitration.
type ClaimOutcome int

const (
	// ClaimAcquired means this caller holds the claim and must proceed to
	// fulfillment (and clear the claim on failure).
	ClaimAcquired ClaimOutcome = iota
	// ClaimAlreadyHeld means another caller holds a live claim; no-op.
	ClaimAlreadyHeld
	// ClaimAlreadyFulfilled means the order already has a fulfillment order
	// id; the other path finished. Normal outcome, no-op.
	ClaimAlreadyFulfilled
)

// CreateOrder inserts an order and its items, assigning UUIDs where absent.
func CreateOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Metadata == nil {
		o.Metadata = domain.JSONMap{}
	}
	for i := range o.Items {
		if o.Items[i].ID == "" {
			o.Items[i].ID = uuid.NewString()
		}
		o.Items[i].OrderID = o.ID
	}
	o.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(o).Error
}

// GetOrder fetches an order with its items, or ErrNotFound.
func GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	var o domain.Order
	err := db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderForUser fetches an order enforcing ownership, or ErrNotFound.
func GetOrderForUser(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Order, error) {
	var o domain.Order
	err := db.WithContext(ctx).
		Preload("Items").
		Where("id = ? AND user_id = ?", id, userID).
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// claimRow is the minimal projection TryClaimOrder and the conditional
// writers need. Metadata is kept as raw text so the compare-and-set matches
// exactly what is stored.
type claimRow struct {
	Status             string
	FulfillmentOrderID *string
	Metadata           string
}

func loadClaimRow(ctx context.Context, db *gorm.DB, id string) (claimRow, error) {
	var row claimRow
	err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Select("status", "fulfillment_order_id", "metadata").
		Where("id = ?", id).
		Take(&row).Error
	return row, err
}

func parseMetadata(raw string) (domain.JSONMap, error) {
	m := domain.JSONMap{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// TryClaimOrder attempts to acquire the processing claim for orderID.
//
// Outcomes:
//   - ClaimAlreadyFulfilled when a fulfillment order id is already set.
//   - ClaimAlreadyHeld when a claim younger than lease exists, or when the
//     conditional write loses a race to a concurrent claimant.
//   - ClaimAcquired when the claim (token, now) was written. A stale claim
//     (age >= lease) is overridden, which is the crash-recovery path.
//
// The write is a single conditional UPDATE guarded on both the fulfillment
// order id being unset and the metadata text being unchanged since the read,
// so check-then-act races collapse into RowsAffected arbitration.
func TryClaimOrder(ctx context.Context, db *gorm.DB, orderID, token string, now time.Time, lease time.Duration) (ClaimOutcome, error) {
	row, err := loadClaimRow(ctx, db, orderID)
	if err != nil {
		return ClaimAlreadyHeld, err
	}
	if row.Status == domain.OrderStatusCanceled {
		return ClaimAlreadyHeld, ErrOrderCanceled
	}
	if row.FulfillmentOrderID != nil {
		return ClaimAlreadyFulfilled, nil
	}

	meta, err := parseMetadata(row.Metadata)
	if err != nil {
		return ClaimAlreadyHeld, err
	}
	if claim, ok := domain.ClaimFromMetadata(meta); ok && !claim.Expired(now, lease) {
		return ClaimAlreadyHeld, nil
	}

	next := meta.Merge(domain.ProcessingClaim{Token: token, StartedAt: now}.Stamp())
	buf, err := json.Marshal(next)
	if err != nil {
		return ClaimAlreadyHeld, err
	}

	res := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND fulfillment_order_id IS NULL AND metadata = ?", orderID, row.Metadata).
		Updates(map[string]any{"metadata": string(buf), "updated_at": now})
	if res.Error != nil {
		return ClaimAlreadyHeld, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race: someone else claimed or fulfilled in between.
		row, err := loadClaimRow(ctx, db, orderID)
		if err == nil && row.FulfillmentOrderID != nil {
			return ClaimAlreadyFulfilled, nil
		}
		return ClaimAlreadyHeld, nil
	}
	return ClaimAcquired, nil
}

// ClearClaim removes the processing claim and applies patch (typically an
// error breadcrumb) to the metadata bag. It never touches the fulfillment
// order id, so a cleared claim always leaves the order eligible for retry.
func ClearClaim(ctx context.Context, db *gorm.DB, orderID string, patch domain.JSONMap) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadClaimRow(ctx, tx, orderID)
		if err != nil {
			return err
		}
		meta, err := parseMetadata(row.Metadata)
		if err != nil {
			return err
		}
		next := meta.Merge(domain.ClearClaimPatch()).Merge(patch)
		return tx.Model(&domain.Order{}).
			Where("id = ?", orderID).
			Update("metadata", next).Error
	})
}

// SetFulfillmentOrder records the partner's order id exactly once. The
// claim keys are dropped in the same write (the fulfillment id supersedes
// the claim) and patch is merged in (partner status breadcrumb). Returns
// ErrAlreadyFulfilled if another caller got there first.
func SetFulfillmentOrder(ctx context.Context, db *gorm.DB, orderID, partnerOrderID string, patch domain.JSONMap) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadClaimRow(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if row.FulfillmentOrderID != nil {
			return ErrAlreadyFulfilled
		}
		meta, err := parseMetadata(row.Metadata)
		if err != nil {
			return err
		}
		next := meta.Merge(domain.ClearClaimPatch()).Merge(patch)
		res := tx.Model(&domain.Order{}).
			Where("id = ? AND fulfillment_order_id IS NULL", orderID).
			Updates(map[string]any{
				"fulfillment_order_id": partnerOrderID,
				"metadata":             next,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyFulfilled
		}
		return nil
	})
}

// MarkOrderCompleted transitions a pending order to completed and stamps the
// gateway identifiers into metadata. It is idempotent: a second call merges
// metadata again but leaves the status untouched. Canceled orders are
// rejected with ErrOrderCanceled.
func MarkOrderCompleted(ctx context.Context, db *gorm.DB, orderID string, patch domain.JSONMap) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadClaimRow(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if row.Status == domain.OrderStatusCanceled {
			return ErrOrderCanceled
		}
		meta, err := parseMetadata(row.Metadata)
		if err != nil {
			return err
		}
		updates := map[string]any{"metadata": meta.Merge(patch)}
		if row.Status == domain.OrderStatusPending {
			updates["status"] = domain.OrderStatusCompleted
		}
		return tx.Model(&domain.Order{}).
			Where("id = ?", orderID).
			Updates(updates).Error
	})
}

// CancelOrder moves the order into the terminal canceled state and merges
// patch (refund breadcrumb). Already-canceled orders return ErrOrderCanceled
// so callers do not double-refund.
func CancelOrder(ctx context.Context, db *gorm.DB, orderID string, patch domain.JSONMap) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadClaimRow(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if row.Status == domain.OrderStatusCanceled {
			return ErrOrderCanceled
		}
		meta, err := parseMetadata(row.Metadata)
		if err != nil {
			return err
		}
		return tx.Model(&domain.Order{}).
			Where("id = ?", orderID).
			Updates(map[string]any{
				"status":   domain.OrderStatusCanceled,
				"metadata": meta.Merge(patch),
			}).Error
	})
}

// PatchOrderMetadata merge-patches the metadata bag and returns the merged
// result. Used by the free-form metadata compensating action.
func PatchOrderMetadata(ctx context.Context, db *gorm.DB, orderID string, patch domain.JSONMap) (domain.JSONMap, error) {
	var merged domain.JSONMap
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadClaimRow(ctx, tx, orderID)
		if err != nil {
			return err
		}
		meta, err := parseMetadata(row.Metadata)
		if err != nil {
			return err
		}
		merged = meta.Merge(patch)
		return tx.Model(&domain.Order{}).
			Where("id = ?", orderID).
			Update("metadata", merged).Error
	})
	return merged, err
}

// UpdateOrderRecipient replaces the recipient snapshot. Ownership and the
// postal-code rule are enforced in the service layer; this only persists.
func UpdateOrderRecipient(ctx context.Context, db *gorm.DB, orderID string, r domain.Recipient) error {
	res := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]any{
			"recipient_name":     r.Name,
			"recipient_address1": r.Address1,
			"recipient_address2": r.Address2,
			"recipient_city":     r.City,
			"recipient_state":    r.State,
			"recipient_country":  r.Country,
			"recipient_zip":      r.Zip,
			"recipient_email":    r.Email,
			"recipient_phone":    r.Phone,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateOrderShipping persists a new shipping method and merges patch
// (partial-refund breadcrumb) into metadata.
func UpdateOrderShipping(ctx context.Context, db *gorm.DB, orderID, method string, patch domain.JSONMap) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadClaimRow(ctx, tx, orderID)
		if err != nil {
			return err
		}
		meta, err := parseMetadata(row.Metadata)
		if err != nil {
			return err
		}
		return tx.Model(&domain.Order{}).
			Where("id = ?", orderID).
			Updates(map[string]any{
				"shipping_method": method,
				"metadata":        meta.Merge(patch),
			}).Error
	})
}

// UpdateItemAsset records the asset-preparation result for a single item so
// subsequent retries do not redundantly re-upscale.
func UpdateItemAsset(ctx context.Context, db *gorm.DB, itemID, printReadyURL, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.OrderItem{}).
		Where("id = ?", itemID).
		Updates(map[string]any{
			"print_ready_url": printReadyURL,
			"upscale_status":  status,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

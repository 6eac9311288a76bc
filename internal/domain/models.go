// Package domain defines the persistence models for orders, order items,
// refunds, discount codes, and fulfillment bookkeeping. These types are
// mapped with GORM and form the core data layer of the print-order backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Order status values. An order is created PENDING, moves to COMPLETED
// exactly once when payment is confirmed, and may end CANCELED from either
// state. CANCELED is terminal.
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCanceled  = "canceled"
)

// Shipping method values, ordered from cheapest to most expensive.
// The ordering matters: the shipping-downgrade compensating action only
// permits moving to a strictly cheaper method.
const (
	ShippingBudget    = "budget"
	ShippingStandard  = "standard"
	ShippingExpress   = "express"
	ShippingOvernight = "overnight"
)

// Recipient is the shipping address snapshot embedded in an Order. It is
// mutable only through the recipient-update compensating action, and postal
// code changes are rejected there (tax/jurisdiction implications).
type Recipient struct {
	Name     string `json:"name"      gorm:"column:recipient_name;type:varchar(128)"`
	Address1 string `json:"address1"  gorm:"column:recipient_address1;type:varchar(255)"`
	Address2 string `json:"address2"  gorm:"column:recipient_address2;type:varchar(255)"`
	City     string `json:"city"      gorm:"column:recipient_city;type:varchar(128)"`
	State    string `json:"state"     gorm:"column:recipient_state;type:varchar(64)"`
	Country  string `json:"country"   gorm:"column:recipient_country;type:varchar(2)"`
	Zip      string `json:"zip"       gorm:"column:recipient_zip;type:varchar(16)"`
	Email    string `json:"email"     gorm:"column:recipient_email;type:varchar(255)"`
	Phone    string `json:"phone"     gorm:"column:recipient_phone;type:varchar(32)"`
}

// Order is the aggregate root of the fulfillment flow.
//
// FulfillmentOrderID is the source of truth for "fulfillment already
// created": it is set at most once (enforced by a conditional update in the
// repo layer) and never cleared. Metadata is an open JSON bag used as the
// coordination substrate; it carries the gateway identifiers, the processing
// claim (see claim.go), and error breadcrumbs.
type Order struct {
	ID                 string         `json:"id"                   gorm:"type:char(36);primaryKey"`
	UserID             string         `json:"user_id"              gorm:"type:varchar(64);not null;index:idx_user_orders"`
	Status             string         `json:"status"               gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','completed','canceled')"`
	TotalPrice         int64          `json:"total_price"          gorm:"not null"` // minor units
	Currency           string         `json:"currency"             gorm:"type:varchar(3);not null;default:'EUR'"`
	DiscountAmount     int64          `json:"discount_amount"      gorm:"not null;default:0"`
	DiscountCodeID     *string        `json:"discount_code_id,omitempty" gorm:"type:char(36);index"`
	FulfillmentOrderID *string        `json:"fulfillment_order_id,omitempty" gorm:"type:varchar(64);uniqueIndex"`
	ShippingMethod     string         `json:"shipping_method"      gorm:"type:varchar(16);not null;default:'standard';check:shipping_method IN ('budget','standard','express','overnight')"`
	Metadata           JSONMap        `json:"metadata"             gorm:"type:text;not null;default:'{}'"`
	Recipient          Recipient      `json:"recipient"            gorm:"embedded"`
	Items              []OrderItem    `json:"items"                gorm:"foreignKey:OrderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"-"                    gorm:"index"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// Upscale status values recorded per item after asset preparation. They let
// retries skip work that already happened (including a recorded fallback).
const (
	UpscaleStatusDone     = "done"
	UpscaleStatusFallback = "fallback"
)

// OrderItem is a single line of an order: an internal SKU, the number of
// copies, size/color attributes, and the asset references. DesignURL is the
// customer's uploaded artwork; PrintReadyURL is filled in lazily by the
// asset preparation step once payment is confirmed.
type OrderItem struct {
	ID            string    `json:"id"              gorm:"type:char(36);primaryKey"`
	OrderID       string    `json:"order_id"        gorm:"type:char(36);not null;index"`
	SKU           string    `json:"sku"             gorm:"type:varchar(64);not null"`
	Copies        int       `json:"copies"          gorm:"not null;default:1"`
	UnitPrice     int64     `json:"unit_price"      gorm:"not null;default:0"` // minor units, snapshot at purchase
	Size          string    `json:"size"            gorm:"type:varchar(8)"`
	Color         string    `json:"color"           gorm:"type:varchar(32)"`
	DesignURL     string    `json:"design_url"      gorm:"type:text;not null"`
	PrintReadyURL *string   `json:"print_ready_url,omitempty" gorm:"type:text"`
	UpscaleStatus string    `json:"upscale_status"  gorm:"type:varchar(16);not null;default:''"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for OrderItem.
func (OrderItem) TableName() string { return "order_items" }

// Refund is an append-only record of a gateway refund linked to an order.
// Rows are only created by compensating actions (cancel-with-refund, the
// shipping downgrade's partial refund); they are never updated or deleted.
type Refund struct {
	ID              string    `json:"id"                gorm:"type:char(36);primaryKey"`
	OrderID         string    `json:"order_id"          gorm:"type:char(36);not null;index"`
	GatewayRefundID string    `json:"gateway_refund_id" gorm:"type:varchar(64);not null"`
	Amount          int64     `json:"amount"            gorm:"not null"` // minor units
	Currency        string    `json:"currency"          gorm:"type:varchar(3);not null"`
	Reason          string    `json:"reason"            gorm:"type:varchar(255)"`
	Status          string    `json:"status"            gorm:"type:varchar(32)"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName returns the database table name for Refund.
func (Refund) TableName() string { return "refunds" }

// DiscountCode is a promotional code with a fixed amount off and a usage
// counter incremented atomically alongside DiscountUsage inserts.
type DiscountCode struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Code      string    `json:"code"       gorm:"type:varchar(64);not null;uniqueIndex"`
	AmountOff int64     `json:"amount_off" gorm:"not null"` // minor units
	UsedCount int       `json:"used_count" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for DiscountCode.
func (DiscountCode) TableName() string { return "discount_codes" }

// DiscountUsage links a discount code to the order that consumed it. The
// unique index on (discount_code_id, order_id) is what makes usage recording
// idempotent when both completion paths attempt it.
type DiscountUsage struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	DiscountCodeID string    `json:"discount_code_id" gorm:"type:char(36);not null;index;uniqueIndex:ux_discount_order,priority:1"`
	OrderID        string    `json:"order_id"         gorm:"type:char(36);not null;uniqueIndex:ux_discount_order,priority:2"`
	UserID         string    `json:"user_id"          gorm:"type:varchar(64)"`
	Amount         int64     `json:"amount"           gorm:"not null"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for DiscountUsage.
func (DiscountUsage) TableName() string { return "discount_usages" }

// ProcessingError is the append-only error log for failed fulfillment and
// refund attempts. Silent loss of a failed attempt is the one unacceptable
// outcome, so every failure lands here in addition to the metadata
// breadcrumb on the order itself.
type ProcessingError struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	OrderID     string    `json:"order_id"     gorm:"type:char(36);not null;index"`
	Stage       string    `json:"stage"        gorm:"type:varchar(32);not null"`
	Error       string    `json:"error"        gorm:"type:text;not null"`
	RetryCount  int       `json:"retry_count"  gorm:"not null;default:0"`
	LastAttempt time.Time `json:"last_attempt" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for ProcessingError.
func (ProcessingError) TableName() string { return "processing_errors" }

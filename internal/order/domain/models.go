// Package domain holds the append-only record of LemonSqueezy orders.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	subscriptiondomain "github.com/smallbiznis/lemonsync/internal/subscription/domain"
)

type Status string

const (
	StatusPaid     Status = "paid"
	StatusPending  Status = "pending"
	StatusRefunded Status = "refunded"
	StatusFailed   Status = "failed"
)

// StatusBucket maps a provider order status onto the local buckets.
// Anything unrecognised is pending.
func StatusBucket(providerStatus string, refunded bool) Status {
	if refunded {
		return StatusRefunded
	}
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "paid":
		return StatusPaid
	case "refunded", "partial_refund", "partially_refunded":
		return StatusRefunded
	case "failed", "fraudulent", "void":
		return StatusFailed
	default:
		return StatusPending
	}
}

var (
	twelve       = decimal.NewFromInt(12)
	weeksInMonth = decimal.RequireFromString("4.33")
)

type Order struct {
	ID                   snowflake.ID                       `gorm:"primaryKey" json:"id"`
	OrderID              string                             `gorm:"type:text;not null;uniqueIndex:ux_lemonsqueezy_orders_order_id" json:"order_id"`
	AnchorID             *snowflake.ID                      `gorm:"index" json:"anchor_id,omitempty"`
	Status               Status                             `gorm:"type:text;not null" json:"status"`
	Identifier           string                             `gorm:"type:text" json:"identifier,omitempty"`
	OrderNumber          string                             `gorm:"type:text" json:"order_number,omitempty"`
	StoreID              string                             `gorm:"type:text" json:"store_id,omitempty"`
	CustomerEmail        string                             `gorm:"type:text" json:"customer_email,omitempty"`
	CustomerName         string                             `gorm:"type:text" json:"customer_name,omitempty"`
	CustomerID           *snowflake.ID                      `gorm:"index" json:"customer_id,omitempty"`
	ProviderCustomerID   string                             `gorm:"type:text" json:"provider_customer_id,omitempty"`
	Total                decimal.Decimal                    `gorm:"type:numeric(20,4);not null" json:"total"`
	Subtotal             decimal.Decimal                    `gorm:"type:numeric(20,4);not null" json:"subtotal"`
	DiscountTotal        decimal.Decimal                    `gorm:"type:numeric(20,4);not null" json:"discount_total"`
	Tax                  decimal.Decimal                    `gorm:"type:numeric(20,4);not null" json:"tax"`
	Currency             string                             `gorm:"type:text;not null" json:"currency"`
	OrderDate            *time.Time                         `json:"order_date,omitempty"`
	ProductID            string                             `gorm:"type:text" json:"product_id,omitempty"`
	VariantID            string                             `gorm:"type:text" json:"variant_id,omitempty"`
	ProductName          string                             `gorm:"type:text" json:"product_name,omitempty"`
	VariantName          string                             `gorm:"type:text" json:"variant_name,omitempty"`
	SubscriptionID       string                             `gorm:"type:text;index" json:"subscription_id,omitempty"`
	SubscriptionRecordID *snowflake.ID                      `json:"subscription_record_id,omitempty"`
	IsSubscription       bool                               `gorm:"not null" json:"is_subscription"`
	BillingInterval      subscriptiondomain.BillingInterval `gorm:"type:text" json:"billing_interval,omitempty"`
	BillingIntervalCount int                                `gorm:"not null" json:"billing_interval_count"`
	FirstOrder           bool                               `gorm:"not null" json:"first_order"`
	PaymentRequestID     string                             `gorm:"type:text;index" json:"payment_request_id,omitempty"`
	SettlementOutcome    string                             `gorm:"type:text" json:"settlement_outcome,omitempty"`
	CreatedAt            time.Time                          `gorm:"not null" json:"created_at"`
}

func (Order) TableName() string { return "lemonsqueezy_orders" }

// MonthlyValue normalises a paid subscription order to one month of revenue.
func (o *Order) MonthlyValue() decimal.Decimal {
	if !o.IsSubscription || o.Status != StatusPaid {
		return decimal.Zero
	}
	count := decimal.NewFromInt(1)
	if o.BillingIntervalCount > 1 {
		count = decimal.NewFromInt(int64(o.BillingIntervalCount))
	}

	switch o.BillingInterval {
	case subscriptiondomain.IntervalMonthly:
		return o.Total.Div(count)
	case subscriptiondomain.IntervalYearly:
		return o.Total.Div(twelve).Div(count)
	case subscriptiondomain.IntervalWeekly:
		return o.Total.Mul(weeksInMonth).Div(count)
	default:
		return decimal.Zero
	}
}

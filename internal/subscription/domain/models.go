// Package domain holds the local projection of LemonSqueezy subscriptions.
package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Status is the provider-declared subscription state. Transitions are not
// validated locally; unknown values are stored as received.
type Status string

const (
	StatusActive    Status = "active"
	StatusOnTrial   Status = "on_trial"
	StatusPaused    Status = "paused"
	StatusPastDue   Status = "past_due"
	StatusUnpaid    Status = "unpaid"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
	IntervalWeekly  BillingInterval = "weekly"
)

var intervalSynonyms = []struct {
	interval BillingInterval
	needles  []string
}{
	{IntervalMonthly, []string{"monthly", "per month", "/month"}},
	{IntervalYearly, []string{"yearly", "per year", "/year", "annual"}},
	{IntervalWeekly, []string{"weekly", "per week", "/week"}},
}

var slashSpacing = regexp.MustCompile(`\s*/\s*`)

// DeriveInterval maps a variant name to a billing interval, or "" when no
// synonym matches. Monthly is checked first, then yearly, then weekly.
func DeriveInterval(variantName string) BillingInterval {
	name := strings.ToLower(strings.Join(strings.Fields(variantName), " "))
	if name == "" {
		return ""
	}
	name = slashSpacing.ReplaceAllString(name, "/")
	for _, candidate := range intervalSynonyms {
		for _, needle := range candidate.needles {
			if strings.Contains(name, needle) {
				return candidate.interval
			}
		}
	}
	return ""
}

type Subscription struct {
	ID                     snowflake.ID        `gorm:"primaryKey" json:"id"`
	SubscriptionID         string              `gorm:"type:text;not null;uniqueIndex:ux_lemonsqueezy_subscriptions_subscription_id" json:"subscription_id"`
	AnchorID               *snowflake.ID       `gorm:"index" json:"anchor_id,omitempty"`
	Status                 Status              `gorm:"type:text;not null" json:"status"`
	CustomerEmail          string              `gorm:"type:text" json:"customer_email,omitempty"`
	CustomerID             *snowflake.ID       `gorm:"index" json:"customer_id,omitempty"`
	ProviderCustomerID     string              `gorm:"type:text" json:"provider_customer_id,omitempty"`
	StoreID                string              `gorm:"type:text" json:"store_id,omitempty"`
	ProductID              string              `gorm:"type:text" json:"product_id,omitempty"`
	VariantID              string              `gorm:"type:text" json:"variant_id,omitempty"`
	ProductName            string              `gorm:"type:text" json:"product_name,omitempty"`
	VariantName            string              `gorm:"type:text" json:"variant_name,omitempty"`
	OrderID                string              `gorm:"type:text" json:"order_id,omitempty"`
	RenewsAt               *time.Time          `json:"renews_at,omitempty"`
	EndsAt                 *time.Time          `json:"ends_at,omitempty"`
	TrialEndsAt            *time.Time          `json:"trial_ends_at,omitempty"`
	CustomerPortalURL      string              `gorm:"type:text" json:"customer_portal_url,omitempty"`
	UpdatePaymentMethodURL string              `gorm:"type:text" json:"update_payment_method_url,omitempty"`
	Total                  decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"total"`
	Subtotal               decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"subtotal"`
	Tax                    decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"tax"`
	Currency               string              `gorm:"type:text" json:"currency,omitempty"`
	BillingInterval        BillingInterval     `gorm:"type:text" json:"billing_interval,omitempty"`
	CreatedAt              time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time           `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "lemonsqueezy_subscriptions" }

// IsActive reports whether the subscription currently grants access.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusOnTrial
}

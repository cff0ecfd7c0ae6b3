// Package domain describes hosted checkout and customer portal links.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// CheckoutInput describes a hosted checkout for one reference document.
// Amount, when set, overrides the variant price.
type CheckoutInput struct {
	AnchorID         *snowflake.ID       `json:"anchor_id,omitempty"`
	VariantID        string              `json:"variant_id" binding:"omitempty,numeric"`
	ReferenceType    string              `json:"reference_type" binding:"max=140"`
	ReferenceID      string              `json:"reference_id" binding:"max=140"`
	PaymentRequestID string              `json:"payment_request_id" binding:"max=140"`
	Email            string              `json:"email" binding:"omitempty,email"`
	Name             string              `json:"name" binding:"max=255"`
	Amount           decimal.NullDecimal `json:"amount"`
}

type Service interface {
	CheckoutURL(ctx context.Context, input CheckoutInput) (string, error)
	PortalURL(ctx context.Context, subscriptionID string) (string, error)
}

var (
	ErrVariantRequired     = errors.New("variant_required")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrCheckoutUnavailable = errors.New("could not generate checkout URL")
)

package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id string) (*PaymentRequest, error)
	// MarkPaid flips a not-yet-paid request and reports whether it changed.
	MarkPaid(ctx context.Context, db *gorm.DB, id string, paidAt time.Time) (bool, error)
}

type Service interface {
	// Settle evaluates the claim inside tx. Guard failures return a skip outcome
	// with a nil error.
	Settle(ctx context.Context, tx *gorm.DB, claim Claim) (Result, error)
	// Complete runs the completion callback of a committed settlement.
	Complete(ctx context.Context, result Result)
}

var (
	ErrInvalidPaymentRequestID = errors.New("invalid_payment_request_id")
	ErrConversionFailed        = errors.New("settlement_conversion_failed")
	ErrPostingFailed           = errors.New("settlement_posting_failed")
	ErrMarkPaidFailed          = errors.New("settlement_mark_paid_failed")
)

// Package domain describes payment request obligations and how a provider
// payment claim settles them.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentRequestStatus string

const (
	StatusRequested PaymentRequestStatus = "requested"
	StatusPaid      PaymentRequestStatus = "paid"
	StatusCancelled PaymentRequestStatus = "cancelled"
)

// PaymentRequest is an outstanding obligation against a reference document.
// Amount is denominated in Currency; postings land in AccountCurrency.
type PaymentRequest struct {
	ID              string               `gorm:"primaryKey;type:text" json:"id"`
	ReferenceType   string               `gorm:"type:text" json:"reference_type,omitempty"`
	ReferenceID     string               `gorm:"type:text" json:"reference_id,omitempty"`
	Amount          decimal.Decimal      `gorm:"type:numeric(20,4);not null" json:"amount"`
	Currency        string               `gorm:"type:text;not null" json:"currency"`
	AccountCurrency string               `gorm:"type:text" json:"account_currency,omitempty"`
	Status          PaymentRequestStatus `gorm:"type:text;not null" json:"status"`
	PaidAt          *time.Time           `json:"paid_at,omitempty"`
	CreatedAt       time.Time            `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time            `gorm:"not null" json:"updated_at"`
}

func (PaymentRequest) TableName() string { return "payment_requests" }

// TargetCurrency is the currency postings for this obligation are booked in.
func (p *PaymentRequest) TargetCurrency() string {
	if p.AccountCurrency != "" {
		return p.AccountCurrency
	}
	return p.Currency
}

// Outcome records what happened to a settlement attempt. Every value except
// OutcomeSettled is a skip, never an error.
type Outcome string

const (
	OutcomeNone               Outcome = ""
	OutcomeSettled            Outcome = "settled"
	OutcomeNotPaid            Outcome = "not_paid"
	OutcomeObligationNotFound Outcome = "obligation_not_found"
	OutcomeAlreadySettled     Outcome = "already_settled"
	OutcomeAmountShort        Outcome = "amount_short"
	OutcomeCurrencyMismatch   Outcome = "currency_mismatch"
	OutcomeInvalidObligation  Outcome = "invalid_obligation"
)

// Claim is the provider's assertion that an obligation was paid.
type Claim struct {
	PaymentRequestID string
	ProviderOrderID  string
	ProviderStatus   string
	Amount           decimal.Decimal
	Currency         string
	OccurredAt       time.Time
}

// Result describes a settlement attempt. Request is set only when settled.
type Result struct {
	Outcome         Outcome
	Request         *PaymentRequest
	ProviderOrderID string
	Allocated       decimal.Decimal
	Overpaid        decimal.Decimal
	ExchangeRate    decimal.Decimal
}

func (r Result) Settled() bool { return r.Outcome == OutcomeSettled }

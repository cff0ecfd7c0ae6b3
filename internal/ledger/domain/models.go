package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypePaymentRequest LedgerSourceType = "payment_request"
)

type LedgerAccountCode string

const (
	AccountCodeCash               LedgerAccountCode = "cash"
	AccountCodeAccountsReceivable LedgerAccountCode = "accounts_receivable"
	AccountCodeCreditBalance      LedgerAccountCode = "credit_balance"
)

var accountNames = map[LedgerAccountCode]string{
	AccountCodeCash:               "Cash",
	AccountCodeAccountsReceivable: "Accounts Receivable",
	AccountCodeCreditBalance:      "Customer Credit Balance",
}

// AccountName returns the display name used when an account is first created.
func AccountName(code LedgerAccountCode) string {
	if name, ok := accountNames[code]; ok {
		return name
	}
	return string(code)
}

// LedgerAccount defines a chart-of-accounts entry.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Code      LedgerAccountCode `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_code"`
	Name      string            `gorm:"type:text;not null"`
	CreatedAt time.Time         `gorm:"not null"`
}

func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry is the immutable header of a posting. (SourceType, SourceRef) is unique.
type LedgerEntry struct {
	ID              snowflake.ID     `gorm:"primaryKey"`
	SourceType      LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceRef       string           `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	Currency        string           `gorm:"type:text;not null"`
	SourceAmount    decimal.Decimal  `gorm:"type:numeric(20,4);not null"`
	SourceCurrency  string           `gorm:"type:text;not null"`
	ExchangeRate    decimal.Decimal  `gorm:"type:numeric(20,10);not null"`
	ConvertedAmount decimal.Decimal  `gorm:"type:numeric(20,4);not null"`
	ProviderOrderID *string          `gorm:"type:text"`
	OccurredAt      time.Time        `gorm:"not null"`
	CreatedAt       time.Time        `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line in minor units.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Currency      string               `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null"`
}

func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }

// Line is one leg of a posting request.
type Line struct {
	Account   LedgerAccountCode
	Direction LedgerEntryDirection
	Amount    int64
}

type CreateEntryRequest struct {
	SourceType      LedgerSourceType
	SourceRef       string
	Currency        string
	SourceAmount    decimal.Decimal
	SourceCurrency  string
	ExchangeRate    decimal.Decimal
	ConvertedAmount decimal.Decimal
	ProviderOrderID string
	OccurredAt      time.Time
	Lines           []Line
}

type Service interface {
	// CreateEntry posts inside tx. It reports false when the source was already posted.
	CreateEntry(ctx context.Context, tx *gorm.DB, req CreateEntryRequest) (bool, error)
}

var (
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceRef     = errors.New("invalid_source_ref")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
)

// ValidateBalanced checks that debits equal credits.
func ValidateBalanced(lines []Line) error {
	var debit, credit int64
	for _, line := range lines {
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			debit += line.Amount
		case LedgerEntryDirectionCredit:
			credit += line.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	if debit != credit {
		return ErrUnbalancedEntry
	}
	return nil
}

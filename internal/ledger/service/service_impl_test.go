package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lemonsync/internal/authorization"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/identity"
	ledgerdomain "github.com/smallbiznis/lemonsync/internal/ledger/domain"
	"github.com/smallbiznis/lemonsync/internal/ledger/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ledgerSchema = []string{
	`CREATE TABLE ledger_accounts (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE ledger_entries (
		id INTEGER PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		currency TEXT NOT NULL,
		source_amount NUMERIC NOT NULL,
		source_currency TEXT NOT NULL,
		exchange_rate NUMERIC NOT NULL,
		converted_amount NUMERIC NOT NULL,
		provider_order_id TEXT,
		occurred_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (source_type, source_ref)
	)`,
	`CREATE TABLE ledger_entry_lines (
		id INTEGER PRIMARY KEY,
		ledger_entry_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

func setupLedger(t *testing.T, authz authorization.Service) (ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	for _, stmt := range ledgerSchema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	svc := service.NewService(service.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
		Authz: authz,
	})
	return svc, db
}

func paymentRequest(ref string, lines ...ledgerdomain.Line) ledgerdomain.CreateEntryRequest {
	return ledgerdomain.CreateEntryRequest{
		SourceType:      ledgerdomain.SourceTypePaymentRequest,
		SourceRef:       ref,
		Currency:        "usd",
		SourceAmount:    decimal.RequireFromString("49.00"),
		SourceCurrency:  "USD",
		ExchangeRate:    decimal.NewFromInt(1),
		ConvertedAmount: decimal.RequireFromString("49.00"),
		ProviderOrderID: "1001",
		OccurredAt:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Lines:           lines,
	}
}

func assertCount(t *testing.T, db *gorm.DB, query string, want int64) {
	t.Helper()
	var got int64
	require.NoError(t, db.Raw(query).Scan(&got).Error)
	assert.Equal(t, want, got, query)
}

func TestCreateEntryIsUniquePerSource(t *testing.T) {
	svc, db := setupLedger(t, nil)
	req := paymentRequest("pr_001",
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeCash, Direction: "debit", Amount: 4900},
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeAccountsReceivable, Direction: "CREDIT", Amount: 4900},
	)

	inserted, err := svc.CreateEntry(context.Background(), db, req)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = svc.CreateEntry(context.Background(), db, req)
	require.NoError(t, err)
	assert.False(t, inserted)

	assertCount(t, db, "SELECT COUNT(1) FROM ledger_entries", 1)
	assertCount(t, db, "SELECT COUNT(1) FROM ledger_entry_lines", 2)
	assertCount(t, db, "SELECT COUNT(1) FROM ledger_accounts", 2)
	assertCount(t, db, "SELECT COUNT(1) FROM ledger_entries WHERE currency = 'USD'", 1)
}

func TestCreateEntryDropsZeroLegs(t *testing.T) {
	svc, db := setupLedger(t, nil)
	req := paymentRequest("pr_002",
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeCash, Direction: "debit", Amount: 4900},
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeAccountsReceivable, Direction: "credit", Amount: 4900},
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeCreditBalance, Direction: "credit", Amount: 0},
	)

	_, err := svc.CreateEntry(context.Background(), db, req)
	require.NoError(t, err)
	assertCount(t, db, "SELECT COUNT(1) FROM ledger_entry_lines", 2)
}

func TestCreateEntryRejectsUnbalancedLines(t *testing.T) {
	svc, db := setupLedger(t, nil)
	req := paymentRequest("pr_003",
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeCash, Direction: "debit", Amount: 5000},
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeAccountsReceivable, Direction: "credit", Amount: 4900},
	)

	_, err := svc.CreateEntry(context.Background(), db, req)
	assert.ErrorIs(t, err, ledgerdomain.ErrUnbalancedEntry)
	assertCount(t, db, "SELECT COUNT(1) FROM ledger_entries", 0)
}

func TestCreateEntryRequiresAuthorizedPrincipal(t *testing.T) {
	enforcer, err := authorization.NewEnforcer(nil, config.Config{ServicePrincipal: "service:settlement"})
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})
	svc, db := setupLedger(t, authz)

	req := paymentRequest("pr_004",
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeCash, Direction: "debit", Amount: 100},
		ledgerdomain.Line{Account: ledgerdomain.AccountCodeAccountsReceivable, Direction: "credit", Amount: 100},
	)

	ctx, _ := identity.WithSession(context.Background(), identity.Anonymous)
	_, err = svc.CreateEntry(ctx, db, req)
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	elevated, restore, err := identity.Elevate(ctx, "service:settlement")
	require.NoError(t, err)
	defer restore()
	inserted, err := svc.CreateEntry(elevated, db, req)
	require.NoError(t, err)
	assert.True(t, inserted)
}

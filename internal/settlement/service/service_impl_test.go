package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	"github.com/smallbiznis/lemonsync/internal/authorization"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/events"
	"github.com/smallbiznis/lemonsync/internal/exchangerate"
	"github.com/smallbiznis/lemonsync/internal/identity"
	ledgerdomain "github.com/smallbiznis/lemonsync/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/lemonsync/internal/ledger/service"
	"github.com/smallbiznis/lemonsync/internal/settlement/domain"
	"github.com/smallbiznis/lemonsync/internal/settlement/repository"
	"github.com/smallbiznis/lemonsync/internal/settlement/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var settlementSchema = []string{
	`CREATE TABLE payment_requests (
		id TEXT PRIMARY KEY,
		reference_type TEXT,
		reference_id TEXT,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		account_currency TEXT,
		status TEXT NOT NULL,
		paid_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
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
	`CREATE TABLE audit_scratch (
		action TEXT NOT NULL
	)`,
}

type fakeRates struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (f *fakeRates) Resolve(_ context.Context, from, to string, on time.Time) (decimal.Decimal, error) {
	f.calls++
	return f.rate, f.err
}

type failingLedger struct{}

func (failingLedger) CreateEntry(context.Context, *gorm.DB, ledgerdomain.CreateEntryRequest) (bool, error) {
	return false, errors.New("ledger unavailable")
}

// rejectingAudit writes a row and then fails, leaving the caller's
// transaction to discard the partial write.
type rejectingAudit struct {
	auditdomain.Service
	db *gorm.DB
}

func (a rejectingAudit) WithTx(tx *gorm.DB) auditdomain.Service {
	return rejectingAudit{db: tx}
}

func (a rejectingAudit) AuditLog(_ context.Context, _ string, _ *string, action string, _ string, _ *string, _ map[string]any) error {
	if err := a.db.Exec(`INSERT INTO audit_scratch (action) VALUES (?)`, action).Error; err != nil {
		return err
	}
	return errors.New("audit insert rejected")
}

type capturePublisher struct {
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt events.Event) error {
	p.events = append(p.events, evt)
	return nil
}

type fixture struct {
	db        *gorm.DB
	rates     *fakeRates
	publisher *capturePublisher
	node      *snowflake.Node
	clock     *clock.FakeClock
	cfg       config.Config
	audit     auditdomain.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	for _, stmt := range settlementSchema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	return &fixture{
		db:        db,
		rates:     &fakeRates{rate: decimal.NewFromInt(1)},
		publisher: &capturePublisher{},
		node:      node,
		clock:     clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		cfg:       config.Config{ServicePrincipal: "service:settlement"},
	}
}

func (f *fixture) service(t *testing.T, authz authorization.Service, ledger ledgerdomain.Service) domain.Service {
	t.Helper()
	if ledger == nil {
		ledger = ledgerservice.NewService(ledgerservice.Params{
			Log:   zap.NewNop(),
			GenID: f.node,
			Clock:    f.clock,
			Authz:    authz,
			AuditSvc: f.audit,
		})
	}
	return service.NewService(service.Params{
		Log:       zap.NewNop(),
		Cfg:       f.cfg,
		GenID:     f.node,
		Clock:     f.clock,
		Repo:      repository.Provide(),
		Ledger:    ledger,
		Rates:     f.rates,
		Settings:  config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig()),
		Authz:     authz,
		AuditSvc:  f.audit,
		Publisher: f.publisher,
	})
}

func (f *fixture) seedRequest(t *testing.T, id, amount, currency, accountCurrency string, status domain.PaymentRequestStatus) {
	t.Helper()
	require.NoError(t, f.db.Create(&domain.PaymentRequest{
		ID:              id,
		ReferenceType:   "invoice",
		ReferenceID:     "INV-" + id,
		Amount:          decimal.RequireFromString(amount),
		Currency:        currency,
		AccountCurrency: accountCurrency,
		Status:          status,
		CreatedAt:       f.clock.Now(),
		UpdatedAt:       f.clock.Now(),
	}).Error)
}

func (f *fixture) request(t *testing.T, id string) domain.PaymentRequest {
	t.Helper()
	var pr domain.PaymentRequest
	require.NoError(t, f.db.Where("id = ?", id).Take(&pr).Error)
	return pr
}

func (f *fixture) countEntries(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&ledgerdomain.LedgerEntry{}).Count(&count).Error)
	return count
}

func (f *fixture) lineAmounts(t *testing.T) map[ledgerdomain.LedgerAccountCode]int64 {
	t.Helper()
	type row struct {
		Code   string
		Amount int64
	}
	var rows []row
	require.NoError(t, f.db.Raw(`SELECT a.code AS code, l.amount AS amount
		FROM ledger_entry_lines l JOIN ledger_accounts a ON a.id = l.account_id`).Scan(&rows).Error)
	out := make(map[ledgerdomain.LedgerAccountCode]int64, len(rows))
	for _, r := range rows {
		out[ledgerdomain.LedgerAccountCode(r.Code)] += r.Amount
	}
	return out
}

func settle(t *testing.T, f *fixture, svc domain.Service, claim domain.Claim) (domain.Result, error) {
	t.Helper()
	var result domain.Result
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = svc.Settle(context.Background(), tx, claim)
		return err
	})
	return result, err
}

func paidClaim(id, amount, currency string) domain.Claim {
	return domain.Claim{
		PaymentRequestID: id,
		ProviderOrderID:  "order-" + id,
		ProviderStatus:   "paid",
		Amount:           decimal.RequireFromString(amount),
		Currency:         currency,
		OccurredAt:       time.Date(2024, 5, 31, 8, 0, 0, 0, time.UTC),
	}
}

func TestSettleWithinTolerancePostsOnceAndFlips(t *testing.T) {
	f := setup(t)
	svc := f.service(t, nil, nil)
	f.seedRequest(t, "PR-1", "49.99", "USD", "", domain.StatusRequested)

	result, err := settle(t, f, svc, paidClaim("PR-1", "49.985", "usd"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettled, result.Outcome)
	assert.True(t, result.Allocated.Equal(decimal.RequireFromString("49.985")))
	assert.True(t, result.Overpaid.IsZero())
	assert.Zero(t, f.rates.calls)

	pr := f.request(t, "PR-1")
	assert.Equal(t, domain.StatusPaid, pr.Status)
	require.NotNil(t, pr.PaidAt)
	assert.Equal(t, int64(1), f.countEntries(t))

	var entry ledgerdomain.LedgerEntry
	require.NoError(t, f.db.Take(&entry).Error)
	assert.Equal(t, "PR-1", entry.SourceRef)
	require.NotNil(t, entry.ProviderOrderID)
	assert.Equal(t, "order-PR-1", *entry.ProviderOrderID)

	again, err := settle(t, f, svc, paidClaim("PR-1", "49.99", "USD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadySettled, again.Outcome)
	assert.Equal(t, int64(1), f.countEntries(t))

	svc.Complete(context.Background(), result)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.EventPaymentRequestPaid, f.publisher.events[0].Type)
	assert.Equal(t, "PR-1", f.publisher.events[0].Key)

	svc.Complete(context.Background(), again)
	assert.Len(t, f.publisher.events, 1)
}

func TestSettleSurvivesAuditFailure(t *testing.T) {
	f := setup(t)
	f.audit = rejectingAudit{}
	svc := f.service(t, nil, nil)
	f.seedRequest(t, "PR-7", "20.00", "USD", "", domain.StatusRequested)

	result, err := settle(t, f, svc, paidClaim("PR-7", "20.00", "USD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSettled, result.Outcome)
	assert.Equal(t, domain.StatusPaid, f.request(t, "PR-7").Status)
	assert.Equal(t, int64(1), f.countEntries(t))

	var scratch int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM audit_scratch`).Scan(&scratch).Error)
	assert.Zero(t, scratch)
}

func TestSettleSkipsGuardFailures(t *testing.T) {
	cases := []struct {
		name    string
		seed    bool
		status  domain.PaymentRequestStatus
		claim   domain.Claim
		outcome domain.Outcome
	}{
		{
			name:    "short payment",
			seed:    true,
			status:  domain.StatusRequested,
			claim:   paidClaim("PR-2", "49.97", "USD"),
			outcome: domain.OutcomeAmountShort,
		},
		{
			name:    "currency mismatch",
			seed:    true,
			status:  domain.StatusRequested,
			claim:   paidClaim("PR-2", "49.99", "EUR"),
			outcome: domain.OutcomeCurrencyMismatch,
		},
		{
			name:   "provider status not paid",
			seed:   true,
			status: domain.StatusRequested,
			claim: func() domain.Claim {
				c := paidClaim("PR-2", "49.99", "USD")
				c.ProviderStatus = "pending"
				return c
			}(),
			outcome: domain.OutcomeNotPaid,
		},
		{
			name:    "obligation missing",
			claim:   paidClaim("PR-2", "49.99", "USD"),
			outcome: domain.OutcomeObligationNotFound,
		},
		{
			name:    "already paid",
			seed:    true,
			status:  domain.StatusPaid,
			claim:   paidClaim("PR-2", "49.99", "USD"),
			outcome: domain.OutcomeAlreadySettled,
		},
		{
			name:    "cancelled obligation",
			seed:    true,
			status:  domain.StatusCancelled,
			claim:   paidClaim("PR-2", "49.99", "USD"),
			outcome: domain.OutcomeInvalidObligation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			svc := f.service(t, nil, nil)
			if tc.seed {
				f.seedRequest(t, "PR-2", "49.99", "USD", "", tc.status)
			}

			result, err := settle(t, f, svc, tc.claim)
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, result.Outcome)
			assert.False(t, result.Settled())
			assert.Zero(t, f.countEntries(t))
			if tc.seed {
				assert.Equal(t, tc.status, f.request(t, "PR-2").Status)
			}

			svc.Complete(context.Background(), result)
			assert.Empty(t, f.publisher.events)
		})
	}
}

func TestSettleCapsAllocationAtExpected(t *testing.T) {
	f := setup(t)
	svc := f.service(t, nil, nil)
	f.seedRequest(t, "PR-3", "40.00", "USD", "USD", domain.StatusRequested)

	result, err := settle(t, f, svc, paidClaim("PR-3", "45.50", "USD"))
	require.NoError(t, err)
	require.True(t, result.Settled())
	assert.Equal(t, "40", result.Allocated.String())
	assert.Equal(t, "5.5", result.Overpaid.String())

	lines := f.lineAmounts(t)
	assert.Equal(t, int64(4550), lines[ledgerdomain.AccountCodeCash])
	assert.Equal(t, int64(4000), lines[ledgerdomain.AccountCodeAccountsReceivable])
	assert.Equal(t, int64(550), lines[ledgerdomain.AccountCodeCreditBalance])
}

func TestSettleConvertsIntoAccountCurrency(t *testing.T) {
	f := setup(t)
	f.rates.rate = decimal.RequireFromString("1.1")
	svc := f.service(t, nil, nil)
	f.seedRequest(t, "PR-4", "100.00", "EUR", "USD", domain.StatusRequested)

	result, err := settle(t, f, svc, paidClaim("PR-4", "100.00", "eur"))
	require.NoError(t, err)
	require.True(t, result.Settled())
	assert.Equal(t, 1, f.rates.calls)

	var entry ledgerdomain.LedgerEntry
	require.NoError(t, f.db.Take(&entry).Error)
	assert.Equal(t, "USD", entry.Currency)
	assert.Equal(t, "EUR", entry.SourceCurrency)
	assert.Equal(t, "110.00", entry.ConvertedAmount.StringFixed(2))

	lines := f.lineAmounts(t)
	assert.Equal(t, int64(11000), lines[ledgerdomain.AccountCodeCash])
	assert.Equal(t, int64(11000), lines[ledgerdomain.AccountCodeAccountsReceivable])
}

func TestSettleLeavesObligationUntouchedOnFailure(t *testing.T) {
	t.Run("rate lookup", func(t *testing.T) {
		f := setup(t)
		f.rates.err = exchangerate.ErrRateTimeout
		svc := f.service(t, nil, nil)
		f.seedRequest(t, "PR-5", "10.00", "EUR", "USD", domain.StatusRequested)

		_, err := settle(t, f, svc, paidClaim("PR-5", "10.00", "EUR"))
		assert.ErrorIs(t, err, domain.ErrConversionFailed)
		assert.ErrorIs(t, err, exchangerate.ErrRateTimeout)
		assert.Equal(t, domain.StatusRequested, f.request(t, "PR-5").Status)
	})

	t.Run("posting", func(t *testing.T) {
		f := setup(t)
		svc := f.service(t, nil, failingLedger{})
		f.seedRequest(t, "PR-6", "10.00", "USD", "", domain.StatusRequested)

		_, err := settle(t, f, svc, paidClaim("PR-6", "10.00", "USD"))
		assert.ErrorIs(t, err, domain.ErrPostingFailed)
		assert.Equal(t, domain.StatusRequested, f.request(t, "PR-6").Status)
	})
}

func TestSettleRunsAsServicePrincipalAndRestores(t *testing.T) {
	f := setup(t)
	enforcer, err := authorization.NewEnforcer(nil, f.cfg)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})
	svc := f.service(t, authz, nil)
	f.seedRequest(t, "PR-7", "12.00", "USD", "", domain.StatusRequested)

	ctx, session := identity.WithSession(context.Background(), identity.Anonymous)
	err = f.db.Transaction(func(tx *gorm.DB) error {
		result, err := svc.Settle(ctx, tx, paidClaim("PR-7", "12.00", "USD"))
		if err != nil {
			return err
		}
		assert.True(t, result.Settled())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, identity.Anonymous, session.Principal())
	assert.Equal(t, domain.StatusPaid, f.request(t, "PR-7").Status)
}

func TestSettleDeniedWithoutServiceRole(t *testing.T) {
	f := setup(t)
	enforcer, err := authorization.NewEnforcer(nil, config.Config{})
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})
	svc := f.service(t, authz, nil)
	f.seedRequest(t, "PR-8", "12.00", "USD", "", domain.StatusRequested)

	ctx, session := identity.WithSession(context.Background(), identity.Admin)
	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.Settle(ctx, tx, paidClaim("PR-8", "12.00", "USD"))
		return err
	})
	assert.ErrorIs(t, err, authorization.ErrForbidden)
	assert.Equal(t, identity.Admin, session.Principal())
	assert.Equal(t, domain.StatusRequested, f.request(t, "PR-8").Status)
}

func TestSettleRequiresReference(t *testing.T) {
	f := setup(t)
	svc := f.service(t, nil, nil)
	_, err := svc.Settle(context.Background(), f.db, domain.Claim{ProviderStatus: "paid"})
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentRequestID)
}

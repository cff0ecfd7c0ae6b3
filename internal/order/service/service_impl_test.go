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
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/config"
	customerrepo "github.com/smallbiznis/lemonsync/internal/customer/repository"
	customerservice "github.com/smallbiznis/lemonsync/internal/customer/service"
	"github.com/smallbiznis/lemonsync/internal/events"
	ledgerdomain "github.com/smallbiznis/lemonsync/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/lemonsync/internal/ledger/service"
	"github.com/smallbiznis/lemonsync/internal/order/domain"
	"github.com/smallbiznis/lemonsync/internal/order/repository"
	"github.com/smallbiznis/lemonsync/internal/order/service"
	settlementdomain "github.com/smallbiznis/lemonsync/internal/settlement/domain"
	settlementrepo "github.com/smallbiznis/lemonsync/internal/settlement/repository"
	settlementservice "github.com/smallbiznis/lemonsync/internal/settlement/service"
	subscriptiondomain "github.com/smallbiznis/lemonsync/internal/subscription/domain"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/internal/webhook/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var orderSchema = []string{
	`CREATE TABLE lemonsqueezy_orders (
		id INTEGER PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE,
		anchor_id INTEGER,
		status TEXT NOT NULL,
		identifier TEXT,
		order_number TEXT,
		store_id TEXT,
		customer_email TEXT,
		customer_name TEXT,
		customer_id INTEGER,
		provider_customer_id TEXT,
		total NUMERIC NOT NULL,
		subtotal NUMERIC NOT NULL,
		discount_total NUMERIC NOT NULL,
		tax NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		order_date DATETIME,
		product_id TEXT,
		variant_id TEXT,
		product_name TEXT,
		variant_name TEXT,
		subscription_id TEXT,
		subscription_record_id INTEGER,
		is_subscription BOOLEAN NOT NULL,
		billing_interval TEXT,
		billing_interval_count INTEGER NOT NULL,
		first_order BOOLEAN NOT NULL,
		payment_request_id TEXT,
		settlement_outcome TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL)`,
	`CREATE TABLE contact_emails (id INTEGER PRIMARY KEY, contact_id INTEGER NOT NULL, email TEXT NOT NULL, is_primary BOOLEAN NOT NULL)`,
	`CREATE TABLE contact_links (id INTEGER PRIMARY KEY, contact_id INTEGER NOT NULL, link_type TEXT NOT NULL, link_id INTEGER NOT NULL)`,
	`INSERT INTO customers (id, name, email, created_at, updated_at) VALUES (501, 'Acme', 'owner@acme.test', '2024-01-01 00:00:00', '2024-01-01 00:00:00')`,
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
	`CREATE TABLE ledger_accounts (id INTEGER PRIMARY KEY, code TEXT NOT NULL UNIQUE, name TEXT NOT NULL, created_at DATETIME NOT NULL)`,
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

type fakeSubscriptions struct {
	subscriptiondomain.Service
	items map[string]*subscriptiondomain.Subscription
	err   error
}

func (f *fakeSubscriptions) Find(_ context.Context, _ *gorm.DB, id string) (*subscriptiondomain.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items[id], nil
}

type fakeRates struct {
	err error
}

func (f *fakeRates) Resolve(context.Context, string, string, time.Time) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return decimal.NewFromInt(1), nil
}

type capturePublisher struct {
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt events.Event) error {
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) types() []string {
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	svc           domain.Service
	db            *gorm.DB
	subscriptions *fakeSubscriptions
	rates         *fakeRates
	publisher     *capturePublisher
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	for _, stmt := range orderSchema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	settings := config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())

	f := &fixture{
		db:            db,
		subscriptions: &fakeSubscriptions{items: map[string]*subscriptiondomain.Subscription{}},
		rates:         &fakeRates{},
		publisher:     &capturePublisher{},
	}
	settlement := settlementservice.NewService(settlementservice.Params{
		Log:   zap.NewNop(),
		Cfg:   config.Config{ServicePrincipal: "service:settlement"},
		GenID: node,
		Clock: clk,
		Repo:  settlementrepo.Provide(),
		Ledger: ledgerservice.NewService(ledgerservice.Params{
			Log:   zap.NewNop(),
			GenID: node,
			Clock: clk,
		}),
		Rates:     f.rates,
		Settings:  settings,
		Publisher: f.publisher,
	})
	f.svc = service.NewService(service.Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          repository.Provide(),
		Customers:     customerservice.New(customerservice.Params{DB: db, Log: zap.NewNop(), Repo: customerrepo.Provide()}),
		Subscriptions: f.subscriptions,
		Settlement:    settlement,
		Settings:      settings,
		Publisher:     f.publisher,
	})
	return f
}

func (f *fixture) seedRequest(t *testing.T, id, amount, currency, accountCurrency string) {
	t.Helper()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Create(&settlementdomain.PaymentRequest{
		ID:              id,
		Amount:          decimal.RequireFromString(amount),
		Currency:        currency,
		AccountCurrency: accountCurrency,
		Status:          settlementdomain.StatusRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}).Error)
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func (f *fixture) order(t *testing.T, id string) *domain.Order {
	t.Helper()
	order, err := f.svc.Find(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (f *fixture) requestStatus(t *testing.T, id string) settlementdomain.PaymentRequestStatus {
	t.Helper()
	var pr settlementdomain.PaymentRequest
	require.NoError(t, f.db.Where("id = ?", id).Take(&pr).Error)
	return pr.Status
}

type orderOpts struct {
	id               string
	status           string
	total            int
	currency         string
	email            string
	variantName      string
	subscriptionID   string
	paymentRequestID string
}

func orderEvent(t *testing.T, o orderOpts) *event.Event {
	t.Helper()
	custom := "{}"
	if o.paymentRequestID != "" {
		custom = fmt.Sprintf(`{"payment_request_id":%q}`, o.paymentRequestID)
	}
	subItem := "null"
	if o.subscriptionID != "" {
		subItem = fmt.Sprintf(`{"id":7,"subscription_id":%s,"price_id":30}`, o.subscriptionID)
	}
	raw := fmt.Sprintf(`{"meta":{"event_name":"order_created","custom_data":%s},"data":{"type":"orders","id":%q,"attributes":{
		"store_id":1,"customer_id":99,"identifier":"9c2d","order_number":1234,"user_name":"Jane",
		"user_email":%q,"currency":%q,"status":%q,
		"subtotal":%d,"discount_total":0,"tax":0,"total":%d,
		"first_order_item":{"id":1,"order_id":%s,"product_id":10,"variant_id":20,"price_id":30,"product_name":"Pro","variant_name":%q,"price":%d},
		"first_subscription_item":%s,
		"created_at":"2024-05-31T08:00:00.000000Z"}}}`,
		custom, o.id, o.email, o.currency, o.status, o.total, o.total, o.id, o.variantName, o.total, subItem)
	evt, err := event.Parse([]byte(raw))
	require.NoError(t, err)
	return evt
}

func defaults(id string) orderOpts {
	return orderOpts{
		id:          id,
		status:      "paid",
		total:       4999,
		currency:    "usd",
		email:       "Owner@Acme.test",
		variantName: "Pro",
	}
}

func TestApplyRecordsOrder(t *testing.T) {
	f := setup(t)
	opts := defaults("5001")
	opts.subscriptionID = "1001"
	f.subscriptions.items["1001"] = &subscriptiondomain.Subscription{ID: 88, SubscriptionID: "1001", VariantName: "Pro (Annual)"}
	anchor := &anchordomain.Anchor{ID: 3}

	require.NoError(t, f.svc.Apply(context.Background(), orderEvent(t, opts), anchor))

	order := f.order(t, "5001")
	assert.Equal(t, domain.StatusPaid, order.Status)
	assert.Equal(t, "49.99", order.Total.StringFixed(2))
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, "Owner@Acme.test", order.CustomerEmail)
	require.NotNil(t, order.CustomerID)
	assert.Equal(t, snowflake.ID(501), *order.CustomerID)
	assert.True(t, order.IsSubscription)
	assert.Equal(t, "1001", order.SubscriptionID)
	require.NotNil(t, order.SubscriptionRecordID)
	assert.Equal(t, snowflake.ID(88), *order.SubscriptionRecordID)
	assert.Equal(t, subscriptiondomain.IntervalYearly, order.BillingInterval)
	assert.True(t, order.FirstOrder)
	assert.Equal(t, "10", order.ProductID)
	assert.Equal(t, "1234", order.OrderNumber)
	require.NotNil(t, order.OrderDate)
	assert.True(t, order.OrderDate.Equal(time.Date(2024, 5, 31, 8, 0, 0, 0, time.UTC)))
	require.NotNil(t, order.AnchorID)
	assert.Equal(t, snowflake.ID(3), *order.AnchorID)
	assert.Empty(t, order.SettlementOutcome)

	assert.Equal(t, []string{events.EventOrderRecorded}, f.publisher.types())
}

func TestApplyIsIdempotent(t *testing.T) {
	f := setup(t)
	f.seedRequest(t, "PR-1", "49.99", "USD", "")
	opts := defaults("5002")
	opts.paymentRequestID = "PR-1"
	evt := orderEvent(t, opts)

	require.NoError(t, f.svc.Apply(context.Background(), evt, nil))
	require.NoError(t, f.svc.Apply(context.Background(), evt, nil))

	assert.Equal(t, int64(1), f.count(t, &domain.Order{}))
	assert.Equal(t, int64(1), f.count(t, &ledgerdomain.LedgerEntry{}))
	assert.Equal(t, settlementdomain.StatusPaid, f.requestStatus(t, "PR-1"))
	assert.Equal(t, string(settlementdomain.OutcomeSettled), f.order(t, "5002").SettlementOutcome)
	assert.Equal(t, "PR-1", f.order(t, "5002").PaymentRequestID)
	assert.Equal(t, []string{events.EventPaymentRequestPaid, events.EventOrderRecorded}, f.publisher.types())
}

func TestApplyRecordsOrderWhenSettlementSkipped(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*orderOpts)
		outcome settlementdomain.Outcome
		status  domain.Status
	}{
		{
			name:    "short payment",
			mutate:  func(o *orderOpts) { o.total = 4997 },
			outcome: settlementdomain.OutcomeAmountShort,
			status:  domain.StatusPaid,
		},
		{
			name:    "currency mismatch",
			mutate:  func(o *orderOpts) { o.currency = "eur" },
			outcome: settlementdomain.OutcomeCurrencyMismatch,
			status:  domain.StatusPaid,
		},
		{
			name:    "pending order",
			mutate:  func(o *orderOpts) { o.status = "pending" },
			outcome: settlementdomain.OutcomeNotPaid,
			status:  domain.StatusPending,
		},
		{
			name:    "unknown obligation",
			mutate:  func(o *orderOpts) { o.paymentRequestID = "PR-404" },
			outcome: settlementdomain.OutcomeObligationNotFound,
			status:  domain.StatusPaid,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			f.seedRequest(t, "PR-2", "49.99", "USD", "")
			opts := defaults("5003")
			opts.paymentRequestID = "PR-2"
			tc.mutate(&opts)

			require.NoError(t, f.svc.Apply(context.Background(), orderEvent(t, opts), nil))

			order := f.order(t, "5003")
			assert.Equal(t, tc.status, order.Status)
			assert.Equal(t, string(tc.outcome), order.SettlementOutcome)
			assert.Zero(t, f.count(t, &ledgerdomain.LedgerEntry{}))
			assert.Equal(t, settlementdomain.StatusRequested, f.requestStatus(t, "PR-2"))
			assert.Equal(t, []string{events.EventOrderRecorded}, f.publisher.types())
		})
	}
}

func TestApplyNormalisesCurrencyAndEmail(t *testing.T) {
	f := setup(t)
	opts := defaults("5004")
	opts.currency = "xyz"
	opts.email = "not-an-email"

	require.NoError(t, f.svc.Apply(context.Background(), orderEvent(t, opts), nil))

	order := f.order(t, "5004")
	assert.Equal(t, "USD", order.Currency)
	assert.Empty(t, order.CustomerEmail)
	assert.Nil(t, order.CustomerID)
	assert.False(t, order.IsSubscription)
}

func TestApplyToleratesSubscriptionLookupFailure(t *testing.T) {
	f := setup(t)
	f.subscriptions.err = errors.New("boom")
	opts := defaults("5005")
	opts.subscriptionID = `"2002"`
	opts.variantName = "Starter weekly"

	require.NoError(t, f.svc.Apply(context.Background(), orderEvent(t, opts), nil))

	order := f.order(t, "5005")
	assert.True(t, order.IsSubscription)
	assert.Equal(t, "2002", order.SubscriptionID)
	assert.Nil(t, order.SubscriptionRecordID)
	assert.Equal(t, subscriptiondomain.IntervalWeekly, order.BillingInterval)
}

func TestApplyRollsBackWhenSettlementFails(t *testing.T) {
	f := setup(t)
	f.rates.err = errors.New("rate service down")
	f.seedRequest(t, "PR-3", "49.99", "USD", "EUR")
	opts := defaults("5006")
	opts.paymentRequestID = "PR-3"

	err := f.svc.Apply(context.Background(), orderEvent(t, opts), nil)
	assert.ErrorIs(t, err, settlementdomain.ErrConversionFailed)

	assert.Zero(t, f.count(t, &domain.Order{}))
	assert.Equal(t, settlementdomain.StatusRequested, f.requestStatus(t, "PR-3"))
	assert.Empty(t, f.publisher.events)

	_, err = f.svc.Find(context.Background(), "5006")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyRejectsNonOrderEvents(t *testing.T) {
	f := setup(t)
	evt, err := event.Parse([]byte(`{"meta":{"event_name":"subscription_created"},"data":{"id":"1","attributes":{"status":"active"}}}`))
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Apply(context.Background(), evt, nil), domain.ErrUnsupportedEvent)
}

func TestInsertIfAbsentReportsConflict(t *testing.T) {
	f := setup(t)
	repo := repository.Provide()
	build := func(id snowflake.ID) *domain.Order {
		return &domain.Order{
			ID:                   id,
			OrderID:              "dup",
			Status:               domain.StatusPaid,
			Currency:             "USD",
			BillingIntervalCount: 1,
			CreatedAt:            time.Now().UTC(),
		}
	}

	inserted, err := repo.InsertIfAbsent(context.Background(), f.db, build(1))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertIfAbsent(context.Background(), f.db, build(2))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(1), f.count(t, &domain.Order{}))
}

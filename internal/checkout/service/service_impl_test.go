package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lemonsync/internal/authorization"
	"github.com/smallbiznis/lemonsync/internal/checkout/domain"
	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/identity"
	"github.com/smallbiznis/lemonsync/internal/lemonsqueezy"
	subscriptiondomain "github.com/smallbiznis/lemonsync/internal/subscription/domain"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type providerMock struct {
	mock.Mock
}

func (m *providerMock) CreateCheckout(ctx context.Context, apiKey string, req lemonsqueezy.CheckoutRequest) (string, error) {
	args := m.Called(ctx, apiKey, req)
	return args.String(0), args.Error(1)
}

func (m *providerMock) SubscriptionPortalURL(ctx context.Context, apiKey, subscriptionID string) (string, error) {
	args := m.Called(ctx, apiKey, subscriptionID)
	return args.String(0), args.Error(1)
}

func (m *providerMock) GetStore(ctx context.Context, apiKey, storeID string) (*lemonsqueezy.Store, error) {
	args := m.Called(ctx, apiKey, storeID)
	store, _ := args.Get(0).(*lemonsqueezy.Store)
	return store, args.Error(1)
}

type fakeAnchors struct {
	anchordomain.Service
	anchors []*anchordomain.Anchor
	apiKey  string
}

func (f *fakeAnchors) Get(_ context.Context, id snowflake.ID) (*anchordomain.Anchor, error) {
	for _, a := range f.anchors {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, anchordomain.ErrNotFound
}

func (f *fakeAnchors) FirstEnabled(context.Context) (*anchordomain.Anchor, error) {
	for _, a := range f.anchors {
		if a.Enabled {
			return a, nil
		}
	}
	return nil, anchordomain.ErrNoEnabledAnchor
}

func (f *fakeAnchors) APIKey(context.Context, *anchordomain.Anchor) (string, error) {
	return f.apiKey, nil
}

type fakeSubscriptions struct {
	subscriptiondomain.Service
	url string
}

func (f *fakeSubscriptions) PortalURL(context.Context, string) (string, error) {
	return f.url, nil
}

func newService(anchors *fakeAnchors, provider *providerMock, authz authorization.Service) domain.Service {
	return NewService(Params{
		Log:           zap.NewNop(),
		Anchors:       anchors,
		Subscriptions: &fakeSubscriptions{url: "https://portal.example/sub"},
		Provider:      provider,
		Authz:         authz,
	})
}

func defaultAnchors() *fakeAnchors {
	return &fakeAnchors{
		anchors: []*anchordomain.Anchor{
			{ID: 1, Name: "Disabled", StoreID: "11", DefaultVariantID: "100", Enabled: false},
			{ID: 2, Name: "Main", StoreID: "22", DefaultVariantID: "200", Enabled: true},
		},
		apiKey: "key_live",
	}
}

func TestCheckoutURLUsesFirstEnabledAnchorAndDefaultVariant(t *testing.T) {
	provider := &providerMock{}
	svc := newService(defaultAnchors(), provider, nil)

	provider.On("CreateCheckout", mock.Anything, "key_live", lemonsqueezy.CheckoutRequest{
		StoreID:          "22",
		VariantID:        "200",
		ReferenceType:    "invoice",
		ReferenceID:      "INV-1",
		PaymentRequestID: "PR-1",
		Email:            "buyer@example.com",
		CustomPrice:      1999,
	}).Return("https://acme.lemonsqueezy.com/checkout/abc", nil).Once()

	url, err := svc.CheckoutURL(context.Background(), domain.CheckoutInput{
		ReferenceType:    "invoice",
		ReferenceID:      "INV-1",
		PaymentRequestID: "PR-1",
		Email:            "buyer@example.com",
		Amount:           decimal.NewNullDecimal(decimal.RequireFromString("19.99")),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.lemonsqueezy.com/checkout/abc", url)
	provider.AssertExpectations(t)
}

func TestCheckoutURLExplicitVariantOverridesDefault(t *testing.T) {
	provider := &providerMock{}
	svc := newService(defaultAnchors(), provider, nil)
	provider.On("CreateCheckout", mock.Anything, "key_live", mock.MatchedBy(func(req lemonsqueezy.CheckoutRequest) bool {
		return req.VariantID == "999" && req.CustomPrice == 0
	})).Return("https://checkout.example/x", nil).Once()

	_, err := svc.CheckoutURL(context.Background(), domain.CheckoutInput{VariantID: "999"})
	require.NoError(t, err)
	provider.AssertExpectations(t)
}

func TestCheckoutURLFailures(t *testing.T) {
	disabledID := snowflake.ID(1)
	missingID := snowflake.ID(42)

	t.Run("variant required", func(t *testing.T) {
		anchors := defaultAnchors()
		anchors.anchors[1].DefaultVariantID = ""
		_, err := newService(anchors, &providerMock{}, nil).CheckoutURL(context.Background(), domain.CheckoutInput{})
		assert.ErrorIs(t, err, domain.ErrVariantRequired)
	})

	t.Run("disabled anchor", func(t *testing.T) {
		_, err := newService(defaultAnchors(), &providerMock{}, nil).CheckoutURL(context.Background(), domain.CheckoutInput{AnchorID: &disabledID})
		assert.ErrorIs(t, err, domain.ErrCheckoutUnavailable)
	})

	t.Run("unknown anchor", func(t *testing.T) {
		_, err := newService(defaultAnchors(), &providerMock{}, nil).CheckoutURL(context.Background(), domain.CheckoutInput{AnchorID: &missingID})
		assert.ErrorIs(t, err, anchordomain.ErrNotFound)
	})

	t.Run("missing api key", func(t *testing.T) {
		anchors := defaultAnchors()
		anchors.apiKey = ""
		_, err := newService(anchors, &providerMock{}, nil).CheckoutURL(context.Background(), domain.CheckoutInput{})
		assert.ErrorIs(t, err, domain.ErrCheckoutUnavailable)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := newService(defaultAnchors(), &providerMock{}, nil).CheckoutURL(context.Background(), domain.CheckoutInput{
			Amount: decimal.NewNullDecimal(decimal.Zero),
		})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("provider failure", func(t *testing.T) {
		provider := &providerMock{}
		provider.On("CreateCheckout", mock.Anything, mock.Anything, mock.Anything).
			Return("", lemonsqueezy.ErrProviderTimeout).Once()
		_, err := newService(defaultAnchors(), provider, nil).CheckoutURL(context.Background(), domain.CheckoutInput{})
		assert.ErrorIs(t, err, domain.ErrCheckoutUnavailable)
		assert.ErrorIs(t, err, lemonsqueezy.ErrProviderTimeout)
		assert.EqualError(t, domain.ErrCheckoutUnavailable, "could not generate checkout URL")
	})
}

func TestCheckoutURLRequiresAdmin(t *testing.T) {
	enforcer, err := authorization.NewEnforcer(nil, config.Config{ServicePrincipal: "service:settlement"})
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})

	provider := &providerMock{}
	provider.On("CreateCheckout", mock.Anything, mock.Anything, mock.Anything).
		Return("https://checkout.example/y", nil).Once()
	svc := newService(defaultAnchors(), provider, authz)

	_, err = svc.CheckoutURL(context.Background(), domain.CheckoutInput{})
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	ctx, _ := identity.WithSession(context.Background(), identity.Admin)
	url, err := svc.CheckoutURL(ctx, domain.CheckoutInput{})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/y", url)
}

func TestPortalURLDelegatesToSubscriptions(t *testing.T) {
	svc := newService(defaultAnchors(), &providerMock{}, nil)
	url, err := svc.PortalURL(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example/sub", url)
}

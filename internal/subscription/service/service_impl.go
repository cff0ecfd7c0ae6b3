package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lemonsync/internal/clock"
	customerdomain "github.com/smallbiznis/lemonsync/internal/customer/domain"
	"github.com/smallbiznis/lemonsync/internal/events"
	"github.com/smallbiznis/lemonsync/internal/lemonsqueezy"
	"github.com/smallbiznis/lemonsync/internal/observability/logger"
	"github.com/smallbiznis/lemonsync/internal/ratelimit"
	"github.com/smallbiznis/lemonsync/internal/subscription/domain"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/internal/webhook/event"
	"github.com/smallbiznis/lemonsync/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type subscriptionLocker interface {
	LockSubscription(ctx context.Context, subscriptionID string) (func(), error)
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Customers customerdomain.Service
	Anchors   anchordomain.Service
	Provider  lemonsqueezy.API
	Guard     *ratelimit.WebhookGuard `optional:"true"`
	Publisher events.Publisher        `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	customers customerdomain.Service
	anchors   anchordomain.Service
	provider  lemonsqueezy.API
	locker    subscriptionLocker
	publisher events.Publisher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		customers: p.Customers,
		anchors:   p.Anchors,
		provider:  p.Provider,
		locker:    p.Guard,
		publisher: p.Publisher,
	}
}

func (s *Service) Apply(ctx context.Context, evt *event.Event, anchor *anchordomain.Anchor) error {
	ctx, span := otel.Tracer("lemonsync/webhook").Start(ctx, "subscription.apply")
	defer span.End()

	if evt == nil {
		return domain.ErrUnsupportedEvent
	}
	kind := evt.Kind()
	if kind != event.KindSubscription && kind != event.KindSubscriptionPayment {
		return domain.ErrUnsupportedEvent
	}
	subscriptionID := strings.TrimSpace(evt.SubscriptionID())
	if subscriptionID == "" {
		return domain.ErrInvalidSubscriptionID
	}
	span.SetAttributes(
		attribute.String("lemonsync.subscription_id", subscriptionID),
		attribute.String("lemonsync.event_name", string(evt.Name())),
	)

	release, err := s.locker.LockSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("lock subscription %s: %w", subscriptionID, err)
	}
	defer release()

	saved, err := s.apply(ctx, evt, anchor, subscriptionID)
	if err != nil && db.IsDuplicateKeyErr(err) {
		// a concurrent delivery created the record first; merge into it
		logger.WithContext(ctx, s.log).Info("subscription created concurrently, retrying as update",
			zap.String("subscription_id", subscriptionID),
		)
		saved, err = s.apply(ctx, evt, anchor, subscriptionID)
	}
	if err != nil {
		return err
	}
	if saved != nil {
		s.publishChanged(ctx, evt, saved)
	}
	return nil
}

func (s *Service) apply(ctx context.Context, evt *event.Event, anchor *anchordomain.Anchor, subscriptionID string) (*domain.Subscription, error) {
	log := logger.WithContext(ctx, s.log)

	var saved *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindBySubscriptionIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		sub := existing
		if sub == nil {
			if evt.Kind() == event.KindSubscriptionPayment {
				log.Info("payment notification for unknown subscription ignored",
					zap.String("subscription_id", subscriptionID),
					zap.String("event_name", string(evt.Name())),
				)
				return nil
			}
			if evt.Subscription == nil || evt.Subscription.Status == "" {
				return domain.ErrStatusRequired
			}
			sub = &domain.Subscription{
				ID:             s.genID.Generate(),
				SubscriptionID: subscriptionID,
				CreatedAt:      now,
			}
		}

		switch evt.Kind() {
		case event.KindSubscription:
			mergeLifecycle(sub, evt.Subscription)
		case event.KindSubscriptionPayment:
			mergeInvoice(sub, evt.Invoice)
		}
		if sub.AnchorID == nil && anchor != nil {
			anchorID := anchor.ID
			sub.AnchorID = &anchorID
		}
		s.linkCustomer(ctx, tx, sub)
		sub.UpdatedAt = now

		if existing == nil {
			err = s.repo.Insert(ctx, tx, sub)
		} else {
			err = s.repo.Update(ctx, tx, sub)
		}
		if err != nil {
			return err
		}
		saved = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func mergeLifecycle(sub *domain.Subscription, attrs *event.SubscriptionAttributes) {
	if attrs == nil {
		return
	}
	if status := attrs.Status.String(); status != "" {
		sub.Status = domain.Status(status)
	}
	setString(&sub.CustomerEmail, attrs.UserEmail)
	setString(&sub.ProviderCustomerID, attrs.CustomerID)
	setString(&sub.StoreID, attrs.StoreID)
	setString(&sub.ProductID, attrs.ProductID)
	setString(&sub.VariantID, attrs.VariantID)
	setString(&sub.ProductName, attrs.ProductName)
	setString(&sub.VariantName, attrs.VariantName)
	setString(&sub.OrderID, attrs.OrderID)
	setString(&sub.CustomerPortalURL, attrs.URLs.CustomerPortal)
	setString(&sub.UpdatePaymentMethodURL, attrs.URLs.UpdatePaymentMethod)
	setTime(&sub.RenewsAt, attrs.RenewsAt)
	setTime(&sub.EndsAt, attrs.EndsAt)
	setTime(&sub.TrialEndsAt, attrs.TrialEndsAt)

	if interval := domain.DeriveInterval(sub.VariantName); interval != "" {
		sub.BillingInterval = interval
	}
}

// mergeInvoice refreshes the monetary snapshot. Payment notifications never carry a status.
func mergeInvoice(sub *domain.Subscription, attrs *event.SubscriptionInvoiceAttributes) {
	if attrs == nil {
		return
	}
	setString(&sub.CustomerEmail, attrs.UserEmail)
	setString(&sub.ProviderCustomerID, attrs.CustomerID)

	setAmount(&sub.Total, attrs.Total)
	setAmount(&sub.Subtotal, attrs.Subtotal)
	setAmount(&sub.Tax, attrs.Tax)
	if currency := strings.ToUpper(strings.TrimSpace(attrs.Currency.String())); currency != "" {
		sub.Currency = currency
	}
}

func setAmount(dst *decimal.NullDecimal, v *event.FlexInt) {
	if v != nil {
		*dst = minorUnits(*v)
	}
}

func minorUnits(v event.FlexInt) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.New(v.Int64(), -2))
}

func setString(dst *string, v event.FlexString) {
	if value := strings.TrimSpace(v.String()); value != "" {
		*dst = value
	}
}

func setTime(dst **time.Time, v event.Timestamp) {
	if ts := v.Ptr(); ts != nil {
		*dst = ts
	}
}

func (s *Service) linkCustomer(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) {
	if sub.CustomerID != nil || sub.CustomerEmail == "" || s.customers == nil {
		return
	}
	customerID, err := s.customers.FindByEmail(ctx, tx, sub.CustomerEmail)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("customer lookup failed",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.Error(err),
		)
		return
	}
	sub.CustomerID = customerID
}

func (s *Service) publishChanged(ctx context.Context, evt *event.Event, sub *domain.Subscription) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, events.Event{
		ID:         s.genID.Generate().String(),
		Type:       events.EventSubscriptionChanged,
		Key:        sub.SubscriptionID,
		OccurredAt: s.clock.Now(),
		Payload: map[string]any{
			"subscription_id":  sub.SubscriptionID,
			"event_name":       string(evt.Name()),
			"status":           string(sub.Status),
			"is_active":        sub.IsActive(),
			"billing_interval": string(sub.BillingInterval),
		},
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to publish subscription change",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.Error(err),
		)
	}
}

func (s *Service) Find(ctx context.Context, conn *gorm.DB, subscriptionID string) (*domain.Subscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, domain.ErrInvalidSubscriptionID
	}
	if conn == nil {
		conn = s.db
	}
	return s.repo.FindBySubscriptionID(ctx, conn, subscriptionID)
}

func (s *Service) PortalURL(ctx context.Context, subscriptionID string) (string, error) {
	sub, err := s.Find(ctx, nil, subscriptionID)
	if err != nil {
		return "", err
	}
	if sub != nil && sub.CustomerPortalURL != "" {
		return sub.CustomerPortalURL, nil
	}

	anchor, err := s.portalAnchor(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrPortalUnavailable, err)
	}
	apiKey, err := s.anchors.APIKey(ctx, anchor)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrPortalUnavailable, err)
	}
	if apiKey == "" {
		return "", domain.ErrPortalUnavailable
	}

	url, err := s.provider.SubscriptionPortalURL(ctx, apiKey, strings.TrimSpace(subscriptionID))
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("portal url lookup failed",
			zap.String("subscription_id", subscriptionID),
			zap.Error(err),
		)
		if sub == nil && errors.Is(err, lemonsqueezy.ErrNotFound) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("%w: %w", domain.ErrPortalUnavailable, err)
	}
	return url, nil
}

func (s *Service) portalAnchor(ctx context.Context, sub *domain.Subscription) (*anchordomain.Anchor, error) {
	if sub != nil && sub.AnchorID != nil {
		anchor, err := s.anchors.Get(ctx, *sub.AnchorID)
		if err == nil && anchor.Enabled {
			return anchor, nil
		}
		if err != nil && !errors.Is(err, anchordomain.ErrNotFound) {
			return nil, err
		}
	}
	return s.anchors.FirstEnabled(ctx)
}

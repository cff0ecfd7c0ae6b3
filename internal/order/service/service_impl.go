package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/config"
	customerdomain "github.com/smallbiznis/lemonsync/internal/customer/domain"
	"github.com/smallbiznis/lemonsync/internal/events"
	"github.com/smallbiznis/lemonsync/internal/observability/logger"
	"github.com/smallbiznis/lemonsync/internal/order/domain"
	settlementdomain "github.com/smallbiznis/lemonsync/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/lemonsync/internal/subscription/domain"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/internal/webhook/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errAlreadyRecorded rolls back a transaction that lost the insert race.
var errAlreadyRecorded = errors.New("order_already_recorded")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	Customers     customerdomain.Service
	Subscriptions subscriptiondomain.Service
	Settlement    settlementdomain.Service
	Settings      *config.SettlementConfigHolder `optional:"true"`
	Publisher     events.Publisher               `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	customers     customerdomain.Service
	subscriptions subscriptiondomain.Service
	settlement    settlementdomain.Service
	settings      *config.SettlementConfigHolder
	publisher     events.Publisher
	validate      *validator.Validate
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("order.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		customers:     p.Customers,
		subscriptions: p.Subscriptions,
		settlement:    p.Settlement,
		settings:      p.Settings,
		publisher:     p.Publisher,
		validate:      validator.New(),
	}
}

func (s *Service) Apply(ctx context.Context, evt *event.Event, anchor *anchordomain.Anchor) error {
	ctx, span := otel.Tracer("lemonsync/webhook").Start(ctx, "order.apply")
	defer span.End()

	if evt == nil || evt.Kind() != event.KindOrder || evt.Order == nil {
		return domain.ErrUnsupportedEvent
	}
	orderID := strings.TrimSpace(evt.ID)
	if orderID == "" {
		return domain.ErrInvalidOrderID
	}
	span.SetAttributes(attribute.String("lemonsync.order_id", orderID))
	log := logger.WithContext(ctx, s.log).With(zap.String("order_id", orderID))

	var (
		recorded *domain.Order
		settled  settlementdomain.Result
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByOrderID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if existing != nil {
			log.Info("order already processed")
			return nil
		}

		order, rawCurrency := s.build(ctx, tx, evt, anchor, orderID)

		if requestID := evt.Meta.PaymentRequestID(); requestID != "" && s.settlement != nil {
			order.PaymentRequestID = requestID
			claim := settlementdomain.Claim{
				PaymentRequestID: requestID,
				ProviderOrderID:  orderID,
				ProviderStatus:   evt.Order.Status.String(),
				Amount:           order.Total,
				Currency:         rawCurrency,
			}
			if order.OrderDate != nil {
				claim.OccurredAt = *order.OrderDate
			}
			result, err := s.settlement.Settle(ctx, tx, claim)
			if err != nil {
				return err
			}
			order.SettlementOutcome = string(result.Outcome)
			settled = result
		}

		inserted, err := s.repo.InsertIfAbsent(ctx, tx, order)
		if err != nil {
			return err
		}
		if !inserted {
			return errAlreadyRecorded
		}
		recorded = order
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		log.Info("order recorded concurrently, delivery treated as processed")
		return nil
	}
	if err != nil {
		return err
	}
	if recorded == nil {
		return nil
	}

	span.SetAttributes(
		attribute.String("lemonsync.order_status", string(recorded.Status)),
		attribute.String("lemonsync.settlement_outcome", recorded.SettlementOutcome),
	)
	if s.settlement != nil {
		s.settlement.Complete(ctx, settled)
	}
	s.publishRecorded(ctx, recorded)
	return nil
}

// build maps the event onto a new order. It also returns the currency as
// sent, before the known-currency fallback.
func (s *Service) build(ctx context.Context, tx *gorm.DB, evt *event.Event, anchor *anchordomain.Anchor, orderID string) (*domain.Order, string) {
	log := logger.WithContext(ctx, s.log).With(zap.String("order_id", orderID))
	attrs := evt.Order
	cfg := s.settings.Get()

	rawCurrency := strings.ToUpper(strings.TrimSpace(attrs.Currency.String()))
	currency := rawCurrency
	if !cfg.IsKnownCurrency(currency) {
		currency = strings.ToUpper(cfg.BaseCurrency)
		if rawCurrency != "" {
			log.Warn("unknown order currency, using baseline",
				zap.String("currency", rawCurrency),
				zap.String("baseline", currency),
			)
		}
	}
	if rawCurrency == "" {
		rawCurrency = currency
	}

	order := &domain.Order{
		ID:                   s.genID.Generate(),
		OrderID:              orderID,
		Status:               domain.StatusBucket(attrs.Status.String(), attrs.Refunded.Bool()),
		Identifier:           strings.TrimSpace(attrs.Identifier.String()),
		OrderNumber:          strings.TrimSpace(attrs.OrderNumber.String()),
		StoreID:              strings.TrimSpace(attrs.StoreID.String()),
		CustomerName:         strings.TrimSpace(attrs.UserName.String()),
		ProviderCustomerID:   strings.TrimSpace(attrs.CustomerID.String()),
		Total:                minorUnits(attrs.Total),
		Subtotal:             minorUnits(attrs.Subtotal),
		DiscountTotal:        minorUnits(attrs.DiscountTotal),
		Tax:                  minorUnits(attrs.Tax),
		Currency:             currency,
		OrderDate:            attrs.CreatedAt.Ptr(),
		BillingIntervalCount: 1,
		FirstOrder:           attrs.IsFirstOrder(),
		CreatedAt:            s.clock.Now(),
	}
	if anchor != nil {
		anchorID := anchor.ID
		order.AnchorID = &anchorID
	}
	if item := attrs.FirstOrderItem; item != nil {
		order.ProductID = strings.TrimSpace(item.ProductID.String())
		order.VariantID = strings.TrimSpace(item.VariantID.String())
		order.ProductName = strings.TrimSpace(item.ProductName.String())
		order.VariantName = strings.TrimSpace(item.VariantName.String())
	}

	if email := strings.TrimSpace(attrs.UserEmail.String()); email != "" {
		if err := s.validate.Var(email, "email"); err != nil {
			log.Warn("malformed customer email dropped")
		} else {
			order.CustomerEmail = email
		}
	}

	s.linkSubscription(ctx, tx, order, attrs.SubscriptionID())
	s.linkCustomer(ctx, tx, order)
	return order, rawCurrency
}

func (s *Service) linkSubscription(ctx context.Context, tx *gorm.DB, order *domain.Order, subscriptionID string) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return
	}
	order.SubscriptionID = subscriptionID
	order.IsSubscription = true

	if s.subscriptions != nil {
		sub, err := s.subscriptions.Find(ctx, tx, subscriptionID)
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("subscription lookup failed",
				zap.String("order_id", order.OrderID),
				zap.String("subscription_id", subscriptionID),
				zap.Error(err),
			)
		}
		if sub != nil {
			subID := sub.ID
			order.SubscriptionRecordID = &subID
			order.BillingInterval = sub.BillingInterval
			if order.BillingInterval == "" {
				order.BillingInterval = subscriptiondomain.DeriveInterval(sub.VariantName)
			}
		}
	}
	if order.BillingInterval == "" {
		order.BillingInterval = subscriptiondomain.DeriveInterval(order.VariantName)
	}
}

func (s *Service) linkCustomer(ctx context.Context, tx *gorm.DB, order *domain.Order) {
	if order.CustomerEmail == "" || s.customers == nil {
		return
	}
	customerID, err := s.customers.FindByEmail(ctx, tx, order.CustomerEmail)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("customer lookup failed",
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)
		return
	}
	order.CustomerID = customerID
}

func (s *Service) publishRecorded(ctx context.Context, order *domain.Order) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, events.Event{
		ID:         s.genID.Generate().String(),
		Type:       events.EventOrderRecorded,
		Key:        order.OrderID,
		OccurredAt: s.clock.Now(),
		Payload: map[string]any{
			"order_id":           order.OrderID,
			"status":             string(order.Status),
			"total":              order.Total.String(),
			"currency":           order.Currency,
			"is_subscription":    order.IsSubscription,
			"subscription_id":    order.SubscriptionID,
			"first_order":        order.FirstOrder,
			"payment_request_id": order.PaymentRequestID,
			"settlement_outcome": order.SettlementOutcome,
		},
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to publish order record",
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)
	}
}

func (s *Service) Find(ctx context.Context, orderID string) (*domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, domain.ErrInvalidOrderID
	}
	order, err := s.repo.FindByOrderID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrNotFound
	}
	return order, nil
}

func minorUnits(v event.FlexInt) decimal.Decimal {
	return decimal.New(v.Int64(), -2)
}

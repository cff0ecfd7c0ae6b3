package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	"github.com/smallbiznis/lemonsync/internal/authorization"
	"github.com/smallbiznis/lemonsync/internal/checkout/domain"
	"github.com/smallbiznis/lemonsync/internal/identity"
	"github.com/smallbiznis/lemonsync/internal/lemonsqueezy"
	"github.com/smallbiznis/lemonsync/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/lemonsync/internal/subscription/domain"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	Log           *zap.Logger
	Anchors       anchordomain.Service
	Subscriptions subscriptiondomain.Service
	Provider      lemonsqueezy.API
	Authz         authorization.Service `optional:"true"`
	AuditSvc      auditdomain.Service   `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	anchors       anchordomain.Service
	subscriptions subscriptiondomain.Service
	provider      lemonsqueezy.API
	authz         authorization.Service
	auditSvc      auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		log:           p.Log.Named("checkout.service"),
		anchors:       p.Anchors,
		subscriptions: p.Subscriptions,
		provider:      p.Provider,
		authz:         p.Authz,
		auditSvc:      p.AuditSvc,
	}
}

func (s *Service) CheckoutURL(ctx context.Context, input domain.CheckoutInput) (string, error) {
	if s.authz != nil {
		if err := s.authz.Authorize(ctx, identity.Current(ctx), authorization.ObjectCheckout, authorization.ActionCreate); err != nil {
			return "", err
		}
	}
	log := logger.WithContext(ctx, s.log)

	var customPrice int64
	if input.Amount.Valid {
		if !input.Amount.Decimal.IsPositive() {
			return "", domain.ErrInvalidAmount
		}
		customPrice = input.Amount.Decimal.Mul(hundred).Round(0).IntPart()
	}

	anchor, err := s.anchor(ctx, input.AnchorID)
	if err != nil {
		if errors.Is(err, anchordomain.ErrNotFound) {
			return "", err
		}
		log.Warn("checkout settings unavailable", zap.Error(err))
		return "", fmt.Errorf("%w: %w", domain.ErrCheckoutUnavailable, err)
	}

	variantID := strings.TrimSpace(input.VariantID)
	if variantID == "" {
		variantID = strings.TrimSpace(anchor.DefaultVariantID)
	}
	if variantID == "" {
		return "", domain.ErrVariantRequired
	}

	apiKey, err := s.anchors.APIKey(ctx, anchor)
	if err != nil || apiKey == "" || strings.TrimSpace(anchor.StoreID) == "" {
		log.Warn("checkout credentials incomplete",
			zap.String("anchor_id", anchor.ID.String()),
			zap.Error(err),
		)
		return "", domain.ErrCheckoutUnavailable
	}

	url, err := s.provider.CreateCheckout(ctx, apiKey, lemonsqueezy.CheckoutRequest{
		StoreID:          anchor.StoreID,
		VariantID:        variantID,
		ReferenceType:    strings.TrimSpace(input.ReferenceType),
		ReferenceID:      strings.TrimSpace(input.ReferenceID),
		PaymentRequestID: strings.TrimSpace(input.PaymentRequestID),
		Email:            input.Email,
		Name:             input.Name,
		CustomPrice:      customPrice,
	})
	if err != nil {
		log.Error("checkout creation failed",
			zap.String("anchor_id", anchor.ID.String()),
			zap.String("variant_id", variantID),
			zap.String("payment_request_id", input.PaymentRequestID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %w", domain.ErrCheckoutUnavailable, err)
	}

	if s.auditSvc != nil {
		targetID := strings.TrimSpace(input.PaymentRequestID)
		var target *string
		if targetID != "" {
			target = &targetID
		}
		if err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeAdmin), nil, "checkout.create", "payment_request", target, map[string]any{
			"anchor_id":      anchor.ID.String(),
			"variant_id":     variantID,
			"reference_type": input.ReferenceType,
			"reference_id":   input.ReferenceID,
			"custom_price":   customPrice,
		}); err != nil {
			log.Warn("failed to write checkout audit log", zap.Error(err))
		}
	}
	return url, nil
}

func (s *Service) anchor(ctx context.Context, id *snowflake.ID) (*anchordomain.Anchor, error) {
	if id == nil {
		return s.anchors.FirstEnabled(ctx)
	}
	anchor, err := s.anchors.Get(ctx, *id)
	if err != nil {
		return nil, err
	}
	if !anchor.Enabled {
		return nil, anchordomain.ErrNoEnabledAnchor
	}
	return anchor, nil
}

func (s *Service) PortalURL(ctx context.Context, subscriptionID string) (string, error) {
	return s.subscriptions.PortalURL(ctx, subscriptionID)
}

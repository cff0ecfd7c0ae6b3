package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	"github.com/smallbiznis/lemonsync/internal/authorization"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/events"
	"github.com/smallbiznis/lemonsync/internal/exchangerate"
	"github.com/smallbiznis/lemonsync/internal/identity"
	ledgerdomain "github.com/smallbiznis/lemonsync/internal/ledger/domain"
	"github.com/smallbiznis/lemonsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/lemonsync/internal/observability/metrics"
	"github.com/smallbiznis/lemonsync/internal/settlement/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Ledger     ledgerdomain.Service
	Rates      exchangerate.Resolver
	Settings   *config.SettlementConfigHolder `optional:"true"`
	Authz      authorization.Service          `optional:"true"`
	AuditSvc   auditdomain.Service            `optional:"true"`
	Publisher  events.Publisher               `optional:"true"`
	ObsMetrics *obsmetrics.Metrics            `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	principal  string
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	ledger     ledgerdomain.Service
	rates      exchangerate.Resolver
	settings   *config.SettlementConfigHolder
	authz      authorization.Service
	auditSvc   auditdomain.Service
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("settlement.service"),
		principal:  p.Cfg.ServicePrincipal,
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledger:     p.Ledger,
		rates:      p.Rates,
		settings:   p.Settings,
		authz:      p.Authz,
		auditSvc:   p.AuditSvc,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Settle(ctx context.Context, tx *gorm.DB, claim domain.Claim) (domain.Result, error) {
	ctx, span := otel.Tracer("lemonsync/settlement").Start(ctx, "settlement.settle")
	defer span.End()

	claim.PaymentRequestID = strings.TrimSpace(claim.PaymentRequestID)
	if claim.PaymentRequestID == "" {
		return domain.Result{}, domain.ErrInvalidPaymentRequestID
	}
	span.SetAttributes(
		attribute.String("lemonsync.payment_request_id", claim.PaymentRequestID),
		attribute.String("lemonsync.order_id", claim.ProviderOrderID),
	)

	ctx, restore, err := s.elevate(ctx)
	defer restore()
	if err != nil {
		return domain.Result{}, err
	}
	if s.authz != nil {
		if err := s.authz.Authorize(ctx, identity.Current(ctx), authorization.ObjectPaymentRequest, authorization.ActionSettle); err != nil {
			return domain.Result{}, err
		}
	}

	result, err := s.settle(ctx, tx, claim)
	if err != nil {
		s.obsMetrics.RecordSettlement(ctx, "error")
		return domain.Result{}, err
	}
	span.SetAttributes(attribute.String("lemonsync.settlement_outcome", string(result.Outcome)))
	if !result.Settled() {
		s.obsMetrics.RecordSettlement(ctx, string(result.Outcome))
		logger.WithContext(ctx, s.log).Info("settlement skipped",
			zap.String("payment_request_id", claim.PaymentRequestID),
			zap.String("order_id", claim.ProviderOrderID),
			zap.String("outcome", string(result.Outcome)),
		)
	}
	return result, nil
}

// elevate switches to the service principal. The restore func is always safe to call.
func (s *Service) elevate(ctx context.Context) (context.Context, func(), error) {
	if identity.SessionFrom(ctx) == nil {
		ctx, _ = identity.WithSession(ctx, identity.Anonymous)
	}
	return identity.Elevate(ctx, s.principal)
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, claim domain.Claim) (domain.Result, error) {
	skip := func(outcome domain.Outcome) (domain.Result, error) {
		return domain.Result{Outcome: outcome, ProviderOrderID: claim.ProviderOrderID}, nil
	}

	if !strings.EqualFold(strings.TrimSpace(claim.ProviderStatus), "paid") {
		return skip(domain.OutcomeNotPaid)
	}

	request, err := s.repo.FindByIDForUpdate(ctx, tx, claim.PaymentRequestID)
	if err != nil {
		return domain.Result{}, err
	}
	if request == nil {
		return skip(domain.OutcomeObligationNotFound)
	}
	switch request.Status {
	case domain.StatusPaid:
		return skip(domain.OutcomeAlreadySettled)
	case domain.StatusCancelled:
		return skip(domain.OutcomeInvalidObligation)
	}
	if !request.Amount.IsPositive() {
		return skip(domain.OutcomeInvalidObligation)
	}

	tolerance := s.settings.Get().Tolerance()
	if claim.Amount.LessThan(request.Amount.Sub(tolerance)) {
		return skip(domain.OutcomeAmountShort)
	}
	if !strings.EqualFold(strings.TrimSpace(claim.Currency), strings.TrimSpace(request.Currency)) {
		return skip(domain.OutcomeCurrencyMismatch)
	}

	occurredAt := claim.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}
	source := strings.ToUpper(strings.TrimSpace(request.Currency))
	target := strings.ToUpper(strings.TrimSpace(request.TargetCurrency()))

	rate := decimal.NewFromInt(1)
	if source != target {
		rate, err = s.rates.Resolve(ctx, source, target, occurredAt)
		if err != nil {
			return domain.Result{}, fmt.Errorf("%w: %w", domain.ErrConversionFailed, err)
		}
	}

	allocated := decimal.Min(request.Amount, claim.Amount)
	overpaid := claim.Amount.Sub(allocated)
	convertedPaid := claim.Amount.Mul(rate).Round(2)
	paidMinor := toMinor(convertedPaid)
	allocatedMinor := toMinor(allocated.Mul(rate))
	if allocatedMinor > paidMinor {
		allocatedMinor = paidMinor
	}

	inserted, err := s.ledger.CreateEntry(ctx, tx, ledgerdomain.CreateEntryRequest{
		SourceType:      ledgerdomain.SourceTypePaymentRequest,
		SourceRef:       request.ID,
		Currency:        target,
		SourceAmount:    claim.Amount,
		SourceCurrency:  source,
		ExchangeRate:    rate,
		ConvertedAmount: convertedPaid,
		ProviderOrderID: claim.ProviderOrderID,
		OccurredAt:      occurredAt,
		Lines: []ledgerdomain.Line{
			{Account: ledgerdomain.AccountCodeCash, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: paidMinor},
			{Account: ledgerdomain.AccountCodeAccountsReceivable, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: allocatedMinor},
			{Account: ledgerdomain.AccountCodeCreditBalance, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: paidMinor - allocatedMinor},
		},
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("%w: %w", domain.ErrPostingFailed, err)
	}
	if !inserted {
		logger.WithContext(ctx, s.log).Warn("posting already existed for unpaid request, completing flip",
			zap.String("payment_request_id", request.ID),
		)
	}

	paidAt := s.clock.Now()
	changed, err := s.repo.MarkPaid(ctx, tx, request.ID, paidAt)
	if err != nil {
		return domain.Result{}, fmt.Errorf("%w: %w", domain.ErrMarkPaidFailed, err)
	}
	if !changed {
		return skip(domain.OutcomeAlreadySettled)
	}
	request.Status = domain.StatusPaid
	request.PaidAt = &paidAt

	if s.auditSvc != nil {
		requestID := request.ID
		err := tx.Transaction(func(sp *gorm.DB) error {
			return s.auditSvc.WithTx(sp).AuditLog(ctx, string(auditdomain.ActorTypeService), &s.principal, "payment_request.settled", "payment_request", &requestID, map[string]any{
				"provider_order_id": claim.ProviderOrderID,
				"amount":            claim.Amount.String(),
				"currency":          source,
				"exchange_rate":     rate.String(),
				"converted_amount":  convertedPaid.String(),
				"overpaid":          overpaid.String(),
			})
		})
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("failed to write settlement audit log", zap.Error(err))
		}
	}

	return domain.Result{
		Outcome:         domain.OutcomeSettled,
		Request:         request,
		ProviderOrderID: claim.ProviderOrderID,
		Allocated:       allocated,
		Overpaid:        overpaid,
		ExchangeRate:    rate,
	}, nil
}

func (s *Service) Complete(ctx context.Context, result domain.Result) {
	if !result.Settled() || result.Request == nil {
		return
	}
	s.obsMetrics.RecordSettlement(ctx, string(domain.OutcomeSettled))

	log := logger.WithContext(ctx, s.log)
	log.Info("payment request settled",
		zap.String("payment_request_id", result.Request.ID),
		zap.String("order_id", result.ProviderOrderID),
		zap.String("allocated", result.Allocated.String()),
	)
	if s.publisher == nil {
		return
	}

	err := s.publisher.Publish(ctx, events.Event{
		ID:         s.genID.Generate().String(),
		Type:       events.EventPaymentRequestPaid,
		Key:        result.Request.ID,
		OccurredAt: s.clock.Now(),
		Payload: map[string]any{
			"payment_request_id": result.Request.ID,
			"reference_type":     result.Request.ReferenceType,
			"reference_id":       result.Request.ReferenceID,
			"amount":             result.Request.Amount.String(),
			"currency":           result.Request.Currency,
			"allocated":          result.Allocated.String(),
			"overpaid":           result.Overpaid.String(),
			"provider_order_id":  result.ProviderOrderID,
		},
	})
	if err != nil {
		log.Warn("failed to publish payment request completion",
			zap.String("payment_request_id", result.Request.ID),
			zap.Error(err),
		)
	}
}

func toMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// Package gateway owns the lifecycle of one inbound LemonSqueezy delivery:
// authenticate, decode, log, then dispatch to the matching reconciler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	obscontext "github.com/smallbiznis/lemonsync/internal/observability/context"
	"github.com/smallbiznis/lemonsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/lemonsync/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/lemonsync/internal/order/domain"
	subscriptiondomain "github.com/smallbiznis/lemonsync/internal/subscription/domain"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/internal/webhook/event"
	"github.com/smallbiznis/lemonsync/internal/webhook/signature"
	"github.com/smallbiznis/lemonsync/internal/webhooklog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	MessagePayloadTooLarge     = "Payload too large"
	MessageNoSignature         = "No signature provided"
	MessageNoEnabledSettings   = "No enabled settings"
	MessageInvalidSignature    = "Invalid signature"
	MessageInvalidJSON         = "Invalid JSON"
	MessageNotSupported        = "Event not supported"
	MessageSettingsUnavailable = "Failed to load settings"
	MessageLogFailed           = "Failed to record webhook"
)

// Body is the JSON envelope returned to the provider.
type Body struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type Response struct {
	Code int
	Body Body
}

func success(message string) Response {
	return Response{Code: http.StatusOK, Body: Body{Status: StatusSuccess, Message: message}}
}

func failure(code int, message string) Response {
	return Response{Code: code, Body: Body{Status: StatusError, Message: message}}
}

type Verifier interface {
	Verify(ctx context.Context, rawBody []byte, claimed string) (*anchordomain.Anchor, error)
}

type Reconciler interface {
	Apply(ctx context.Context, evt *event.Event, anchor *anchordomain.Anchor) error
}

type Params struct {
	fx.In

	Log           *zap.Logger
	Verifier      *signature.Verifier
	EventLog      webhooklog.Service
	Orders        orderdomain.Service
	Subscriptions subscriptiondomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Gateway struct {
	log           *zap.Logger
	verifier      Verifier
	eventLog      webhooklog.Service
	orders        Reconciler
	subscriptions Reconciler
	metrics       *obsmetrics.Metrics
}

func NewGateway(p Params) *Gateway {
	return New(p.Log, p.Verifier, p.EventLog, p.Orders, p.Subscriptions, p.ObsMetrics)
}

func New(log *zap.Logger, verifier Verifier, eventLog webhooklog.Service, orders, subscriptions Reconciler, metrics *obsmetrics.Metrics) *Gateway {
	return &Gateway{
		log:           log.Named("webhook.gateway"),
		verifier:      verifier,
		eventLog:      eventLog,
		orders:        orders,
		subscriptions: subscriptions,
		metrics:       metrics,
	}
}

var Module = fx.Module("webhook.gateway",
	fx.Provide(NewGateway),
)

// ReadBody reads at most one byte past event.MaxPayloadBytes so oversized
// bodies are detected without buffering them.
func ReadBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, event.MaxPayloadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > event.MaxPayloadBytes {
		return nil, event.ErrPayloadTooLarge
	}
	return body, nil
}

// Handle processes one delivery. body must be the exact bytes received.
func (g *Gateway) Handle(ctx context.Context, body []byte, claimedSignature string) Response {
	ctx, span := otel.Tracer("lemonsync/webhook").Start(ctx, "webhook.handle")
	defer span.End()
	log := logger.WithContext(ctx, g.log)

	if len(body) > event.MaxPayloadBytes {
		g.metrics.RecordWebhookEvent(ctx, "", "too_large")
		return failure(http.StatusRequestEntityTooLarge, MessagePayloadTooLarge)
	}

	anchor, err := g.verifier.Verify(ctx, body, claimedSignature)
	if err != nil {
		g.metrics.RecordWebhookEvent(ctx, "", "unauthenticated")
		span.SetStatus(codes.Error, "unauthenticated")
		switch {
		case errors.Is(err, signature.ErrMissingSignature):
			return failure(http.StatusUnauthorized, MessageNoSignature)
		case errors.Is(err, signature.ErrNoEnabledAnchor):
			return failure(http.StatusUnauthorized, MessageNoEnabledSettings)
		case errors.Is(err, signature.ErrInvalidSignature):
			return failure(http.StatusUnauthorized, MessageInvalidSignature)
		}
		log.Error("failed to load trust anchors", zap.Error(err))
		return failure(http.StatusInternalServerError, MessageSettingsUnavailable)
	}
	span.SetAttributes(attribute.String("lemonsync.anchor_id", anchor.ID.String()))
	ctx = obscontext.WithAnchorID(ctx, anchor.ID.String())

	evt, err := g.parse(ctx, body)
	if err != nil {
		g.metrics.RecordWebhookEvent(ctx, "", "invalid")
		log.Warn("webhook rejected, invalid payload", zap.Error(err))
		switch {
		case errors.Is(err, event.ErrPayloadTooLarge):
			return failure(http.StatusRequestEntityTooLarge, MessagePayloadTooLarge)
		case errors.Is(err, event.ErrInvalidEvent):
			return failure(http.StatusBadRequest, err.Error())
		}
		return failure(http.StatusBadRequest, MessageInvalidJSON)
	}

	name := string(evt.Name())
	span.SetAttributes(attribute.String("lemonsync.event_name", name))
	log = log.With(zap.String("event_name", name), zap.String("anchor_id", anchor.ID.String()))

	if !evt.Supported() {
		g.metrics.RecordWebhookEvent(ctx, name, "unsupported")
		log.Info("webhook event not supported")
		return success(MessageNotSupported)
	}

	entry, err := g.eventLog.Append(ctx, name, body, anchor)
	if err != nil {
		g.metrics.RecordWebhookEvent(ctx, name, "log_failed")
		span.SetStatus(codes.Error, "log append failed")
		log.Error("failed to append webhook log", zap.Error(err))
		return failure(http.StatusInternalServerError, MessageLogFailed)
	}

	if err := g.dispatch(ctx, evt, anchor); err != nil {
		g.metrics.RecordWebhookEvent(ctx, name, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		log.Error("webhook processing failed",
			zap.String("log_id", entry.ID.String()),
			zap.String("subject_id", evt.ID),
			zap.Error(err),
		)
		if markErr := g.eventLog.MarkFailed(context.WithoutCancel(ctx), entry, err); markErr != nil {
			log.Error("failed to mark webhook log failed", zap.Error(markErr))
		}
		return failure(http.StatusInternalServerError, err.Error())
	}

	g.metrics.RecordWebhookEvent(ctx, name, "processed")
	log.Info("webhook processed", zap.String("log_id", entry.ID.String()), zap.String("subject_id", evt.ID))
	return success("")
}

func (g *Gateway) parse(ctx context.Context, body []byte) (*event.Event, error) {
	_, span := otel.Tracer("lemonsync/webhook").Start(ctx, "webhook.parse")
	defer span.End()
	return event.Parse(body)
}

func (g *Gateway) dispatch(ctx context.Context, evt *event.Event, anchor *anchordomain.Anchor) error {
	switch evt.Kind() {
	case event.KindOrder:
		return g.orders.Apply(ctx, evt, anchor)
	case event.KindSubscription, event.KindSubscriptionPayment:
		return g.subscriptions.Apply(ctx, evt, anchor)
	default:
		return fmt.Errorf("no reconciler for %s", evt.Name())
	}
}

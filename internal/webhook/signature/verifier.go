// Package signature authenticates inbound LemonSqueezy deliveries against the
// enabled trust anchors.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	obsmetrics "github.com/smallbiznis/lemonsync/internal/observability/metrics"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Header carries the hex HMAC-SHA256 of the raw request body.
const Header = "X-Signature"

var (
	ErrMissingSignature = errors.New("missing_signature")
	ErrNoEnabledAnchor  = errors.New("no_enabled_anchor")
	ErrInvalidSignature = errors.New("invalid_signature")
)

// IsUnauthenticated reports whether err means the delivery could not be authenticated.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrNoEnabledAnchor) ||
		errors.Is(err, ErrInvalidSignature)
}

// AnchorStore is the read side of trust anchor storage.
type AnchorStore interface {
	ListEnabled(ctx context.Context) ([]anchordomain.Anchor, error)
	Secret(ctx context.Context, anchor *anchordomain.Anchor) (string, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Anchors    anchordomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Verifier struct {
	log     *zap.Logger
	anchors AnchorStore
	metrics *obsmetrics.Metrics
}

func NewVerifier(p Params) *Verifier {
	return New(p.Log, p.Anchors, p.ObsMetrics)
}

func New(log *zap.Logger, anchors AnchorStore, metrics *obsmetrics.Metrics) *Verifier {
	return &Verifier{
		log:     log.Named("webhook.signature"),
		anchors: anchors,
		metrics: metrics,
	}
}

var Module = fx.Module("webhook.signature",
	fx.Provide(NewVerifier),
)

// Verify returns the first enabled anchor whose secret signs rawBody to the
// claimed signature. rawBody must be the exact bytes received.
func (v *Verifier) Verify(ctx context.Context, rawBody []byte, claimed string) (*anchordomain.Anchor, error) {
	ctx, span := otel.Tracer("lemonsync/webhook").Start(ctx, "webhook.verify_signature")
	defer span.End()

	claimed = strings.TrimSpace(claimed)
	if claimed == "" {
		v.metrics.RecordSignatureFailure(ctx, "missing")
		return nil, ErrMissingSignature
	}

	anchors, err := v.anchors.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		v.log.Warn("webhook rejected, no enabled lemonsqueezy settings")
		v.metrics.RecordSignatureFailure(ctx, "no_anchor")
		return nil, ErrNoEnabledAnchor
	}

	claimedBytes := []byte(claimed)
	for i := range anchors {
		anchor := &anchors[i]
		if !anchor.HasWebhookSecret() {
			continue
		}
		secret, err := v.anchors.Secret(ctx, anchor)
		if err != nil {
			v.log.Error("failed to read webhook secret",
				zap.String("anchor_id", anchor.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if secret == "" {
			continue
		}
		if hmac.Equal([]byte(Sign(secret, rawBody)), claimedBytes) {
			span.SetAttributes(attribute.String("lemonsync.anchor_id", anchor.ID.String()))
			return anchor, nil
		}
	}

	v.log.Warn("webhook rejected, invalid signature", zap.Int("anchors_tried", len(anchors)))
	v.metrics.RecordSignatureFailure(ctx, "mismatch")
	return nil, ErrInvalidSignature
}

// Sign returns the lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

package domain

import (
	"context"
	"errors"

	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/internal/webhook/event"
	"gorm.io/gorm"
)

type Repository interface {
	FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID string) (*Subscription, error)
	// FindBySubscriptionIDForUpdate row-locks the record where the dialect supports it.
	FindBySubscriptionIDForUpdate(ctx context.Context, db *gorm.DB, subscriptionID string) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}

type Service interface {
	// Apply projects a subscription lifecycle or payment event onto local state.
	Apply(ctx context.Context, evt *event.Event, anchor *anchordomain.Anchor) error
	// Find returns nil when the subscription is unknown. A nil db uses the default handle.
	Find(ctx context.Context, db *gorm.DB, subscriptionID string) (*Subscription, error)
	// PortalURL returns the stored customer portal URL, falling back to the provider API.
	PortalURL(ctx context.Context, subscriptionID string) (string, error)
}

var (
	ErrInvalidSubscriptionID = errors.New("invalid_subscription_id")
	ErrStatusRequired        = errors.New("status_required")
	ErrUnsupportedEvent      = errors.New("unsupported_subscription_event")
	ErrNotFound              = errors.New("subscription_not_found")
	ErrPortalUnavailable     = errors.New("portal_url_unavailable")
)

// IsValidation reports whether err rejects the event content rather than
// signalling an infrastructure failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSubscriptionID) || errors.Is(err, ErrStatusRequired)
}

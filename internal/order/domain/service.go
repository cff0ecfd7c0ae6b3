package domain

import (
	"context"
	"errors"

	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/internal/webhook/event"
	"gorm.io/gorm"
)

type Repository interface {
	FindByOrderID(ctx context.Context, db *gorm.DB, orderID string) (*Order, error)
	// InsertIfAbsent reports false when an order with the same order id exists.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, order *Order) (bool, error)
}

type Service interface {
	// Apply records an order_created delivery once and settles any referenced
	// payment request in the same transaction.
	Apply(ctx context.Context, evt *event.Event, anchor *anchordomain.Anchor) error
	Find(ctx context.Context, orderID string) (*Order, error)
}

var (
	ErrInvalidOrderID   = errors.New("invalid_order_id")
	ErrUnsupportedEvent = errors.New("unsupported_order_event")
	ErrNotFound         = errors.New("order_not_found")
)

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidOrderID)
}

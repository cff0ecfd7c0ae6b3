package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/lemonsync/internal/subscription/domain"
	"github.com/smallbiznis/lemonsync/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBySubscriptionID(ctx context.Context, conn *gorm.DB, subscriptionID string) (*domain.Subscription, error) {
	return r.find(conn.WithContext(ctx), subscriptionID)
}

func (r *repo) FindBySubscriptionIDForUpdate(ctx context.Context, conn *gorm.DB, subscriptionID string) (*domain.Subscription, error) {
	q := conn.WithContext(ctx)
	if db.SupportsRowLocking(conn) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.find(q, subscriptionID)
}

func (r *repo) find(q *gorm.DB, subscriptionID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := q.Where("subscription_id = ?", subscriptionID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, subscription *domain.Subscription) error {
	return conn.WithContext(ctx).Create(subscription).Error
}

// Update writes every mutable column. subscription_id and created_at never change.
func (r *repo) Update(ctx context.Context, conn *gorm.DB, subscription *domain.Subscription) error {
	return conn.WithContext(ctx).Model(subscription).
		Select("*").
		Omit("id", "subscription_id", "created_at").
		Updates(subscription).Error
}

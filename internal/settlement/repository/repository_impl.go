package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/lemonsync/internal/settlement/domain"
	"github.com/smallbiznis/lemonsync/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id string) (*domain.PaymentRequest, error) {
	q := conn.WithContext(ctx)
	if db.SupportsRowLocking(conn) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var item domain.PaymentRequest
	err := q.Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) MarkPaid(ctx context.Context, conn *gorm.DB, id string, paidAt time.Time) (bool, error) {
	result := conn.WithContext(ctx).
		Model(&domain.PaymentRequest{}).
		Where("id = ? AND status <> ?", id, domain.StatusPaid).
		Updates(map[string]any{
			"status":     domain.StatusPaid,
			"paid_at":    paidAt,
			"updated_at": paidAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

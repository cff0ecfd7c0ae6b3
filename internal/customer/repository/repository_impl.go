package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lemonsync/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindIDByEmail(ctx context.Context, db *gorm.DB, email string) (*snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM customers
		 WHERE LOWER(email) = LOWER(?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		email,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return first(ids), nil
}

func (r *repo) FindIDByContactEmail(ctx context.Context, db *gorm.DB, email string) (*snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT cl.link_id
		 FROM contact_emails ce
		 JOIN contact_links cl ON cl.contact_id = ce.contact_id
		 WHERE LOWER(ce.email) = LOWER(?) AND cl.link_type = ?
		 ORDER BY ce.is_primary DESC, cl.id ASC
		 LIMIT 1`,
		email,
		domain.LinkTypeCustomer,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return first(ids), nil
}

func first(ids []int64) *snowflake.ID {
	if len(ids) == 0 {
		return nil
	}
	id := snowflake.ID(ids[0])
	return &id
}

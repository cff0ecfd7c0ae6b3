package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Anchor, error) {
	var item domain.Anchor
	err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindByGatewayKey(ctx context.Context, db *gorm.DB, gatewayKey string) (*domain.Anchor, error) {
	var item domain.Anchor
	err := db.WithContext(ctx).Where("gateway_key = ?", gatewayKey).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.Anchor, error) {
	var items []domain.Anchor
	if err := db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListEnabled(ctx context.Context, db *gorm.DB) ([]domain.Anchor, error) {
	var items []domain.Anchor
	err := db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, anchor *domain.Anchor) error {
	return db.WithContext(ctx).Create(anchor).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, anchor *domain.Anchor) error {
	return db.WithContext(ctx).Model(&domain.Anchor{}).
		Where("id = ?", anchor.ID).
		Updates(map[string]any{
			"name":                     anchor.Name,
			"gateway_key":              anchor.GatewayKey,
			"store_id":                 anchor.StoreID,
			"webhook_secret_encrypted": anchor.WebhookSecret,
			"api_key_encrypted":        anchor.APIKey,
			"default_variant_id":       anchor.DefaultVariantID,
			"enabled":                  anchor.Enabled,
			"sanitize_logs":            anchor.SanitizeLogs,
			"verbose_logging":          anchor.VerboseLogging,
			"updated_at":               anchor.UpdatedAt,
		}).Error
}

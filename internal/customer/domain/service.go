package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindIDByEmail(ctx context.Context, db *gorm.DB, email string) (*snowflake.ID, error)
	FindIDByContactEmail(ctx context.Context, db *gorm.DB, email string) (*snowflake.ID, error)
}

type Service interface {
	// FindByEmail returns the linked customer id, nil when none matches, or
	// an error when the lookup itself failed. A nil db uses the default handle.
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*snowflake.ID, error)
}

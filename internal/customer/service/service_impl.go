package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lemonsync/internal/customer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("customer.service"),
		repo: p.Repo,
	}
}

func (s *Service) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*snowflake.ID, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	if db == nil {
		db = s.db
	}

	id, err := s.repo.FindIDByEmail(ctx, db, email)
	if err != nil || id != nil {
		return id, err
	}
	return s.repo.FindIDByContactEmail(ctx, db, email)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	auditmasking "github.com/smallbiznis/lemonsync/internal/audit/masking"
	"github.com/smallbiznis/lemonsync/internal/authorization"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/identity"
	"github.com/smallbiznis/lemonsync/internal/lemonsqueezy"
	"github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Cfg      config.Config
	Clock    clock.Clock
	Provider lemonsqueezy.API
	AuditSvc auditdomain.Service   `optional:"true"`
	Authz    authorization.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	clock    clock.Clock
	sealer   *sealer
	provider lemonsqueezy.API
	auditSvc auditdomain.Service
	authz    authorization.Service
}

func NewService(p Params) domain.Service {
	log := p.Log.Named("trustanchor.service")
	seal, err := newSealer(p.Cfg.SettingsSecret)
	if err != nil {
		log.Error("failed to derive settings key", zap.Error(err))
		seal = &sealer{}
	}
	if len(seal.key) == 0 {
		log.Warn("SETTINGS_SECRET is empty; stored credentials cannot be read or written")
	}

	return &Service{
		db:       p.DB,
		log:      log,
		genID:    p.GenID,
		repo:     p.Repo,
		clock:    p.Clock,
		sealer:   seal,
		provider: p.Provider,
		auditSvc: p.AuditSvc,
		authz:    p.Authz,
	}
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (*domain.Summary, error) {
	if err := s.authorize(ctx, authorization.ActionManage); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	slugged := slug.Make(name)
	if name == "" || slugged == "" {
		return nil, domain.ErrInvalidName
	}
	gatewayKey := domain.GatewayKey(slugged)

	var (
		existing *domain.Anchor
		err      error
	)
	if req.ID != nil {
		existing, err = s.repo.FindByID(ctx, s.db, *req.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, domain.ErrNotFound
		}
	} else {
		existing, err = s.repo.FindByGatewayKey(ctx, s.db, gatewayKey)
		if err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	anchor := domain.Anchor{
		ID:           s.genID.Generate(),
		Enabled:      true,
		SanitizeLogs: true,
		CreatedAt:    now,
	}
	if existing != nil {
		anchor = *existing
	}
	anchor.Name = name
	anchor.GatewayKey = gatewayKey
	anchor.UpdatedAt = now
	if v := strings.TrimSpace(req.StoreID); v != "" {
		anchor.StoreID = v
	}
	if v := strings.TrimSpace(req.DefaultVariantID); v != "" {
		anchor.DefaultVariantID = v
	}
	if req.Enabled != nil {
		anchor.Enabled = *req.Enabled
	}
	if req.SanitizeLogs != nil {
		anchor.SanitizeLogs = *req.SanitizeLogs
	}
	if req.VerboseLogging != nil {
		anchor.VerboseLogging = *req.VerboseLogging
	}

	rotated := map[string]any{}
	if secret := strings.TrimSpace(req.WebhookSecret); secret != "" {
		sealed, err := s.sealer.seal(secret)
		if err != nil {
			return nil, err
		}
		anchor.WebhookSecret = sealed
		rotated["webhook_secret"] = secret
	}

	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey != "" {
		sealed, err := s.sealer.seal(apiKey)
		if err != nil {
			return nil, err
		}
		anchor.APIKey = sealed
		rotated["api_key"] = apiKey
	} else if anchor.HasAPIKey() && strings.TrimSpace(req.StoreID) != "" {
		apiKey, err = s.sealer.open(anchor.APIKey)
		if err != nil {
			return nil, err
		}
	}

	credentialsChanged := strings.TrimSpace(req.APIKey) != "" || strings.TrimSpace(req.StoreID) != ""
	if credentialsChanged && apiKey != "" && anchor.StoreID != "" {
		if _, err := s.checkStore(ctx, apiKey, anchor.StoreID); err != nil {
			return nil, err
		}
	}

	if existing == nil {
		err = s.repo.Insert(ctx, s.db, &anchor)
	} else {
		err = s.repo.Update(ctx, s.db, &anchor)
	}
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, err
	}

	action := "lemonsqueezy_settings.update"
	if existing == nil {
		action = "lemonsqueezy_settings.create"
	}
	metadata := map[string]any{
		"gateway_key":     anchor.GatewayKey,
		"store_id":        anchor.StoreID,
		"enabled":         anchor.Enabled,
		"sanitize_logs":   anchor.SanitizeLogs,
		"verbose_logging": anchor.VerboseLogging,
	}
	if masked := auditmasking.MaskJSON(rotated); len(masked) > 0 {
		metadata["masked_fields"] = masked
	}
	s.audit(ctx, action, anchor.ID, metadata)

	s.log.Info("lemonsqueezy settings saved",
		zap.String("anchor_id", anchor.ID.String()),
		zap.String("gateway_key", anchor.GatewayKey),
		zap.Bool("created", existing == nil),
	)

	summary := domain.NewSummary(&anchor)
	return &summary, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Summary, error) {
	if err := s.authorize(ctx, authorization.ActionView); err != nil {
		return nil, err
	}

	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	resp := make([]domain.Summary, 0, len(items))
	for i := range items {
		resp = append(resp, domain.NewSummary(&items[i]))
	}
	return resp, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Anchor, error) {
	anchor, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return nil, domain.ErrNotFound
	}
	return anchor, nil
}

func (s *Service) ListEnabled(ctx context.Context) ([]domain.Anchor, error) {
	return s.repo.ListEnabled(ctx, s.db)
}

func (s *Service) FirstEnabled(ctx context.Context) (*domain.Anchor, error) {
	items, err := s.repo.ListEnabled(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.ErrNoEnabledAnchor
	}
	return &items[0], nil
}

func (s *Service) Secret(ctx context.Context, anchor *domain.Anchor) (string, error) {
	if anchor == nil {
		return "", domain.ErrNotFound
	}
	return s.sealer.open(anchor.WebhookSecret)
}

func (s *Service) APIKey(ctx context.Context, anchor *domain.Anchor) (string, error) {
	if anchor == nil {
		return "", domain.ErrNotFound
	}
	return s.sealer.open(anchor.APIKey)
}

func (s *Service) TestConnection(ctx context.Context, id snowflake.ID) (*domain.ConnectionResult, error) {
	if err := s.authorize(ctx, authorization.ActionManage); err != nil {
		return nil, err
	}

	anchor, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.APIKey(ctx, anchor)
	if err != nil {
		return nil, err
	}
	if apiKey == "" || anchor.StoreID == "" {
		return nil, domain.ErrMissingCredentials
	}

	store, err := s.checkStore(ctx, apiKey, anchor.StoreID)
	result := &domain.ConnectionResult{OK: err == nil, StoreID: anchor.StoreID}
	if store != nil {
		result.StoreName = store.Name
		result.Currency = store.Currency
	}

	metadata := map[string]any{"ok": result.OK}
	if err != nil {
		metadata["error"] = err.Error()
	}
	s.audit(ctx, "lemonsqueezy_settings.test_connection", anchor.ID, metadata)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) checkStore(ctx context.Context, apiKey, storeID string) (*lemonsqueezy.Store, error) {
	store, err := s.provider.GetStore(ctx, apiKey, storeID)
	switch {
	case err == nil:
		return store, nil
	case errors.Is(err, lemonsqueezy.ErrInvalidAPIKey), errors.Is(err, lemonsqueezy.ErrMissingAPIKey):
		return nil, domain.ErrInvalidCredentials
	case errors.Is(err, lemonsqueezy.ErrStoreNotFound):
		return nil, domain.ErrStoreNotFound
	default:
		s.log.Warn("lemonsqueezy store lookup failed", zap.String("store_id", storeID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
	}
}

func (s *Service) authorize(ctx context.Context, action string) error {
	if s.authz == nil {
		return nil
	}
	return s.authz.Authorize(ctx, identity.Current(ctx), authorization.ObjectSettings, action)
}

func (s *Service) audit(ctx context.Context, action string, id snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	targetID := id.String()
	_ = s.auditSvc.AuditLog(ctx, "", nil, action, "lemonsqueezy_settings", &targetID, metadata)
}

package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	"github.com/smallbiznis/lemonsync/internal/audit/masking"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/identity"
	obscontext "github.com/smallbiznis/lemonsync/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) WithTx(tx *gorm.DB) auditdomain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}
	resolvedActorType, resolvedActorID := resolveActor(ctx, actorType, actorID)

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  resolvedActorType,
		ActorID:    resolvedActorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   normalizePointer(targetID),
		Metadata:   datatypes.JSONMap(masking.MaskJSON(metadata)),
		CreatedAt:  s.clock.Now(),
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		entry.RequestID = &requestID
	}

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, filter auditdomain.ListFilter) ([]auditdomain.AuditLog, error) {
	return s.repo.List(ctx, s.db, filter)
}

// resolveActor falls back to the principal the context runs as.
func resolveActor(ctx context.Context, actorType string, actorID *string) (string, *string) {
	actorType = strings.TrimSpace(actorType)
	if actorType != "" {
		return actorType, normalizePointer(actorID)
	}

	principal := identity.Current(ctx)
	switch {
	case principal == identity.Admin:
		return string(auditdomain.ActorTypeAdmin), nil
	case strings.HasPrefix(principal, "service:"):
		id := strings.TrimPrefix(principal, "service:")
		return string(auditdomain.ActorTypeService), normalizePointer(&id)
	default:
		return string(auditdomain.ActorTypeSystem), normalizePointer(actorID)
	}
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

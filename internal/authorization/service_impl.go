package authorization

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	"github.com/smallbiznis/lemonsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectPaymentRequest = "payment_request"
	ObjectLedgerEntry    = "ledger_entry"
	ObjectSettings       = "lemonsqueezy_settings"
	ObjectCheckout       = "checkout"
)

const (
	ActionSettle = "settle"
	ActionCreate = "create"
	ActionManage = "manage"
	ActionView   = "view"
)

const (
	RoleSystem = "role:system"
	RoleAdmin  = "role:admin"
)

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

type Service interface {
	Authorize(ctx context.Context, principal, object, action string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer builds the RBAC enforcer. A nil db keeps policies in memory only.
func NewEnforcer(db *gorm.DB, cfg config.Config) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	var enforcer *casbin.SyncedEnforcer
	if db != nil {
		adapter, err := gormadapter.NewAdapterByDB(db)
		if err != nil {
			return nil, err
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
		if err != nil {
			return nil, err
		}
		enforcer.EnableAutoSave(true)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err != nil {
			return nil, err
		}
	}
	enforcer.EnableAutoBuildRoleLinks(true)

	if err := seedPolicies(enforcer, cfg.ServicePrincipal); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, principal, object, action string) error {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(principal, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("principal", principal),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDenied(ctx, principal, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) auditDenied(ctx context.Context, principal, object, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := object + "." + action
	_ = s.auditSvc.AuditLog(ctx, "", nil, "authorization.denied", "authorization", &targetID, map[string]any{
		"principal": principal,
		"object":    object,
		"action":    action,
	})
}

func seedPolicies(enforcer *casbin.SyncedEnforcer, servicePrincipal string) error {
	policies := [][]string{
		{RoleSystem, ObjectPaymentRequest, ActionSettle},
		{RoleSystem, ObjectLedgerEntry, ActionCreate},

		{RoleAdmin, ObjectSettings, ActionManage},
		{RoleAdmin, ObjectSettings, ActionView},
		{RoleAdmin, ObjectCheckout, ActionCreate},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return err
		}
	}

	groupings := [][]string{{"admin", RoleAdmin}}
	if principal := strings.TrimSpace(servicePrincipal); principal != "" {
		groupings = append(groupings, []string{principal, RoleSystem})
	}
	for _, grouping := range groupings {
		if _, err := enforcer.AddGroupingPolicy(grouping[0], grouping[1]); err != nil {
			return err
		}
	}
	return nil
}

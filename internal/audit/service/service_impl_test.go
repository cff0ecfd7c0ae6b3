package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	"github.com/smallbiznis/lemonsync/internal/audit/repository"
	"github.com/smallbiznis/lemonsync/internal/audit/service"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuditService(t *testing.T) (auditdomain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		request_id TEXT,
		created_at DATETIME NOT NULL
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	return svc, db
}

func TestAuditLogResolvesElevatedServiceActor(t *testing.T) {
	svc, _ := setupAuditService(t)

	ctx, _ := identity.WithSession(context.Background(), identity.Anonymous)
	ctx, restore, err := identity.Elevate(ctx, "service:settlement")
	require.NoError(t, err)
	defer restore()

	target := "pr_001"
	require.NoError(t, svc.AuditLog(ctx, "", nil, "payment_request.settled", "payment_request", &target, map[string]any{
		"amount":  "49.00",
		"api_key": "should-not-leak",
	}))

	logs, err := svc.List(context.Background(), auditdomain.ListFilter{TargetID: "pr_001"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "service", logs[0].ActorType)
	require.NotNil(t, logs[0].ActorID)
	assert.Equal(t, "settlement", *logs[0].ActorID)
	assert.Equal(t, "49.00", logs[0].Metadata["amount"])
	assert.Equal(t, "****leak", logs[0].Metadata["api_key"])
}

func TestAuditLogRequiresAction(t *testing.T) {
	svc, _ := setupAuditService(t)
	err := svc.AuditLog(context.Background(), "admin", nil, "  ", "settings", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestWithTxRollsBackAuditRows(t *testing.T) {
	svc, db := setupAuditService(t)

	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.WithTx(tx).AuditLog(context.Background(), "admin", nil, "settings.updated", "settings", nil, nil))
		return fmt.Errorf("abort")
	})

	var count int64
	require.NoError(t, db.Raw("SELECT COUNT(1) FROM audit_logs").Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}

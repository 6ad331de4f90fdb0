package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/dojoflow/dojoflow/internal/audit/domain"
	"github.com/dojoflow/dojoflow/internal/audit/repository"
	auditcontext "github.com/dojoflow/dojoflow/internal/auditcontext"
	"github.com/dojoflow/dojoflow/internal/orgcontext"
	"github.com/dojoflow/dojoflow/pkg/db/pagination"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuditService(t *testing.T, node *snowflake.Node) (auditdomain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return svc, db
}

func TestAuditLogResolvesActorFromContext(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc, db := setupAuditService(t, node)

	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeAPIKey), "key-123")
	ctx = auditcontext.WithRequestID(ctx, "req-abc")

	require.NoError(t, svc.AuditLog(ctx, nil, "", nil, "credit.deducted", "credit_balance", nil, map[string]any{
		"amount": 5,
	}))

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry).Error)
	require.NotNil(t, entry.OrgID)
	require.Equal(t, orgID, *entry.OrgID)
	require.Equal(t, string(auditdomain.ActorTypeAPIKey), entry.ActorType)
	require.NotNil(t, entry.ActorID)
	require.Equal(t, "key-123", *entry.ActorID)
	require.Equal(t, "credit.deducted", entry.Action)
	require.Equal(t, "req-abc", entry.Metadata["request_id"])
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc, _ := setupAuditService(t, node)

	err = svc.AuditLog(context.Background(), nil, "", nil, "  ", "credit_balance", nil, nil)
	require.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListFiltersByActionAndPaginates(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc, _ := setupAuditService(t, node)

	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AuditLog(ctx, nil, string(auditdomain.ActorTypeSystem), nil, "credit.period_reset", "credit_balance", nil, nil))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, svc.AuditLog(ctx, nil, string(auditdomain.ActorTypeSystem), nil, "organization.provisioned", "organization", nil, nil))

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "credit.period_reset"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 3)
	for _, entry := range resp.AuditLogs {
		require.Equal(t, "credit.period_reset", entry.Action)
	}

	firstPage, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		Action:     "credit.period_reset",
	})
	require.NoError(t, err)
	require.Len(t, firstPage.AuditLogs, 2)
	require.True(t, firstPage.HasMore)
	require.NotEmpty(t, firstPage.NextPageToken)

	secondPage, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: firstPage.NextPageToken},
		Action:     "credit.period_reset",
	})
	require.NoError(t, err)
	require.Len(t, secondPage.AuditLogs, 1)
	require.False(t, secondPage.HasMore)
}

func TestListRequiresOrganizationContext(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc, _ := setupAuditService(t, node)

	_, err = svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.ErrorIs(t, err, auditdomain.ErrInvalidOrganization)
}

func TestListRejectsInvertedTimeRange(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc, _ := setupAuditService(t, node)

	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	start := time.Now().UTC()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	require.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}

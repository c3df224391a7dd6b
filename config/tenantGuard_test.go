package config

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/mmdatafocus/nursery_backend/appctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type guardedRow struct {
	ID             int
	OrganizationId string
	Name           string
}

type unguardedRow struct {
	ID   int
	Name string
}

func newGuardedDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), NewGormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Use(NewTenantGuardPlugin()))
	require.NoError(t, db.AutoMigrate(&guardedRow{}, &unguardedRow{}))

	require.NoError(t, db.Create([]*guardedRow{
		{OrganizationId: "org-a", Name: "a1"},
		{OrganizationId: "org-a", Name: "a2"},
		{OrganizationId: "org-b", Name: "b1"},
	}).Error)
	require.NoError(t, db.Create(&unguardedRow{Name: "shared"}).Error)
	return db
}

func orgCtx(org string) context.Context {
	return appctx.Set(context.Background(), appctx.ContextKeyOrganizationId, org)
}

func TestTenantGuardScopesQueriesToContextOrganization(t *testing.T) {
	db := newGuardedDB(t)

	var rows []guardedRow
	require.NoError(t, db.WithContext(orgCtx("org-a")).Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "a1", rows[0].Name)

	var count int64
	require.NoError(t, db.WithContext(orgCtx("org-b")).Model(&guardedRow{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var ids []int
	require.NoError(t, db.WithContext(orgCtx("org-b")).Model(&guardedRow{}).Pluck("id", &ids).Error)
	assert.Len(t, ids, 1)

	// tables without organization_id are left alone
	var shared []unguardedRow
	require.NoError(t, db.WithContext(orgCtx("org-a")).Find(&shared).Error)
	assert.Len(t, shared, 1)
}

func TestTenantGuardScopesUpdates(t *testing.T) {
	db := newGuardedDB(t)

	res := db.WithContext(orgCtx("org-b")).Model(&guardedRow{}).Where("name <> ?", "").Update("name", "renamed")
	require.NoError(t, res.Error)
	assert.EqualValues(t, 1, res.RowsAffected)

	var untouched int64
	require.NoError(t, db.Model(&guardedRow{}).Where("name = ?", "renamed").Count(&untouched).Error)
	assert.EqualValues(t, 1, untouched)
}

func TestTenantGuardKeepsExplicitFilterAndHonoursSkip(t *testing.T) {
	db := newGuardedDB(t)

	var rows []guardedRow
	require.NoError(t, db.WithContext(orgCtx("org-a")).Where("organization_id = ?", "org-b").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "b1", rows[0].Name)

	skip := appctx.Set(orgCtx("org-a"), appctx.ContextKeySkipTenantScope, true)
	require.NoError(t, db.WithContext(skip).Find(&rows).Error)
	assert.Len(t, rows, 3)

	require.NoError(t, db.Find(&rows).Error)
	assert.Len(t, rows, 3)
}

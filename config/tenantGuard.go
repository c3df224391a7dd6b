package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/nursery_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const orgColumn = "organization_id"

// TenantGuardPlugin scopes reads, updates and deletes on organization-owned tables to the
// organization in the statement context. Listing queries rely on it instead of filtering by hand.
//
// Raw SQL is not scoped. Cross-organization jobs opt out with ContextKeySkipTenantScope.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	return cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback)
}

func tenantGuardCallback(db *gorm.DB) {
	stmt := db.Statement
	if stmt == nil || stmt.Context == nil || stmt.Schema == nil {
		return
	}
	if skip, ok := appctx.GetBool(stmt.Context, appctx.ContextKeySkipTenantScope); ok && skip {
		return
	}
	orgID := organizationIdFromContext(stmt.Context)
	if orgID == "" || stmt.Schema.LookUpField(orgColumn) == nil {
		return
	}
	if whereHasOrgID(stmt.Clauses["WHERE"]) {
		return
	}
	stmt.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: stmt.Table, Name: orgColumn}, Value: orgID},
	}})
}

func organizationIdFromContext(ctx context.Context) string {
	v, _ := appctx.GetString(ctx, appctx.ContextKeyOrganizationId)
	return v
}

// whereHasOrgID reports whether the statement already filters on organization_id,
// either through a column condition or a string condition such as "organization_id = ?".
func whereHasOrgID(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		switch v := e.(type) {
		case clause.Eq:
			if col, ok := v.Column.(clause.Column); ok && strings.EqualFold(col.Name, orgColumn) {
				return true
			}
			if col, ok := v.Column.(string); ok && strings.EqualFold(col, orgColumn) {
				return true
			}
		case clause.IN:
			if col, ok := v.Column.(clause.Column); ok && strings.EqualFold(col.Name, orgColumn) {
				return true
			}
		case clause.Expr:
			if strings.Contains(strings.ToLower(v.SQL), orgColumn) {
				return true
			}
		}
	}
	return false
}

package models

import (
	"context"
	"slices"
	"strings"

	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/mmdatafocus/nursery_backend/models")

// Scope is the opaque caller identity every ledger call runs under.
type Scope struct {
	OrganizationId string
	ActorId        string
}

func ScopeFromContext(ctx context.Context) (Scope, error) {
	orgId, _ := utils.GetOrganizationIdFromContext(ctx)
	actorId, _ := utils.GetActorIdFromContext(ctx)
	if strings.TrimSpace(orgId) == "" || strings.TrimSpace(actorId) == "" {
		return Scope{}, ErrMissingScope
	}
	return Scope{OrganizationId: orgId, ActorId: actorId}, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// withOperationTimeout bounds one ledger call, lock waits included.
func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, config.OperationTimeout())
}

// runInTx runs fn in one transaction and classifies whatever aborts it.
func runInTx(ctx context.Context, db *gorm.DB, op string, fn func(tx *gorm.DB) error) error {
	err := db.WithContext(ctx).Transaction(fn)
	return classifyStoreError(op, err)
}

// obtainLocks takes the advisory locks for keys in sorted order and returns one release func.
func obtainLocks(ctx context.Context, locker utils.Locker, keys ...string) (func(), error) {
	if locker == nil {
		return func() {}, nil
	}
	keys = slices.Compact(slices.Sorted(slices.Values(keys)))
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		release, err := locker.Obtain(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func intPtr(v int) *int {
	return &v
}

package models_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testOrg   = "org-test"
	testActor = "actor-test"
)

// newTestDB opens a private in-memory sqlite database. One connection serializes
// transactions the way row locks do on MySQL.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name)
	db, err := gorm.Open(sqlite.Open(dsn), config.NewGormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, config.InstallPlugins(db))
	require.NoError(t, models.MigrateTable(db))
	return db
}

func testCtx() context.Context {
	return contextForOrg(testOrg)
}

func contextForOrg(orgId string) context.Context {
	return utils.WithScope(context.Background(), orgId, testActor)
}

type ledger struct {
	db           *gorm.DB
	events       *models.EventLog
	ranker       *models.BatchCandidateRanker
	allocations  *models.AllocationManager
	batches      *models.BatchLedger
	distribution *models.DistributionCalculator
	actualizer   *models.BatchActualizer
}

func newLedger(t *testing.T, actualizerOpts ...models.BatchActualizerOption) *ledger {
	t.Helper()
	db := newTestDB(t)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	events := models.NewEventLog(db, models.WithOutbox(false))
	ranker := models.NewBatchCandidateRanker(db)
	opts := append([]models.BatchActualizerOption{models.WithActualizerLogger(logger)}, actualizerOpts...)
	return &ledger{
		db:           db,
		events:       events,
		ranker:       ranker,
		allocations:  models.NewAllocationManager(db, events, ranker, models.WithAllocationLogger(logger), models.WithOversellCap(0)),
		batches:      models.NewBatchLedger(db, events, models.WithBatchLogger(logger)),
		distribution: models.NewDistributionCalculator(db),
		actualizer:   models.NewBatchActualizer(db, events, opts...),
	}
}

func (l *ledger) checkIn(t *testing.T, productId, qty int, plantedAt time.Time) *models.Batch {
	t.Helper()
	batch, err := l.batches.CheckInBatch(testCtx(), models.CheckInBatchInput{
		ProductId:   productId,
		BatchNumber: fmt.Sprintf("B-%d-%d", productId, plantedAt.Unix()),
		Quantity:    qty,
		PlantedAt:   plantedAt,
	})
	require.NoError(t, err)
	return batch
}

// allocate reserves qty for orderItemId and binds it to batch.
func (l *ledger) allocate(t *testing.T, batch *models.Batch, orderItemId string, qty int) *models.Allocation {
	t.Helper()
	ctx := testCtx()
	reservation, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{
		OrderItemId: orderItemId,
		ProductId:   batch.ProductId,
		Quantity:    qty,
	})
	require.NoError(t, err)
	allocation, err := l.allocations.SelectBatch(ctx, reservation.ID, batch.ID)
	require.NoError(t, err)
	return allocation
}

func (l *ledger) reload(t *testing.T, batchId int) *models.Batch {
	t.Helper()
	batch, err := l.batches.GetBatch(testCtx(), batchId)
	require.NoError(t, err)
	return batch
}

func (l *ledger) batchEvents(t *testing.T, batchId int, types ...models.EventType) []*models.InventoryEvent {
	t.Helper()
	events, err := l.events.Collect(testCtx(), models.EventFilter{BatchId: &batchId, Types: types})
	require.NoError(t, err)
	return events
}

func daysAgo(n int) time.Time {
	return time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour).Truncate(time.Second)
}

package main

import (
	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/mmdatafocus/nursery_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ledgerApp bundles the ledger components one process serves.
type ledgerApp struct {
	db           *gorm.DB
	events       *models.EventLog
	ranker       *models.BatchCandidateRanker
	allocations  *models.AllocationManager
	batches      *models.BatchLedger
	distribution *models.DistributionCalculator
	actualizer   *models.BatchActualizer
	dispatcher   *workflow.OutboxDispatcher
}

type appDeps struct {
	Logger       *logrus.Logger
	Locker       utils.Locker
	Outbox       bool
	Publisher    workflow.Publisher
	Materials    models.MaterialConsumer
	AllowPartial bool
}

func newLedgerApp(db *gorm.DB, deps appDeps) *ledgerApp {
	if deps.Locker == nil {
		deps.Locker = utils.NoopLocker{}
	}
	events := models.NewEventLog(db, models.WithOutbox(deps.Outbox))
	ranker := models.NewBatchCandidateRanker(db)

	actualizerOpts := []models.BatchActualizerOption{
		models.WithActualizerLocker(deps.Locker),
		models.WithActualizerLogger(deps.Logger),
	}
	if deps.Materials != nil {
		actualizerOpts = append(actualizerOpts, models.WithMaterialConsumer(deps.Materials, deps.AllowPartial))
	}

	return &ledgerApp{
		db:     db,
		events: events,
		ranker: ranker,
		allocations: models.NewAllocationManager(db, events, ranker,
			models.WithAllocationLocker(deps.Locker),
			models.WithAllocationLogger(deps.Logger)),
		batches: models.NewBatchLedger(db, events,
			models.WithBatchLocker(deps.Locker),
			models.WithBatchLogger(deps.Logger)),
		distribution: models.NewDistributionCalculator(db),
		actualizer:   models.NewBatchActualizer(db, events, actualizerOpts...),
		dispatcher:   workflow.NewOutboxDispatcher(db, deps.Publisher, deps.Logger),
	}
}

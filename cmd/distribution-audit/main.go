package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	orgID := flag.String("org", "", "Required: organization id")
	batchID := flag.Int("batch-id", 0, "Optional: audit a single batch")
	fix := flag.Bool("fix", false, "Rebuild reserved_quantity for batches whose holds drifted")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing batches and continue auditing others")
	flag.Parse()

	if strings.TrimSpace(*orgID) == "" {
		fmt.Fprintln(os.Stderr, "--org is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()
	ctx := utils.WithScope(context.Background(), strings.TrimSpace(*orgID), "distribution-audit")

	events := models.NewEventLog(db)
	distribution := models.NewDistributionCalculator(db)
	batches := models.NewBatchLedger(db, events, models.WithBatchLogger(logger))

	ids := []int{*batchID}
	if *batchID <= 0 {
		var err error
		ids, err = distribution.BatchIds(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list batches: %v\n", err)
			os.Exit(1)
		}
	}

	drifted, fixed := 0, 0
	for _, id := range ids {
		report, err := distribution.CheckConsistency(ctx, id)
		if err != nil {
			if *continueOnError {
				fmt.Fprintf(os.Stderr, "audit batch %d failed (skipping): %v\n", id, err)
				continue
			}
			fmt.Fprintf(os.Stderr, "audit batch %d failed: %v\n", id, err)
			os.Exit(1)
		}
		if report.Consistent {
			continue
		}
		drifted++
		config.LogWarning(logger, "cmd/distribution-audit/main.go", "main", "checking batch consistency", report,
			fmt.Sprintf("batch %d drifted: current %d, reserved %d, reconciled %t", id, report.CurrentDrift, report.ReservedDrift, report.Reconciled))

		if *fix && report.ReservedDrift != 0 {
			if _, err := batches.RebuildReservedQuantity(ctx, id); err != nil {
				if *continueOnError {
					fmt.Fprintf(os.Stderr, "rebuild batch %d failed (skipping): %v\n", id, err)
					continue
				}
				fmt.Fprintf(os.Stderr, "rebuild batch %d failed: %v\n", id, err)
				os.Exit(1)
			}
			fixed++
		}
	}

	fmt.Printf("distribution audit complete: org=%s batches=%d drifted=%d fixed=%d\n", *orgID, len(ids), drifted, fixed)
	if drifted > fixed {
		os.Exit(2)
	}
}

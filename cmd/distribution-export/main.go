package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/mmdatafocus/nursery_backend/models/reports"
	"github.com/mmdatafocus/nursery_backend/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func main() {
	orgID := flag.String("org", "", "Required: organization id")
	productID := flag.Int("product-id", 0, "Optional: only batches of this product")
	out := flag.String("out", "", "Optional: local xlsx path (default distribution-<org>-<date>.xlsx)")
	bucket := flag.String("bucket", "", "Optional: upload the workbook to this GCS bucket instead of writing it locally")
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
	ctx := utils.WithScope(context.Background(), strings.TrimSpace(*orgID), "distribution-export")

	batches := models.NewBatchLedger(db, models.NewEventLog(db))
	filter := models.BatchListFilter{}
	if *productID > 0 {
		filter.ProductId = productID
	}
	list, err := batches.ListBatches(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list batches: %v\n", err)
		os.Exit(1)
	}

	calc := models.NewDistributionCalculator(db)
	dists := make([]*models.Distribution, 0, len(list))
	for _, b := range list {
		d, err := calc.ComputeDistribution(ctx, b.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "distribution for batch %d: %v\n", b.ID, err)
			os.Exit(1)
		}
		dists = append(dists, d)
	}

	var buf bytes.Buffer
	if err := reports.WriteDistributionWorkbook(&buf, dists); err != nil {
		fmt.Fprintf(os.Stderr, "build workbook: %v\n", err)
		os.Exit(1)
	}

	name := *out
	if name == "" {
		name = fmt.Sprintf("distribution-%s-%s.xlsx", *orgID, time.Now().UTC().Format("20060102"))
	}
	if strings.TrimSpace(*bucket) != "" {
		uri, err := utils.UploadToGCS(ctx, *bucket, "exports/"+name, xlsxContentType, &buf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "upload: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("exported %d batches to %s\n", len(dists), uri)
		return
	}
	if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", name, err)
		os.Exit(1)
	}
	fmt.Printf("exported %d batches to %s\n", len(dists), name)
}

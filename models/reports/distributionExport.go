package reports

import (
	"fmt"
	"io"

	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Distribution"
	detailSheet  = "Details"
)

var summaryHeadings = []string{
	"BatchId", "Status", "Initial", "Current", "Reserved", "Available",
	"AllocatedSales", "AllocatedPotting", "Sold", "Dumped", "Transplanted",
	"TotalAccounted", "Overcommitted", "Reconciled",
}

var detailHeadings = []string{"BatchId", "Bucket", "Reference", "Quantity", "EventType"}

type summaryRow struct{ d *models.Distribution }

func (s summaryRow) cells() []interface{} {
	d := s.d
	return []interface{}{
		d.BatchId, string(d.Status), d.InitialQuantity, d.CurrentQuantity, d.ReservedQuantity, d.Available,
		d.AllocatedSales.Total, d.AllocatedPotting.Total, d.Sold.Total, d.Dumped.Total, d.Transplanted.Total,
		d.TotalAccounted, d.Overcommitted, d.Reconciled,
	}
}

func writeRow(f *excelize.File, sheet string, rowNo int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func headingRow(headings []string) []interface{} {
	row := make([]interface{}, len(headings))
	for i, h := range headings {
		row[i] = h
	}
	return row
}

// DistributionWorkbook lays out one summary row per batch and one detail row per bucket entry.
func DistributionWorkbook(dists []*models.Distribution) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(detailSheet); err != nil {
		return nil, err
	}
	if err := writeRow(f, summarySheet, 1, headingRow(summaryHeadings)); err != nil {
		return nil, err
	}
	if err := writeRow(f, detailSheet, 1, headingRow(detailHeadings)); err != nil {
		return nil, err
	}

	detailNo := 2
	for i, d := range dists {
		if err := writeRow(f, summarySheet, i+2, summaryRow{d}.cells()); err != nil {
			return nil, err
		}
		buckets := []struct {
			name   string
			bucket models.DistributionBucket
		}{
			{"allocated_sales", d.AllocatedSales},
			{"allocated_potting", d.AllocatedPotting},
			{"sold", d.Sold},
			{"dumped", d.Dumped},
			{"transplanted", d.Transplanted},
		}
		for _, b := range buckets {
			for _, detail := range b.bucket.Details {
				row := []interface{}{d.BatchId, b.name, detail.Reference, detail.Quantity, string(detail.EventType)}
				if err := writeRow(f, detailSheet, detailNo, row); err != nil {
					return nil, err
				}
				detailNo++
			}
		}
	}
	return f, nil
}

// WriteDistributionWorkbook streams the workbook as xlsx.
func WriteDistributionWorkbook(w io.Writer, dists []*models.Distribution) error {
	f, err := DistributionWorkbook(dists)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

package reports

import (
	"bytes"
	"testing"

	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleDistribution() *models.Distribution {
	allocationId := 7
	return &models.Distribution{
		BatchId:         3,
		Status:          models.BatchStatusGrowing,
		InitialQuantity: 100,
		CurrentQuantity: 60,
		Available:       50,
		AllocatedSales: models.DistributionBucket{Total: 10, Details: []models.DistributionDetail{
			{Reference: "oi-1", Quantity: 10, AllocationId: &allocationId},
		}},
		Sold: models.DistributionBucket{Total: 40, Details: []models.DistributionDetail{
			{Reference: "oi-2", Quantity: 40, EventType: models.EventBatchPicked},
		}},
		TotalAccounted: 100,
		Reconciled:     true,
	}
}

func TestDistributionWorkbookLayout(t *testing.T) {
	f, err := DistributionWorkbook([]*models.Distribution{sampleDistribution()})
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{summarySheet, detailSheet}, f.GetSheetList())

	rows, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, summaryHeadings, rows[0])
	assert.Equal(t, "3", rows[1][0])
	assert.Equal(t, "growing", rows[1][1])
	assert.Equal(t, "50", rows[1][5])
	assert.Equal(t, "TRUE", rows[1][13])

	details, err := f.GetRows(detailSheet)
	require.NoError(t, err)
	require.Len(t, details, 3)
	assert.Equal(t, []string{"3", "allocated_sales", "oi-1", "10"}, details[1][:4])
	assert.Equal(t, []string{"3", "sold", "oi-2", "40", string(models.EventBatchPicked)}, details[2])
}

func TestWriteDistributionWorkbookProducesReadableXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDistributionWorkbook(&buf, []*models.Distribution{sampleDistribution()}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	v, err := f.GetCellValue(summarySheet, "L2")
	require.NoError(t, err)
	assert.Equal(t, "100", v)
}

package ingest

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow fakes the single-row subset of *sql.Row's Scan contract used by
// scanBatch, so the column-to-field mapping can be tested without a live
// database connection.
type fakeRow struct {
	id, filename, hash, workerID, creator string
	source                                Source
	status                                Status
	rowRaw, rowValid, rowInvalid          int
	createdAt                             time.Time
	statsJSON                             []byte
}

func (f fakeRow) Scan(dest ...any) error {
	values := []any{
		f.id, string(f.source), f.filename, f.hash, string(f.status),
		f.rowRaw, f.rowValid, f.rowInvalid,
		f.createdAt, (*time.Time)(nil), (*time.Time)(nil), f.workerID, f.creator, f.statsJSON,
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *Source:
			*d = Source(v.(string))
		case *Status:
			*d = Status(v.(string))
		case *int:
			*d = v.(int)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			*d = v.(*time.Time)
		case *[]byte:
			*d = v.([]byte)
		}
	}
	return nil
}

func TestScanBatchMapsColumnsAndUnmarshalsStats(t *testing.T) {
	stats, err := json.Marshal(Stats{Duplicates: 2, Skipped: 1})
	require.NoError(t, err)

	row := fakeRow{
		id: "batch-1", source: SourceCSVUpload, filename: "cases.csv", hash: "abc123",
		status: "completed", workerID: "worker-1", creator: "api_key",
		rowRaw: 10, rowValid: 9, rowInvalid: 1,
		createdAt: time.Unix(0, 0).UTC(), statsJSON: stats,
	}

	batch, err := scanBatch(row)
	require.NoError(t, err)
	assert.Equal(t, "batch-1", batch.ID)
	assert.Equal(t, "cases.csv", batch.Filename)
	assert.Equal(t, 10, batch.RowCountRaw)
	assert.Equal(t, 2, batch.Stats.Duplicates)
	assert.Equal(t, 1, batch.Stats.Skipped)
}

func TestScanBatchToleratesEmptyStats(t *testing.T) {
	row := fakeRow{id: "b", source: "csv_upload", status: "pending", createdAt: time.Now()}
	batch, err := scanBatch(row)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, batch.Stats)
}

func TestStateSummaryQueueDepthIsPendingPlusProcessing(t *testing.T) {
	summary := StateSummary{
		CountsByStatus: map[string]int{"pending": 3, "processing": 2, "completed": 40, "failed": 1},
	}
	summary.QueueDepth = summary.CountsByStatus["pending"] + summary.CountsByStatus["processing"]
	assert.Equal(t, 5, summary.QueueDepth)
}

func TestNewQueryHoldsProvidedDB(t *testing.T) {
	q := NewQuery((*sql.DB)(nil))
	assert.NotNil(t, q)
}

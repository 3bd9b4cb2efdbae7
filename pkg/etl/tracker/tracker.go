// Package tracker persists the incremental watermark per (job, stage).
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/tidelake/stratum/pkg/etl/batch"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

const moduleName = "tracker"

// Table is the watermark system table. (job_name, stage) is its primary key.
const Table = "etl_incremental_tracker"

// Tracker reads and advances incremental watermarks.
type Tracker interface {
	// LastLoadTime returns the watermark for (jobName, stage). A missing row
	// means a first run and yields the zero time with ok=false.
	LastLoadTime(ctx context.Context, jobName, stage string) (time.Time, bool, error)
	// Advance upserts the watermark for (jobName, stage).
	Advance(ctx context.Context, jobName, stage string, loadTime time.Time) error
}

// SQLTracker implements Tracker over a store.Conn.
type SQLTracker struct {
	conn store.Conn
}

// NewSQLTracker creates a Tracker on the given store.
func NewSQLTracker(conn store.Conn) *SQLTracker {
	return &SQLTracker{conn: conn}
}

func (t *SQLTracker) LastLoadTime(ctx context.Context, jobName, stage string) (time.Time, bool, error) {
	query := fmt.Sprintf("SELECT last_load_time FROM %s WHERE job_name = ? AND stage = ?", Table)
	rows, err := t.conn.QueryRows(ctx, query, jobName, stage)
	if err != nil {
		return time.Time{}, false, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("failed to read watermark for job '%s' stage '%s'", jobName, stage), err)
	}
	if len(rows) == 0 {
		logger.Debugf("No watermark for job '%s' stage '%s', treating as first run.", jobName, stage)
		return time.Time{}, false, nil
	}
	ts, ok := batch.AsTime(rows[0]["last_load_time"])
	if !ok {
		return time.Time{}, false, exception.Newf(moduleName, exception.KindInternal,
			"unreadable watermark value for job '%s' stage '%s'", jobName, stage)
	}
	return ts, true, nil
}

func (t *SQLTracker) Advance(ctx context.Context, jobName, stage string, loadTime time.Time) error {
	rows := []map[string]interface{}{{
		"job_name":       jobName,
		"stage":          stage,
		"last_load_time": loadTime,
	}}
	_, err := t.conn.Upsert(ctx, Table, rows, []string{"job_name", "stage"}, []string{"last_load_time"})
	if err != nil {
		return exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("failed to advance watermark for job '%s' stage '%s'", jobName, stage), err)
	}
	logger.Debugf("Watermark for job '%s' stage '%s' advanced to %s.", jobName, stage, loadTime.Format(time.RFC3339))
	return nil
}

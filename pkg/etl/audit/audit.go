// Package audit records one row per executed stage in the job audit table.
// A stage opens with Status=Running and a NULL end time; exactly one close
// update finishes it, keyed by the open-row predicate (job, stage, end time
// still NULL).
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

const moduleName = "audit"

// Table is the audit system table.
const Table = "etl_job_audit"

// Stage outcome statuses.
const (
	StatusRunning = "Running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Log records stage starts and ends.
type Log interface {
	// StageStarted appends an open audit row and returns its id.
	StageStarted(ctx context.Context, jobName, stage string) (string, error)
	// StageEnded closes the open row for (jobName, stage). rowCount below
	// zero is stored as NULL.
	StageEnded(ctx context.Context, jobName, stage string, rowCount int64, status, message string) error
}

// SQLLog implements Log over a store.Conn.
type SQLLog struct {
	conn store.Conn
	now  func() time.Time
}

// NewSQLLog creates an audit log on the given store.
func NewSQLLog(conn store.Conn) *SQLLog {
	return &SQLLog{conn: conn, now: time.Now}
}

func (l *SQLLog) StageStarted(ctx context.Context, jobName, stage string) (string, error) {
	id := uuid.NewString()
	query := fmt.Sprintf(
		"INSERT INTO %s (id, job_name, stage, start_time, status) VALUES (?, ?, ?, ?, ?)", Table)
	if _, err := l.conn.Exec(ctx, query, id, jobName, stage, l.now(), StatusRunning); err != nil {
		return "", exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("failed to open audit row for job '%s' stage '%s'", jobName, stage), err)
	}
	logger.Debugf("Audit row %s opened for job '%s' stage '%s'.", id, jobName, stage)
	return id, nil
}

func (l *SQLLog) StageEnded(ctx context.Context, jobName, stage string, rowCount int64, status, message string) error {
	var rows interface{}
	if rowCount >= 0 {
		rows = rowCount
	}
	query := fmt.Sprintf(
		"UPDATE %s SET end_time = ?, row_count = ?, status = ?, message = ? WHERE job_name = ? AND stage = ? AND end_time IS NULL", Table)
	affected, err := l.conn.Exec(ctx, query, l.now(), rows, status, message, jobName, stage)
	if err != nil {
		return exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("failed to close audit row for job '%s' stage '%s'", jobName, stage), err)
	}
	if affected == 0 {
		logger.Warnf("No open audit row found for job '%s' stage '%s' on close.", jobName, stage)
	}
	return nil
}

package orchestrate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/tidelake/stratum/pkg/etl/audit"
	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/enforce"
	"github.com/tidelake/stratum/pkg/etl/load"
	"github.com/tidelake/stratum/pkg/etl/metrics"
	"github.com/tidelake/stratum/pkg/etl/orchestrate"
	"github.com/tidelake/stratum/pkg/etl/scd"
	"github.com/tidelake/stratum/pkg/etl/schema"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/tracker"
)

type harness struct {
	conn store.Conn
	repo catalog.Repository
	orch *orchestrate.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gorm_logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	conn, err := store.NewFromGorm(db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	systemTables := []string{
		`CREATE TABLE etl_job_config (
			job_name VARCHAR(255) NOT NULL PRIMARY KEY,
			source_type VARCHAR(16) NOT NULL,
			source_path VARCHAR(1024) NOT NULL DEFAULT '',
			source_schema VARCHAR(64) NOT NULL DEFAULT '',
			source_table VARCHAR(128) NOT NULL DEFAULT '',
			target_schema VARCHAR(16) NOT NULL,
			target_table VARCHAR(128) NOT NULL DEFAULT '',
			load_type VARCHAR(16) NOT NULL,
			scd_type INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE etl_column_metadata (
			job_name VARCHAR(255) NOT NULL,
			ordinal INTEGER NOT NULL,
			source_column_name VARCHAR(128) NOT NULL,
			target_column_name VARCHAR(128) NOT NULL,
			target_data_type VARCHAR(32) NOT NULL,
			length INTEGER NOT NULL DEFAULT 0,
			num_precision INTEGER NOT NULL DEFAULT 0,
			num_scale INTEGER NOT NULL DEFAULT 0,
			is_pk BOOLEAN NOT NULL DEFAULT 0,
			is_fk BOOLEAN NOT NULL DEFAULT 0,
			is_nullable BOOLEAN NOT NULL DEFAULT 0,
			reference_table VARCHAR(256) NOT NULL DEFAULT '',
			PRIMARY KEY (job_name, ordinal)
		)`,
		`CREATE TABLE etl_job_audit (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			job_name VARCHAR(255) NOT NULL,
			stage VARCHAR(32) NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NULL,
			row_count BIGINT NULL,
			status VARCHAR(16) NOT NULL,
			message VARCHAR(2048) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE etl_incremental_tracker (
			job_name VARCHAR(255) NOT NULL,
			stage VARCHAR(32) NOT NULL,
			last_load_time TIMESTAMP NOT NULL,
			PRIMARY KEY (job_name, stage)
		)`,
	}
	for _, ddl := range systemTables {
		_, err := conn.Exec(ctx, ddl)
		require.NoError(t, err)
	}

	repo := catalog.NewSQLRepository(conn)
	trk := tracker.NewSQLTracker(conn)
	engine := scd.NewEngine(conn)
	loader := load.NewLoader(conn, engine, trk, 0, 0)
	orch := orchestrate.NewOrchestrator(
		conn,
		repo,
		schema.NewSynthesizer(conn.Dialect()),
		enforce.NewEnforcer(conn),
		loader,
		trk,
		audit.NewSQLLog(conn),
		metrics.NoopRecorder{},
	)
	return &harness{conn: conn, repo: repo, orch: orch}
}

func empColumns(jobName string) []catalog.ColumnMetadata {
	return []catalog.ColumnMetadata{
		{JobName: jobName, SourceColumnName: "EmpID", TargetColumnName: "emp_id", TargetDataType: "INT", IsPK: true},
		{JobName: jobName, SourceColumnName: "EmpName", TargetColumnName: "name", TargetDataType: "NVARCHAR", Length: 50},
		{JobName: jobName, SourceColumnName: "Salary", TargetColumnName: "salary", TargetDataType: "DECIMAL", IsNullable: true},
	}
}

func seedJob(t *testing.T, h *harness, cfg catalog.JobConfig) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.repo.InsertJobConfigs(ctx, []catalog.JobConfig{cfg}))
	require.NoError(t, h.repo.InsertColumnMetadata(ctx, empColumns(cfg.JobName)))
}

func collectEvents(events *[]orchestrate.Event) orchestrate.EventFunc {
	return func(e orchestrate.Event) { *events = append(*events, e) }
}

func auditRows(t *testing.T, h *harness, jobName string) []map[string]interface{} {
	t.Helper()
	rows, err := h.conn.QueryRows(context.Background(),
		"SELECT stage, status, end_time FROM etl_job_audit WHERE job_name = ? ORDER BY start_time, rowid", jobName)
	require.NoError(t, err)
	return rows
}

func TestRunJobSourceToRawFullLoad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "emp_2024_03_01.csv"),
		[]byte("EmpID,EmpName,Salary\n1,alice,100\n2,bob,200\n"), 0o644))

	seedJob(t, h, catalog.JobConfig{
		JobName:      "JOB_EMP_RAW",
		SourceType:   catalog.SourceTypeCSV,
		SourcePath:   dir,
		TargetSchema: catalog.SchemaRaw,
		LoadType:     catalog.LoadFull,
	})

	var events []orchestrate.Event
	require.NoError(t, h.orch.RunJob(ctx, "JOB_EMP_RAW", collectEvents(&events)))

	// The raw layer stores everything as text.
	rows, err := h.conn.QueryRows(ctx, `SELECT "emp_id", "name", "salary" FROM "raw_emp" ORDER BY "emp_id"`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0]["emp_id"])
	assert.Equal(t, "alice", rows[0]["name"])
	assert.Equal(t, "200", rows[1]["salary"])

	// Every stage closes its audit row with a success status.
	audits := auditRows(t, h, "JOB_EMP_RAW")
	require.Len(t, audits, 4)
	stages := make([]string, len(audits))
	for i, row := range audits {
		stages[i] = row["stage"].(string)
		assert.Equal(t, audit.StatusSuccess, row["status"])
		assert.NotNil(t, row["end_time"])
	}
	assert.Equal(t, []string{
		orchestrate.StageInit, orchestrate.StageDDL,
		orchestrate.StageSourceToRaw, orchestrate.StageFinalize,
	}, stages)

	last := events[len(events)-1]
	assert.Equal(t, orchestrate.StageFinalize, last.Step)
	assert.Equal(t, orchestrate.StatusDone, last.Status)
}

func TestRunJobSourceToRawIncrementalSkipsOldFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "emp_2024_03_01.csv"),
		[]byte("EmpID,EmpName,Salary\n1,alice,100\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "emp_2024_03_05.csv"),
		[]byte("EmpID,EmpName,Salary\n2,bob,200\n"), 0o644))

	seedJob(t, h, catalog.JobConfig{
		JobName:      "JOB_EMP_RAW",
		SourceType:   catalog.SourceTypeCSV,
		SourcePath:   dir,
		TargetSchema: catalog.SchemaRaw,
		LoadType:     catalog.LoadIncremental,
	})

	require.NoError(t, h.orch.RunJob(ctx, "JOB_EMP_RAW", nil))
	rows, err := h.conn.QueryRows(ctx, `SELECT COUNT(*) AS c FROM "raw_emp"`)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rows[0]["c"])

	// A second run finds nothing newer than the watermark and appends nothing.
	require.NoError(t, h.orch.RunJob(ctx, "JOB_EMP_RAW", nil))
	rows, err = h.conn.QueryRows(ctx, `SELECT COUNT(*) AS c FROM "raw_emp"`)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rows[0]["c"])
}

func TestRunJobRawToCuratedCleansAndEnforces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.conn.Exec(ctx,
		`CREATE TABLE "raw_emp" ("emp_id" TEXT NULL, "name" TEXT NULL, "salary" TEXT NULL)`)
	require.NoError(t, err)
	_, err = h.conn.Exec(ctx, `INSERT INTO "raw_emp" VALUES
		('1', '  alice  ', '100'),
		('1', '  alice  ', '100'),
		('2', 'bob', '-5'),
		('3', 'NULL', '300'),
		('', 'nokey', '1')`)
	require.NoError(t, err)

	seedJob(t, h, catalog.JobConfig{
		JobName:      "JOB_EMP_CURATED",
		SourceType:   catalog.SourceTypeTable,
		SourceSchema: "raw",
		SourceTable:  "emp",
		TargetSchema: catalog.SchemaCurated,
		LoadType:     catalog.LoadFull,
	})

	require.NoError(t, h.orch.RunJob(ctx, "JOB_EMP_CURATED", nil))

	// The duplicate collapses, the negative salary and the null key and null
	// name rows are dropped. Only alice survives.
	rows, err := h.conn.QueryRows(ctx, `SELECT "emp_id", "name", "salary" FROM "curated_emp"`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["emp_id"])
	assert.Equal(t, "alice", rows[0]["name"])
	assert.EqualValues(t, 100, rows[0]["salary"])
}

func TestRunJobCuratedToProcessedSCD2(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.conn.Exec(ctx,
		`CREATE TABLE "curated_emp" ("emp_id" INTEGER PRIMARY KEY NOT NULL, "name" TEXT NOT NULL, "salary" NUMERIC NULL)`)
	require.NoError(t, err)
	_, err = h.conn.Exec(ctx, `INSERT INTO "curated_emp" VALUES (1, 'alice', 100), (2, 'bob', 200)`)
	require.NoError(t, err)

	seedJob(t, h, catalog.JobConfig{
		JobName:      "JOB_EMP_PROCESSED",
		SourceType:   catalog.SourceTypeTable,
		SourceSchema: "curated",
		SourceTable:  "emp",
		TargetSchema: catalog.SchemaProcessed,
		LoadType:     catalog.LoadIncremental,
		SCDType:      catalog.SCD2,
	})

	require.NoError(t, h.orch.RunJob(ctx, "JOB_EMP_PROCESSED", nil))

	rows, err := h.conn.QueryRows(ctx,
		`SELECT COUNT(*) AS c FROM "processed_emp" WHERE "is_current" = 1 AND "end_time" IS NULL`)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rows[0]["c"])

	// A salary change closes the old version and opens a new one.
	_, err = h.conn.Exec(ctx, `UPDATE "curated_emp" SET "salary" = 150 WHERE "emp_id" = 1`)
	require.NoError(t, err)
	require.NoError(t, h.orch.RunJob(ctx, "JOB_EMP_PROCESSED", nil))

	rows, err = h.conn.QueryRows(ctx, `SELECT COUNT(*) AS c FROM "processed_emp" WHERE "emp_id" = 1`)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rows[0]["c"])
	rows, err = h.conn.QueryRows(ctx,
		`SELECT "salary" FROM "processed_emp" WHERE "emp_id" = 1 AND "is_current" = 1`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 150, rows[0]["salary"])
}

func TestRunJobUnknownJobFailsInit(t *testing.T) {
	h := newHarness(t)

	var events []orchestrate.Event
	err := h.orch.RunJob(context.Background(), "JOB_MISSING", collectEvents(&events))
	require.Error(t, err)

	last := events[len(events)-1]
	assert.Equal(t, orchestrate.StageInit, last.Step)
	assert.Equal(t, orchestrate.StatusError, last.Status)

	audits := auditRows(t, h, "JOB_MISSING")
	require.Len(t, audits, 1)
	assert.Equal(t, orchestrate.StageInit, audits[0]["stage"])
	assert.Equal(t, audit.StatusFailed, audits[0]["status"])
}

// failingCloseLog fails the close of one stage's audit row when the stage
// itself succeeded.
type failingCloseLog struct {
	audit.Log
	stage string
}

func (l *failingCloseLog) StageEnded(ctx context.Context, jobName, stage string, rowCount int64, status, message string) error {
	if stage == l.stage && status == audit.StatusSuccess {
		return errors.New("audit table unavailable")
	}
	return l.Log.StageEnded(ctx, jobName, stage, rowCount, status, message)
}

func TestRunJobEmitsErrorEventWhenAuditCloseFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "emp_2024_03_01.csv"),
		[]byte("EmpID,EmpName,Salary\n1,alice,100\n"), 0o644))

	seedJob(t, h, catalog.JobConfig{
		JobName:      "JOB_EMP_RAW",
		SourceType:   catalog.SourceTypeCSV,
		SourcePath:   dir,
		TargetSchema: catalog.SchemaRaw,
		LoadType:     catalog.LoadFull,
	})

	trk := tracker.NewSQLTracker(h.conn)
	orch := orchestrate.NewOrchestrator(
		h.conn,
		h.repo,
		schema.NewSynthesizer(h.conn.Dialect()),
		enforce.NewEnforcer(h.conn),
		load.NewLoader(h.conn, scd.NewEngine(h.conn), trk, 0, 0),
		trk,
		&failingCloseLog{Log: audit.NewSQLLog(h.conn), stage: orchestrate.StageDDL},
		metrics.NoopRecorder{},
	)

	var events []orchestrate.Event
	err := orch.RunJob(ctx, "JOB_EMP_RAW", collectEvents(&events))
	require.Error(t, err)

	// The run halts on the failed close, and the listener hears about it.
	last := events[len(events)-1]
	assert.Equal(t, orchestrate.StageDDL, last.Step)
	assert.Equal(t, orchestrate.StatusError, last.Status)
}

func TestRunJobHaltsOnStageFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The raw source table is missing, so the movement stage must fail after
	// init and ddl succeeded.
	seedJob(t, h, catalog.JobConfig{
		JobName:      "JOB_EMP_CURATED",
		SourceType:   catalog.SourceTypeTable,
		SourceSchema: "raw",
		SourceTable:  "emp",
		TargetSchema: catalog.SchemaCurated,
		LoadType:     catalog.LoadFull,
	})

	var events []orchestrate.Event
	err := h.orch.RunJob(ctx, "JOB_EMP_CURATED", collectEvents(&events))
	require.Error(t, err)

	audits := auditRows(t, h, "JOB_EMP_CURATED")
	require.Len(t, audits, 3)
	assert.Equal(t, orchestrate.StageRawToCurated, audits[2]["stage"])
	assert.Equal(t, audit.StatusFailed, audits[2]["status"])
	// No open audit rows are left behind and finalize never ran.
	for _, row := range audits {
		assert.NotNil(t, row["end_time"])
		assert.NotEqual(t, orchestrate.StageFinalize, row["stage"])
	}

	last := events[len(events)-1]
	assert.Equal(t, orchestrate.StageRawToCurated, last.Step)
	assert.Equal(t, orchestrate.StatusError, last.Status)
}

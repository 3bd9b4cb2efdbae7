// Package orchestrate drives one job run through its stage state machine:
// init, ddl, exactly one movement stage selected by the target layer, then
// finalize. Every stage opens and closes an audit row; the first failure
// halts the run with no retry.
package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/tidelake/stratum/pkg/etl/audit"
	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/enforce"
	"github.com/tidelake/stratum/pkg/etl/load"
	"github.com/tidelake/stratum/pkg/etl/metrics"
	"github.com/tidelake/stratum/pkg/etl/schema"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
	"github.com/tidelake/stratum/pkg/etl/tracker"
)

const moduleName = "orchestrate"

// Stage names as they appear in events and audit rows.
const (
	StageInit               = "init"
	StageDDL                = "ddl"
	StageSourceToRaw        = "source_to_raw"
	StageRawToCurated       = "raw_to_curated"
	StageCuratedToProcessed = "curated_to_processed"
	StageFinalize           = "finalize"
)

// Event statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// Event is one step notification emitted during a run.
type Event struct {
	Step    string
	Message string
	Status  string
}

// EventFunc receives run events. A nil callback discards them.
type EventFunc func(Event)

// Orchestrator wires the pipeline components together and runs jobs.
type Orchestrator struct {
	conn     store.Conn
	catalog  catalog.Repository
	synth    *schema.Synthesizer
	enforcer *enforce.Enforcer
	loader   *load.Loader
	tracker  tracker.Tracker
	auditLog audit.Log
	recorder metrics.Recorder
}

// NewOrchestrator assembles an Orchestrator from its components.
func NewOrchestrator(
	conn store.Conn,
	catalogRepo catalog.Repository,
	synth *schema.Synthesizer,
	enforcer *enforce.Enforcer,
	loader *load.Loader,
	trk tracker.Tracker,
	auditLog audit.Log,
	recorder metrics.Recorder,
) *Orchestrator {
	return &Orchestrator{
		conn:     conn,
		catalog:  catalogRepo,
		synth:    synth,
		enforcer: enforcer,
		loader:   loader,
		tracker:  trk,
		auditLog: auditLog,
		recorder: recorder,
	}
}

// RunJob executes the full stage sequence for jobName, emitting events to
// onEvent. The returned error is the failure that halted the run, nil on
// success.
func (o *Orchestrator) RunJob(ctx context.Context, jobName string, onEvent EventFunc) error {
	emit := func(e Event) {
		if onEvent != nil {
			onEvent(e)
		}
	}
	emit(Event{Step: StageInit, Message: fmt.Sprintf("Starting job '%s'", jobName), Status: StatusRunning})

	cfg, meta, err := o.runInit(ctx, jobName)
	if err != nil {
		emit(Event{Step: StageInit, Message: exception.ExtractErrorMessage(err), Status: StatusError})
		return err
	}
	emit(Event{Step: StageInit, Message: "Config and metadata loaded.", Status: StatusDone})

	if err := o.runStage(ctx, jobName, StageDDL, emit, "Target tables created/verified.", func(ctx context.Context) (int64, string, error) {
		return o.runDDL(ctx, cfg, meta)
	}); err != nil {
		return err
	}

	var stage string
	var handler stageFunc
	switch cfg.TargetSchema {
	case catalog.SchemaRaw:
		stage = StageSourceToRaw
		handler = func(ctx context.Context) (int64, string, error) { return o.runSourceToRaw(ctx, cfg, meta) }
	case catalog.SchemaCurated:
		stage = StageRawToCurated
		handler = func(ctx context.Context) (int64, string, error) { return o.runRawToCurated(ctx, cfg, meta) }
	case catalog.SchemaProcessed:
		stage = StageCuratedToProcessed
		handler = func(ctx context.Context) (int64, string, error) { return o.runCuratedToProcessed(ctx, cfg, meta) }
	default:
		err := exception.Newf(moduleName, exception.KindConfig,
			"unknown target schema '%s' for job '%s'", cfg.TargetSchema, jobName)
		emit(Event{Step: StageInit, Message: err.Error(), Status: StatusError})
		return err
	}
	if err := o.runStage(ctx, jobName, stage, emit, "", handler); err != nil {
		return err
	}

	if err := o.auditStage(ctx, jobName, StageFinalize, -1, audit.StatusSuccess, "Job completed successfully"); err != nil {
		return err
	}
	emit(Event{Step: StageFinalize, Message: fmt.Sprintf("Job '%s' completed successfully.", jobName), Status: StatusDone})
	return nil
}

// stageFunc runs one stage and returns the row count (negative when not
// applicable) and a completion message.
type stageFunc func(ctx context.Context) (int64, string, error)

// runStage wraps one stage with audit rows, events and metrics. doneMessage
// overrides the handler message when non-empty.
func (o *Orchestrator) runStage(ctx context.Context, jobName, stage string, emit EventFunc, doneMessage string, fn stageFunc) error {
	if _, err := o.auditLog.StageStarted(ctx, jobName, stage); err != nil {
		return err
	}
	start := time.Now()

	rows, message, err := fn(ctx)
	o.recorder.StageDuration(jobName, stage, time.Since(start))
	if err != nil {
		o.recorder.StageStatus(jobName, stage, audit.StatusFailed)
		msg := exception.ExtractErrorMessage(err)
		if auditErr := o.auditLog.StageEnded(ctx, jobName, stage, 0, audit.StatusFailed, msg); auditErr != nil {
			logger.Errorf("Failed to close audit row for stage '%s': %v", stage, auditErr)
		}
		emit(Event{Step: stage, Message: msg, Status: StatusError})
		return err
	}

	o.recorder.StageStatus(jobName, stage, audit.StatusSuccess)
	if rows >= 0 {
		o.recorder.RowsWritten(jobName, stage, rows)
	}
	if doneMessage != "" {
		message = doneMessage
	}
	if err := o.auditLog.StageEnded(ctx, jobName, stage, rows, audit.StatusSuccess, message); err != nil {
		// The stage work is done, but the run still halts; surface the audit
		// failure to the listener like any other stage failure.
		emit(Event{Step: stage, Message: exception.ExtractErrorMessage(err), Status: StatusError})
		return err
	}
	emit(Event{Step: stage, Message: message, Status: StatusDone})
	return nil
}

// auditStage writes a start and an immediate close for bookkeeping-only
// stages.
func (o *Orchestrator) auditStage(ctx context.Context, jobName, stage string, rows int64, status, message string) error {
	if _, err := o.auditLog.StageStarted(ctx, jobName, stage); err != nil {
		return err
	}
	return o.auditLog.StageEnded(ctx, jobName, stage, rows, status, message)
}

// runInit loads and validates the catalog records for the job. The init
// stage has its own audit bracket so config failures are visible in the
// audit trail.
func (o *Orchestrator) runInit(ctx context.Context, jobName string) (*catalog.JobConfig, []catalog.ColumnMetadata, error) {
	if _, err := o.auditLog.StageStarted(ctx, jobName, StageInit); err != nil {
		return nil, nil, err
	}

	cfg, err := o.catalog.FetchJobConfig(ctx, jobName)
	if err == nil && cfg != nil {
		var meta []catalog.ColumnMetadata
		meta, err = o.catalog.FetchColumnMetadata(ctx, jobName)
		if err == nil && len(meta) == 0 {
			err = exception.Newf(moduleName, exception.KindConfig, "no metadata found for job '%s'", jobName)
		}
		if err == nil {
			if auditErr := o.auditLog.StageEnded(ctx, jobName, StageInit, -1, audit.StatusSuccess, "Config and metadata loaded"); auditErr != nil {
				return nil, nil, auditErr
			}
			return cfg, meta, nil
		}
	}

	msg := exception.ExtractErrorMessage(err)
	if auditErr := o.auditLog.StageEnded(ctx, jobName, StageInit, 0, audit.StatusFailed, msg); auditErr != nil {
		logger.Errorf("Failed to close init audit row: %v", auditErr)
	}
	return nil, nil, err
}

// runDDL synthesizes and ensures the job's target table.
func (o *Orchestrator) runDDL(ctx context.Context, cfg *catalog.JobConfig, meta []catalog.ColumnMetadata) (int64, string, error) {
	def, err := o.synth.Synthesize(cfg, meta)
	if err != nil {
		return 0, "", err
	}
	created, err := o.synth.EnsureTable(ctx, o.conn, def)
	if err != nil {
		return 0, "", err
	}
	if created {
		return -1, fmt.Sprintf("Created table %s.%s.", def.Schema, def.Table), nil
	}
	return -1, fmt.Sprintf("Table %s.%s already exists.", def.Schema, def.Table), nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

// WorkflowRepository implements storage.WorkflowRepository over a *Pools.
// triggers, steps, context, input, and output are stored as JSON text
// columns; everything queryable (status, owner, concurrency key) gets its
// own column.
type WorkflowRepository struct {
	pools *Pools
}

func NewWorkflowRepository(pools *Pools) *WorkflowRepository {
	return &WorkflowRepository{pools: pools}
}

var _ storage.WorkflowRepository = (*WorkflowRepository)(nil)

func (r *WorkflowRepository) CreateDefinition(ctx context.Context, d storage.WorkflowDefinition) error {
	triggersJSON, err := json.Marshal(d.Triggers)
	if err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(d.Steps)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return err
	}
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_definitions (id, name, description, version, owner_type, owner_bot_id, concurrency, timeout_secs, triggers_json, steps_json, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID.String(), d.Name, d.Description, d.Version, string(d.Owner.Type), ownerBotID(d.Owner),
			d.Concurrency, d.TimeoutSecs, string(triggersJSON), string(stepsJSON), string(metaJSON),
			formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
		return translate(err, "")
	})
}

// UpdateDefinition replaces a workflow definition's mutable fields in
// place, keeping its id and created_at. Definitions are otherwise
// immutable once a run references them by id, so this never touches
// workflow_runs.
func (r *WorkflowRepository) UpdateDefinition(ctx context.Context, d storage.WorkflowDefinition) error {
	triggersJSON, err := json.Marshal(d.Triggers)
	if err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(d.Steps)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return err
	}
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_definitions SET
				name = ?, description = ?, version = ?, owner_type = ?, owner_bot_id = ?,
				concurrency = ?, timeout_secs = ?, triggers_json = ?, steps_json = ?, metadata_json = ?, updated_at = ?
			WHERE id = ?`,
			d.Name, d.Description, d.Version, string(d.Owner.Type), ownerBotID(d.Owner),
			d.Concurrency, d.TimeoutSecs, string(triggersJSON), string(stepsJSON), string(metaJSON),
			formatTime(d.UpdatedAt), d.ID.String())
		if err != nil {
			return translate(err, "")
		}
		return requireRowsAffected(res, "workflow definition not found: "+d.ID.String())
	})
}

// DeleteDefinition removes a workflow definition. Its runs and step logs
// are left in place for audit/history purposes — only the definition row
// and future ability to trigger it are removed.
func (r *WorkflowRepository) DeleteDefinition(ctx context.Context, id ids.ID) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = ?`, id.String())
		if err != nil {
			return translate(err, "")
		}
		return requireRowsAffected(res, "workflow definition not found: "+id.String())
	})
}

func ownerBotID(o storage.WorkflowOwner) sql.NullString {
	if o.Type != storage.OwnerBot || o.BotID.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: o.BotID.String(), Valid: true}
}

func (r *WorkflowRepository) GetDefinition(ctx context.Context, id ids.ID) (storage.WorkflowDefinition, error) {
	var d storage.WorkflowDefinition
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, definitionSelect+` WHERE id = ?`, id.String())
		var err error
		d, err = scanDefinition(row)
		return err
	})
	if err != nil {
		return storage.WorkflowDefinition{}, translate(err, "workflow definition not found")
	}
	return d, nil
}

func (r *WorkflowRepository) GetDefinitionByOwner(ctx context.Context, name string, owner storage.WorkflowOwner) (storage.WorkflowDefinition, error) {
	var d storage.WorkflowDefinition
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, definitionSelect+` WHERE name = ? AND owner_type = ? AND owner_bot_id IS ?`,
			name, string(owner.Type), ownerBotID(owner))
		var err error
		d, err = scanDefinition(row)
		return err
	})
	if err != nil {
		return storage.WorkflowDefinition{}, translate(err, "workflow definition not found: "+name)
	}
	return d, nil
}

func (r *WorkflowRepository) ListDefinitions(ctx context.Context, owner *storage.WorkflowOwner) ([]storage.WorkflowDefinition, error) {
	var out []storage.WorkflowDefinition
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		var rows *sql.Rows
		var err error
		if owner != nil {
			rows, err = tx.QueryContext(ctx, definitionSelect+` WHERE owner_type = ? AND owner_bot_id IS ? ORDER BY id`,
				string(owner.Type), ownerBotID(*owner))
		} else {
			rows, err = tx.QueryContext(ctx, definitionSelect+` ORDER BY id`)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDefinition(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func (r *WorkflowRepository) ListDueCronTriggers(ctx context.Context, asOf time.Time) ([]storage.WorkflowDefinition, error) {
	// triggers_json is opaque to SQL; due-ness is evaluated in the
	// scheduler against each definition's deserialized cron expressions,
	// so this only needs to return every definition that declares any
	// cron trigger at all.
	var out []storage.WorkflowDefinition
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, definitionSelect+` WHERE triggers_json LIKE '%"cron"%' ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDefinition(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

const definitionSelect = `
	SELECT id, name, description, version, owner_type, owner_bot_id, concurrency, timeout_secs, triggers_json, steps_json, metadata_json, created_at, updated_at
	FROM workflow_definitions`

func scanDefinition(row rowScanner) (storage.WorkflowDefinition, error) {
	var d storage.WorkflowDefinition
	var id, ownerType, createdAt, updatedAt, triggersJSON, stepsJSON, metaJSON string
	var ownerBotID sql.NullString
	if err := row.Scan(&id, &d.Name, &d.Description, &d.Version, &ownerType, &ownerBotID,
		&d.Concurrency, &d.TimeoutSecs, &triggersJSON, &stepsJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	var err error
	if d.ID, err = ids.Parse(id); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	d.Owner.Type = storage.OwnerType(ownerType)
	if ownerBotID.Valid {
		if d.Owner.BotID, err = ids.Parse(ownerBotID.String); err != nil {
			return storage.WorkflowDefinition{}, err
		}
	}
	if err := json.Unmarshal([]byte(triggersJSON), &d.Triggers); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &d.Steps); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &d.Metadata); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	return d, nil
}

func (r *WorkflowRepository) CreateRun(ctx context.Context, run storage.WorkflowRun) error {
	triggerJSON, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return err
	}
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return err
	}
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, workflow_id, workflow_name, status, trigger_type, trigger_payload, context_json, started_at, completed_at, error, concurrency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID.String(), run.WorkflowID.String(), run.WorkflowName, string(run.Status), string(run.TriggerType),
			string(triggerJSON), string(contextJSON), formatTime(run.StartedAt), formatTimePtr(run.CompletedAt),
			run.Error, run.ConcurrencyKey)
		return translate(err, "")
	})
}

const runSelect = `
	SELECT id, workflow_id, workflow_name, status, trigger_type, trigger_payload, context_json, started_at, completed_at, error, concurrency_key
	FROM workflow_runs`

func (r *WorkflowRepository) GetRun(ctx context.Context, id ids.ID) (storage.WorkflowRun, error) {
	var run storage.WorkflowRun
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id.String())
		var err error
		run, err = scanRun(row)
		return err
	})
	if err != nil {
		return storage.WorkflowRun{}, translate(err, "workflow run not found: "+id.String())
	}
	return run, nil
}

func (r *WorkflowRepository) UpdateRunStatus(ctx context.Context, id ids.ID, status storage.WorkflowRunStatus, errMsg string) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		var completedAt sql.NullString
		if status.Terminal() {
			completedAt = sql.NullString{String: formatTime(time.Now().UTC()), Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs SET status = ?, error = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
			string(status), errMsg, completedAt, id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "workflow run not found: "+id.String())
	})
}

func (r *WorkflowRepository) CountNonTerminalRuns(ctx context.Context, concurrencyKey string) (int, error) {
	var count int
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM workflow_runs
			WHERE concurrency_key = ? AND status NOT IN ('completed', 'failed', 'crashed', 'cancelled')`,
			concurrencyKey).Scan(&count)
	})
	if err != nil {
		return 0, translate(err, "")
	}
	return count, nil
}

func (r *WorkflowRepository) ListNonTerminalRuns(ctx context.Context) ([]storage.WorkflowRun, error) {
	var out []storage.WorkflowRun
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, runSelect+` WHERE status NOT IN ('completed', 'failed', 'crashed', 'cancelled') ORDER BY started_at`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			out = append(out, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

// ListRunsForDefinition lists every run of workflowID, newest first, for
// the workflow REST surface's run-history view.
func (r *WorkflowRepository) ListRunsForDefinition(ctx context.Context, workflowID ids.ID) ([]storage.WorkflowRun, error) {
	var out []storage.WorkflowRun
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, runSelect+` WHERE workflow_id = ? ORDER BY started_at DESC`, workflowID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			out = append(out, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func scanRun(row rowScanner) (storage.WorkflowRun, error) {
	var run storage.WorkflowRun
	var id, workflowID, status, triggerType, triggerJSON, contextJSON, startedAt string
	var completedAt sql.NullString
	if err := row.Scan(&id, &workflowID, &run.WorkflowName, &status, &triggerType, &triggerJSON, &contextJSON,
		&startedAt, &completedAt, &run.Error, &run.ConcurrencyKey); err != nil {
		return storage.WorkflowRun{}, err
	}
	var err error
	if run.ID, err = ids.Parse(id); err != nil {
		return storage.WorkflowRun{}, err
	}
	if run.WorkflowID, err = ids.Parse(workflowID); err != nil {
		return storage.WorkflowRun{}, err
	}
	run.Status = storage.WorkflowRunStatus(status)
	run.TriggerType = storage.TriggerType(triggerType)
	if err := json.Unmarshal([]byte(triggerJSON), &run.TriggerPayload); err != nil {
		return storage.WorkflowRun{}, err
	}
	if err := json.Unmarshal([]byte(contextJSON), &run.Context); err != nil {
		return storage.WorkflowRun{}, err
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return storage.WorkflowRun{}, err
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return storage.WorkflowRun{}, err
	}
	return run, nil
}

func (r *WorkflowRepository) UpsertStepLog(ctx context.Context, l storage.WorkflowStepLog) error {
	inputJSON, err := json.Marshal(l.Input)
	if err != nil {
		return err
	}
	outputJSON, err := json.Marshal(l.Output)
	if err != nil {
		return err
	}
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		var nonTerminalCount int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM workflow_step_logs
			WHERE run_id = ? AND step_id = ? AND attempt != ? AND status NOT IN ('completed', 'failed', 'skipped')`,
			l.RunID.String(), l.StepID, l.Attempt).Scan(&nonTerminalCount); err != nil {
			return err
		}
		if nonTerminalCount > 0 {
			return errConflict("non-terminal log row already exists for step: " + l.StepID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_step_logs (id, run_id, step_id, step_name, status, attempt, idempotency_key, input_json, output_json, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, step_id, attempt) DO UPDATE SET
				status = excluded.status, output_json = excluded.output_json, error = excluded.error, completed_at = excluded.completed_at`,
			l.ID.String(), l.RunID.String(), l.StepID, l.StepName, string(l.Status), l.Attempt, l.IdempotencyKey,
			string(inputJSON), string(outputJSON), l.Error, formatTimePtr(l.StartedAt), formatTimePtr(l.CompletedAt))
		return err
	})
}

const stepLogSelect = `
	SELECT id, run_id, step_id, step_name, status, attempt, idempotency_key, input_json, output_json, error, started_at, completed_at
	FROM workflow_step_logs`

func (r *WorkflowRepository) GetStepLog(ctx context.Context, runID ids.ID, stepID string) (storage.WorkflowStepLog, error) {
	var l storage.WorkflowStepLog
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, stepLogSelect+` WHERE run_id = ? AND step_id = ? ORDER BY attempt DESC LIMIT 1`,
			runID.String(), stepID)
		var err error
		l, err = scanStepLog(row)
		return err
	})
	if err != nil {
		return storage.WorkflowStepLog{}, translate(err, "step log not found: "+stepID)
	}
	return l, nil
}

func (r *WorkflowRepository) ListStepLogs(ctx context.Context, runID ids.ID) ([]storage.WorkflowStepLog, error) {
	var out []storage.WorkflowStepLog
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, stepLogSelect+` WHERE run_id = ? ORDER BY step_id, attempt`, runID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			l, err := scanStepLog(rows)
			if err != nil {
				return err
			}
			out = append(out, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func (r *WorkflowRepository) ListNonTerminalStepLogs(ctx context.Context, runID ids.ID) ([]storage.WorkflowStepLog, error) {
	var out []storage.WorkflowStepLog
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, stepLogSelect+` WHERE run_id = ? AND status NOT IN ('completed', 'failed', 'skipped') ORDER BY step_id`, runID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			l, err := scanStepLog(rows)
			if err != nil {
				return err
			}
			out = append(out, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func scanStepLog(row rowScanner) (storage.WorkflowStepLog, error) {
	var l storage.WorkflowStepLog
	var id, runID, status, inputJSON, outputJSON string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&id, &runID, &l.StepID, &l.StepName, &status, &l.Attempt, &l.IdempotencyKey,
		&inputJSON, &outputJSON, &l.Error, &startedAt, &completedAt); err != nil {
		return storage.WorkflowStepLog{}, err
	}
	var err error
	if l.ID, err = ids.Parse(id); err != nil {
		return storage.WorkflowStepLog{}, err
	}
	if l.RunID, err = ids.Parse(runID); err != nil {
		return storage.WorkflowStepLog{}, err
	}
	l.Status = storage.StepLogStatus(status)
	if err := json.Unmarshal([]byte(inputJSON), &l.Input); err != nil {
		return storage.WorkflowStepLog{}, err
	}
	if err := json.Unmarshal([]byte(outputJSON), &l.Output); err != nil {
		return storage.WorkflowStepLog{}, err
	}
	if l.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return storage.WorkflowStepLog{}, err
	}
	if l.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return storage.WorkflowStepLog{}, err
	}
	return l, nil
}

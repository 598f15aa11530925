package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskpilot/internal/task"
	"taskpilot/internal/workflow"
	logx "taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t *task.Task) error {
	cfg, err := jsonText(t.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, name, type, config, schedule, priority, owner, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Type, cfg, nullStr(t.Schedule), string(t.Priority), nullStr(t.Owner),
		boolInt(t.Active), timeText(t.CreatedAt), timeText(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *task.Task) error {
	cfg, err := jsonText(t.Config)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, type=?, config=?, schedule=?, priority=?, owner=?, active=?, updated_at=?
		 WHERE id=?`,
		t.Name, t.Type, cfg, nullStr(t.Schedule), string(t.Priority), nullStr(t.Owner),
		boolInt(t.Active), timeText(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, config, schedule, priority, owner, active, created_at, updated_at
		 FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (s *sqliteStore) ListTasks(ctx context.Context, activeOnly bool) ([]*task.Task, error) {
	q := `SELECT id, name, type, config, schedule, priority, owner, active, created_at, updated_at
	      FROM tasks`
	if activeOnly {
		q += ` WHERE active=1`
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t                    task.Task
		cfg, schedule, owner sql.NullString
		active               int
		createdAt, updatedAt string
		priority             string
	)
	err := r.Scan(&t.ID, &t.Name, &t.Type, &cfg, &schedule, &priority, &owner, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := jsonParse(cfg, &t.Config); err != nil {
		return nil, err
	}
	t.Schedule = schedule.String
	t.Owner = owner.String
	t.Priority = task.Priority(priority)
	t.Active = active != 0
	t.CreatedAt = parseTimeText(createdAt)
	t.UpdatedAt = parseTimeText(updatedAt)
	return &t, nil
}

// ---- task executions ----

const execColumns = `id, task_id, name, type, config, status, priority, output, error, progress,
	scheduled_for, queued_at, started_at, completed_at, duration_ms`

func (s *sqliteStore) CreateExecution(ctx context.Context, e *task.Execution) error {
	cfg, err := jsonText(e.Config)
	if err != nil {
		return err
	}
	out, err := jsonText(e.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(`+execColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, nullStr(e.TaskID), e.Name, e.Type, cfg, string(e.Status), string(e.Priority),
		out, nullStr(e.Error), e.Progress, nullTimeText(e.ScheduledFor), timeText(e.QueuedAt),
		nullTimeText(e.StartedAt), nullTimeText(e.CompletedAt), e.Duration.Milliseconds(),
	)
	return err
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, e *task.Execution) error {
	cfg, err := jsonText(e.Config)
	if err != nil {
		return err
	}
	out, err := jsonText(e.Output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status=?, priority=?, config=?, output=?, error=?, progress=?, started_at=?, completed_at=?, duration_ms=?
		 WHERE id=? AND status NOT IN ('succeeded','failed','cancelled')`,
		string(e.Status), string(e.Priority), cfg, out, nullStr(e.Error), e.Progress,
		nullTimeText(e.StartedAt), nullTimeText(e.CompletedAt), e.Duration.Milliseconds(), e.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish "gone" from "already terminal".
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id=?`, e.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*task.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM executions WHERE id=?`, id)
	return scanExecution(row)
}

func (s *sqliteStore) ListExecutions(ctx context.Context, f task.ExecutionFilter, p task.Page) ([]*task.Execution, error) {
	q := `SELECT ` + execColumns + ` FROM executions`
	var conds []string
	var args []any
	if f.TaskID != "" {
		conds = append(conds, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY queued_at DESC"
	if p.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, p.Limit)
		if p.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, p.Offset)
		}
	} else if p.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		args = append(args, p.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListQueuedExecutions(ctx context.Context) ([]*task.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execColumns+` FROM executions WHERE status='queued' ORDER BY queued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimExecution(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status='running', started_at=? WHERE id=? AND status='queued'`,
		timeText(at), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id=?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrClaimConflict
	}
	return nil
}

func (s *sqliteStore) ExecutionExistsForSchedule(ctx context.Context, taskID string, at time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM executions WHERE task_id=? AND scheduled_for=? LIMIT 1`,
		taskID, timeText(at)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanExecution(r rowScanner) (*task.Execution, error) {
	var (
		e                                    task.Execution
		taskID, cfg, output, errMsg          sql.NullString
		scheduledFor, startedAt, completedAt sql.NullString
		status, priority, queuedAt           string
		durationMS                           int64
	)
	err := r.Scan(&e.ID, &taskID, &e.Name, &e.Type, &cfg, &status, &priority, &output, &errMsg,
		&e.Progress, &scheduledFor, &queuedAt, &startedAt, &completedAt, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := jsonParse(cfg, &e.Config); err != nil {
		return nil, err
	}
	if err := jsonParse(output, &e.Output); err != nil {
		return nil, err
	}
	e.TaskID = taskID.String
	e.Status = task.Status(status)
	e.Priority = task.Priority(priority)
	e.Error = errMsg.String
	e.ScheduledFor = parseNullTime(scheduledFor)
	e.QueuedAt = parseTimeText(queuedAt)
	e.StartedAt = parseNullTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return &e, nil
}

// ---- workflows ----

func (s *sqliteStore) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	steps, err := jsonText(w.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows(id, name, steps, owner, version, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, steps, nullStr(w.Owner), w.Version, string(w.Status),
		timeText(w.CreatedAt), timeText(w.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	steps, err := jsonText(w.Steps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name=?, steps=?, owner=?, version=?, status=?, updated_at=? WHERE id=?`,
		w.Name, steps, nullStr(w.Owner), w.Version, string(w.Status), timeText(w.UpdatedAt), w.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var (
		w                    workflow.Workflow
		steps                string
		owner                sql.NullString
		status               string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, steps, owner, version, status, created_at, updated_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &steps, &owner, &w.Version, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &w.Steps); err != nil {
		return nil, fmt.Errorf("decode workflow steps: %w", err)
	}
	w.Owner = owner.String
	w.Status = workflow.DefinitionStatus(status)
	w.CreatedAt = parseTimeText(createdAt)
	w.UpdatedAt = parseTimeText(updatedAt)
	return &w, nil
}

// ---- workflow executions ----

func (s *sqliteStore) CreateWorkflowExecution(ctx context.Context, e *workflow.Execution) error {
	cc, err := jsonText(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions(id, workflow_id, status, context, error, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.WorkflowID, string(e.Status), cc, nullStr(e.Error),
		nullTimeText(e.StartedAt), nullTimeText(e.CompletedAt),
	)
	return err
}

func (s *sqliteStore) UpdateWorkflowExecution(ctx context.Context, e *workflow.Execution) error {
	cc, err := jsonText(e.Context)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status=?, context=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		string(e.Status), cc, nullStr(e.Error), nullTimeText(e.StartedAt), nullTimeText(e.CompletedAt), e.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) GetWorkflowExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, context, error, started_at, completed_at
		 FROM workflow_executions WHERE id=?`, id)
	return scanWFExec(row)
}

func (s *sqliteStore) ListWorkflowExecutionsByStatus(ctx context.Context, st workflow.RunStatus) ([]*workflow.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, status, context, error, started_at, completed_at
		 FROM workflow_executions WHERE status=? ORDER BY started_at`, string(st))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Execution
	for rows.Next() {
		e, err := scanWFExec(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanWFExec(r rowScanner) (*workflow.Execution, error) {
	var (
		e                      workflow.Execution
		cc, errMsg             sql.NullString
		status                 string
		startedAt, completedAt sql.NullString
	)
	err := r.Scan(&e.ID, &e.WorkflowID, &status, &cc, &errMsg, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := jsonParse(cc, &e.Context); err != nil {
		return nil, err
	}
	e.Status = workflow.RunStatus(status)
	e.Error = errMsg.String
	e.StartedAt = parseNullTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)
	return &e, nil
}

// ---- step executions ----

func (s *sqliteStore) CreateStepExecution(ctx context.Context, st *workflow.StepExecution) error {
	out, err := jsonText(st.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_executions(id, execution_id, step_index, name, status, output, error, attempts, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.ExecutionID, st.Index, st.Name, string(st.Status), out, nullStr(st.Error),
		st.Attempts, nullTimeText(st.StartedAt), nullTimeText(st.CompletedAt),
	)
	return err
}

func (s *sqliteStore) UpdateStepExecution(ctx context.Context, st *workflow.StepExecution) error {
	out, err := jsonText(st.Output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status=?, output=?, error=?, attempts=?, started_at=?, completed_at=? WHERE id=?`,
		string(st.Status), out, nullStr(st.Error), st.Attempts,
		nullTimeText(st.StartedAt), nullTimeText(st.CompletedAt), st.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) ListStepExecutions(ctx context.Context, executionID string) ([]*workflow.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_index, name, status, output, error, attempts, started_at, completed_at
		 FROM step_executions WHERE execution_id=? ORDER BY step_index`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.StepExecution
	for rows.Next() {
		var (
			st                     workflow.StepExecution
			output, errMsg         sql.NullString
			status                 string
			startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.Index, &st.Name, &status, &output, &errMsg,
			&st.Attempts, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if err := jsonParse(output, &st.Output); err != nil {
			return nil, err
		}
		st.Status = workflow.StepStatus(status)
		st.Error = errMsg.String
		st.StartedAt = parseNullTime(startedAt)
		st.CompletedAt = parseNullTime(completedAt)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// ---- helpers ----

func requireRow(res sql.Result) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func jsonText(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func jsonParse[T any](s sql.NullString, dst *T) error {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTimeText(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeText(t)
}

func parseTimeText(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTimeText(s.String)
}

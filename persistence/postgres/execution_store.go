package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/pkg/errors"
)

var _ persistence.ExecutionStore = new(ExecutionStore)

type executionRow struct {
	Id              string       `db:"id"`
	WorkflowId      string       `db:"workflow_id"`
	WorkflowVersion int          `db:"workflow_version"`
	EventId         string       `db:"event_id"`
	Status          string       `db:"status"`
	Severity        string       `db:"severity"`
	FilteredOut     bool         `db:"filtered_out"`
	Cancelled       bool         `db:"cancelled"`
	LongRunning     bool         `db:"long_running"`
	ErrorMsg        string       `db:"error_msg"`
	FilterErrors    string       `db:"filter_errors"`
	Results         string       `db:"results"`
	StartedAt       time.Time    `db:"started_at"`
	EndedAt         sql.NullTime `db:"ended_at"`
}

func toRow(e *model.WorkflowExecution) (executionRow, error) {
	filterErrors := e.FilterErrors
	if filterErrors == nil {
		filterErrors = []string{}
	}
	fe, err := json.Marshal(filterErrors)
	if err != nil {
		return executionRow{}, err
	}
	results := e.Results
	if results == nil {
		results = []model.ActionResult{}
	}
	res, err := json.Marshal(results)
	if err != nil {
		return executionRow{}, err
	}
	row := executionRow{
		Id:              e.Id,
		WorkflowId:      e.WorkflowId,
		WorkflowVersion: e.WorkflowVersion,
		EventId:         e.EventId,
		Status:          string(e.Status),
		Severity:        string(e.Severity),
		FilteredOut:     e.FilteredOut,
		Cancelled:       e.Cancelled,
		LongRunning:     e.LongRunning,
		ErrorMsg:        e.Error,
		FilterErrors:    string(fe),
		Results:         string(res),
		StartedAt:       e.StartedAt,
	}
	if e.EndedAt != nil {
		row.EndedAt = sql.NullTime{Time: *e.EndedAt, Valid: true}
	}
	return row, nil
}

func (r executionRow) toModel() (*model.WorkflowExecution, error) {
	e := &model.WorkflowExecution{
		Id:              r.Id,
		WorkflowId:      r.WorkflowId,
		WorkflowVersion: r.WorkflowVersion,
		EventId:         r.EventId,
		Status:          model.ExecutionStatus(r.Status),
		Severity:        model.Severity(r.Severity),
		FilteredOut:     r.FilteredOut,
		Cancelled:       r.Cancelled,
		LongRunning:     r.LongRunning,
		Error:           r.ErrorMsg,
		StartedAt:       r.StartedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.FilterErrors), &e.FilterErrors); err != nil {
		return nil, errors.Wrapf(err, "decode filter errors of %s", r.Id)
	}
	if len(e.FilterErrors) == 0 {
		e.FilterErrors = nil
	}
	if err := json.Unmarshal([]byte(r.Results), &e.Results); err != nil {
		return nil, errors.Wrapf(err, "decode results of %s", r.Id)
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time.UTC()
		e.EndedAt = &t
	}
	return e, nil
}

// ExecutionStore keeps the execution audit trail in postgres. The unique
// (workflow_id, event_id) constraint backs the one execution per event rule.
type ExecutionStore struct {
	db *sqlx.DB
}

func NewExecutionStore(dsn string) (*ExecutionStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &ExecutionStore{db: db}, nil
}

func NewExecutionStoreFromDB(db *sqlx.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) Close() error {
	return s.db.Close()
}

const insertExecution = `INSERT INTO workflow_executions
	(id, workflow_id, workflow_version, event_id, status, severity, filtered_out, cancelled, long_running, error_msg, filter_errors, results, started_at, ended_at)
	VALUES (:id, :workflow_id, :workflow_version, :event_id, :status, :severity, :filtered_out, :cancelled, :long_running, :error_msg, :filter_errors, :results, :started_at, :ended_at)
	ON CONFLICT (workflow_id, event_id) DO NOTHING`

func (s *ExecutionStore) Create(ctx context.Context, exec *model.WorkflowExecution) (bool, error) {
	row, err := toRow(exec)
	if err != nil {
		return false, err
	}
	res, err := s.db.NamedExecContext(ctx, insertExecution, row)
	if err != nil {
		return false, persistence.StorageLayerError{Message: errors.Wrap(err, "insert execution").Error()}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return n == 1, nil
}

const updateExecution = `UPDATE workflow_executions SET
	status = :status, severity = :severity, filtered_out = :filtered_out, cancelled = :cancelled,
	long_running = :long_running, error_msg = :error_msg, filter_errors = :filter_errors,
	results = :results, ended_at = :ended_at
	WHERE id = :id AND status = 'running'`

func (s *ExecutionStore) Update(ctx context.Context, exec *model.WorkflowExecution) error {
	row, err := toRow(exec)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, updateExecution, row)
	if err != nil {
		return persistence.StorageLayerError{Message: errors.Wrap(err, "update execution").Error()}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, exec.Id); err != nil {
		return err
	}
	return persistence.ErrTerminalExecution
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM workflow_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: errors.Wrap(err, "get execution").Error()}
	}
	return row.toModel()
}

func (s *ExecutionStore) List(ctx context.Context, query model.ExecutionQuery) ([]model.WorkflowExecution, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if query.WorkflowId != "" {
		add("workflow_id = $%d", query.WorkflowId)
	}
	if query.Status != "" {
		add("status = $%d", string(query.Status))
	}
	if !query.From.IsZero() {
		add("started_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("started_at <= $%d", query.To)
	}
	q := "SELECT * FROM workflow_executions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at, id"
	if query.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", query.Limit)
	}
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, persistence.StorageLayerError{Message: errors.Wrap(err, "list executions").Error()}
	}
	out := make([]model.WorkflowExecution, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *ExecutionStore) ListRunning(ctx context.Context) ([]model.WorkflowExecution, error) {
	return s.List(ctx, model.ExecutionQuery{Status: model.RUNNING})
}

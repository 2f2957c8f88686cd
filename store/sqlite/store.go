package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50

	// Fixed width so that text ordering matches time ordering.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run store.RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = types.StatusRunning
	}
	if run.Config == nil {
		run.Config = types.RunConfig{}
	}
	configRaw, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}

	const q = `
INSERT INTO runs (
  run_id, experiment_id, project, status, config, last_step, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		run.RunID,
		run.ExperimentID,
		run.Project,
		string(run.Status),
		string(configRaw),
		run.LastStep,
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
		toNullableTime(run.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `run_id, experiment_id, project, status, config, last_step, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.RunRecord, error) {
	var (
		run          store.RunRecord
		status       string
		configRaw    string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.RunID,
		&run.ExperimentID,
		&run.Project,
		&status,
		&configRaw,
		&run.LastStep,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return store.RunRecord{}, err
	}
	run.Status = types.RunStatus(status)
	if strings.TrimSpace(configRaw) == "" {
		run.Config = types.RunConfig{}
	} else if err := json.Unmarshal([]byte(configRaw), &run.Config); err != nil {
		return store.RunRecord{}, fmt.Errorf("failed to decode run config: %w", err)
	}
	var err error
	if run.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return store.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	if run.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
		return store.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return store.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &completed
	}
	return run, nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (store.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return store.RunRecord{}, fmt.Errorf("run_id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?;`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query store.ListRunsQuery) ([]store.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.Project != "" {
		where = append(where, "project = ?")
		args = append(args, query.Project)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(query.Status))
	}

	sqlText := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC, run_id DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]store.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status types.RunStatus, at time.Time) (store.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return store.RunRecord{}, fmt.Errorf("run_id is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const q = `UPDATE runs SET status = ?, completed_at = ?, updated_at = ? WHERE run_id = ?;`
	res, err := s.db.ExecContext(ctx, q, string(status), formatTime(at), formatTime(at), runID)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.RunRecord{}, store.ErrNotFound
	}
	return s.LoadRun(ctx, runID)
}

func (s *Store) AppendMetrics(ctx context.Context, runID string, step int, metrics types.Metrics, at time.Time) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metrics tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET last_step = ?, updated_at = ? WHERE run_id = ?;`, step, formatTime(at), runID)
	if err != nil {
		return fmt.Errorf("failed to update run step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	slices.Sort(names)

	const q = `
INSERT INTO metric_points (run_id, step, metric_name, metric_value, logged_at)
VALUES (?, ?, ?, ?, ?);
`
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, q, runID, step, name, metrics[name], formatTime(at)); err != nil {
			return fmt.Errorf("failed to insert metric point: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics: %w", err)
	}
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, runID string, name string) ([]types.MetricPoint, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	sqlText := `SELECT run_id, step, metric_name, metric_value, logged_at FROM metric_points WHERE run_id = ?`
	args := []any{runID}
	if name != "" {
		sqlText += " AND metric_name = ?"
		args = append(args, name)
	}
	sqlText += " ORDER BY step ASC, id ASC;"

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	out := make([]types.MetricPoint, 0)
	for rows.Next() {
		var (
			point     types.MetricPoint
			loggedRaw string
		)
		if err := rows.Scan(&point.RunID, &point.Step, &point.Name, &point.Value, &loggedRaw); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		if point.Timestamp, err = parseRequiredTime(loggedRaw); err != nil {
			return nil, fmt.Errorf("failed to parse metric logged_at: %w", err)
		}
		out = append(out, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metrics: %w", err)
	}
	if len(out) == 0 {
		if _, err := s.LoadRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ store.Store = (*Store)(nil)

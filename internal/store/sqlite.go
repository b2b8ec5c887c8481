package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/walker/internal/model"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    owner_id       TEXT NOT NULL,
    name           TEXT NOT NULL,
    state          TEXT NOT NULL,
    aggregate_code INTEGER,
    created_at     DATETIME NOT NULL,
    finished_at    DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS jobs_owner_created ON jobs (owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS trails (
    job_id     TEXT NOT NULL REFERENCES jobs(id),
    host       TEXT NOT NULL,
    position   INTEGER NOT NULL,
    summary    TEXT,
    raw_output TEXT,
    updated_at DATETIME,
    PRIMARY KEY (job_id, host)
)`,
	`CREATE TABLE IF NOT EXISTS missions (
    job_id      TEXT PRIMARY KEY REFERENCES jobs(id),
    kind        TEXT NOT NULL,
    command     TEXT NOT NULL DEFAULT '',
    script_id   TEXT NOT NULL DEFAULT '',
    script_body TEXT NOT NULL DEFAULT '',
    remote_user TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS scripts (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    name       TEXT NOT NULL,
    body       TEXT NOT NULL,
    language   TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time, and every connection to ":memory:"
	// would otherwise see its own empty database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a job with its trails and mission in one transaction.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job, m *model.Mission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, owner_id, name, state, aggregate_code, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.Name, string(j.State), j.AggregateCode, j.CreatedAt, j.FinishedAt,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for i, t := range j.Trails {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trails (job_id, host, position) VALUES (?, ?, ?)`,
			j.ID, t.Host, i,
		); err != nil {
			return fmt.Errorf("insert trail %s: %w", t.Host, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO missions (job_id, kind, command, script_id, script_body, remote_user)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, string(m.Kind), m.Command, m.ScriptID, m.ScriptBody, m.RemoteUser,
	); err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

const selectJobColumns = `id, owner_id, name, state, aggregate_code, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var state string
	if err := row.Scan(&j.ID, &j.OwnerID, &j.Name, &state, &j.AggregateCode, &j.CreatedAt, &j.FinishedAt); err != nil {
		return nil, err
	}
	j.State = model.State(state)
	return j, nil
}

// GetJob retrieves a job and its trails by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.getJob(ctx, `SELECT `+selectJobColumns+` FROM jobs WHERE id = ?`, id)
}

// GetOwnedJob retrieves a job and its trails if it belongs to ownerID.
func (s *SQLiteStore) GetOwnedJob(ctx context.Context, id, ownerID string) (*model.Job, error) {
	return s.getJob(ctx, `SELECT `+selectJobColumns+` FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
}

// getJob reads the job row and its trails in one read transaction so a
// terminal state is never paired with trails from before the final writes.
func (s *SQLiteStore) getJob(ctx context.Context, query string, args ...any) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	trails, err := queryTrails(ctx, tx, j.ID)
	if err != nil {
		return nil, err
	}
	j.Trails = trails
	return j, nil
}

func queryTrails(ctx context.Context, tx *sql.Tx, jobID string) ([]model.Trail, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT job_id, host, summary, raw_output, updated_at
		FROM trails WHERE job_id = ? ORDER BY position`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list trails: %w", err)
	}
	defer rows.Close()

	trails := []model.Trail{}
	for rows.Next() {
		var t model.Trail
		var summary sql.NullString
		if err := rows.Scan(&t.JobID, &t.Host, &summary, &t.RawOutput, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trail: %w", err)
		}
		if summary.Valid {
			var hs model.HostSummary
			if err := json.Unmarshal([]byte(summary.String), &hs); err != nil {
				return nil, fmt.Errorf("decode summary for %s: %w", t.Host, err)
			}
			t.Summary = &hs
		}
		trails = append(trails, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trails: %w", err)
	}
	return trails, nil
}

// ListJobs returns a page of ownerID's jobs ordered by created_at DESC, along
// with the owner's total job count. Trails are included.
func (s *SQLiteStore) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE owner_id = ?", ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, ownerID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	rows.Close()

	for _, j := range jobs {
		if j.Trails, err = queryTrails(ctx, tx, j.ID); err != nil {
			return nil, 0, err
		}
	}

	return jobs, total, nil
}

// GetMission retrieves the mission bound to a job.
func (s *SQLiteStore) GetMission(ctx context.Context, jobID string) (*model.Mission, error) {
	m := &model.Mission{}
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, kind, command, script_id, script_body, remote_user
		FROM missions WHERE job_id = ?`, jobID,
	).Scan(&m.JobID, &kind, &m.Command, &m.ScriptID, &m.ScriptBody, &m.RemoteUser)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	m.Kind = model.MissionKind(kind)
	return m, nil
}

// UpdateTrail stores the summary and raw output of one host.
func (s *SQLiteStore) UpdateTrail(ctx context.Context, jobID, host string, summary model.HostSummary, output string) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE trails SET summary = ?, raw_output = ?, updated_at = ? WHERE job_id = ? AND host = ?",
		string(data), output, time.Now().UTC(), jobID, host,
	)
	if err != nil {
		return fmt.Errorf("update trail: %w", err)
	}
	return checkAffected(result)
}

// TransitionJob moves a job to state to inside a transaction. finished_at is
// stamped on every transition since all targets are terminal.
func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, to model.State, code *int) (model.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read job state: %w", err)
	}

	from := model.State(current)
	if !model.ValidTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	// The state guard keeps the update correct even if another process
	// changed the row after the read above.
	result, err := tx.ExecContext(ctx,
		"UPDATE jobs SET state = ?, aggregate_code = ?, finished_at = ? WHERE id = ? AND state = ?",
		string(to), code, time.Now().UTC(), id, current,
	)
	if err != nil {
		return from, fmt.Errorf("update job state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return from, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return from, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}

	if err := tx.Commit(); err != nil {
		return from, fmt.Errorf("commit transition: %w", err)
	}
	return from, nil
}

// FailOrphanedJobs sweeps jobs whose executor did not survive a restart.
func (s *SQLiteStore) FailOrphanedJobs(ctx context.Context, summary model.HostSummary) ([]string, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM jobs WHERE state IN (?, ?) ORDER BY id",
		string(model.StatePending), string(model.StateTimedOut),
	)
	if err != nil {
		return nil, fmt.Errorf("query orphaned jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned jobs: %w", err)
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE trails SET summary = ?, raw_output = '', updated_at = ? WHERE job_id = ? AND summary IS NULL",
			string(data), now, id,
		); err != nil {
			return nil, fmt.Errorf("fail trails of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, aggregate_code = NULL, finished_at = ? WHERE id = ?",
			string(model.StateSetupFailed), now, id,
		); err != nil {
			return nil, fmt.Errorf("fail job %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}
	return ids, nil
}

// GetJobStats returns job counts by state and trail failure counts for ownerID.
func (s *SQLiteStore) GetJobStats(ctx context.Context, ownerID string) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{CountByState: make(map[model.State]int, len(model.States))}
	for _, st := range model.States {
		stats.CountByState[st] = 0
	}

	rows, err := tx.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs WHERE owner_id = ? GROUP BY state", ownerID)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[model.State(state)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx,
		`SELECT t.summary FROM trails t JOIN jobs j ON j.id = t.job_id WHERE j.owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list trail summaries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var summary sql.NullString
		if err := rows.Scan(&summary); err != nil {
			return nil, fmt.Errorf("scan trail summary: %w", err)
		}
		if !summary.Valid {
			stats.PendingTrails++
			continue
		}
		var hs model.HostSummary
		if err := json.Unmarshal([]byte(summary.String), &hs); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		if hs.Failed() {
			stats.FailedTrails++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trail summaries: %w", err)
	}

	return stats, nil
}

// CreateScript inserts a new script artifact.
func (s *SQLiteStore) CreateScript(ctx context.Context, sc *model.Script) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (id, owner_id, name, body, language, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.OwnerID, sc.Name, sc.Body, sc.Language, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

// GetOwnedScript retrieves a script if it belongs to ownerID.
func (s *SQLiteStore) GetOwnedScript(ctx context.Context, id, ownerID string) (*model.Script, error) {
	sc := &model.Script{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, body, language, created_at
		FROM scripts WHERE id = ? AND owner_id = ?`, id, ownerID,
	).Scan(&sc.ID, &sc.OwnerID, &sc.Name, &sc.Body, &sc.Language, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	return sc, nil
}

// ListScripts returns ownerID's scripts ordered by name.
func (s *SQLiteStore) ListScripts(ctx context.Context, ownerID string) ([]*model.Script, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, body, language, created_at
		FROM scripts WHERE owner_id = ? ORDER BY name, id`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*model.Script
	for rows.Next() {
		sc := &model.Script{}
		if err := rows.Scan(&sc.ID, &sc.OwnerID, &sc.Name, &sc.Body, &sc.Language, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		scripts = append(scripts, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scripts: %w", err)
	}
	return scripts, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

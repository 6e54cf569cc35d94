// Package runstore persists pipeline runs, their final stage table and the
// display lines shown while they ran.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/monitor"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("run not found")

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath. ":memory:" works for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection: keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or updates a run record
func (s *Store) SaveRun(run *domain.Run) error {
	startedAt := time.Now()
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, topology, log_path, status, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			error = excluded.error
	`,
		run.ID,
		run.Topology,
		run.LogPath,
		string(run.Status),
		startedAt,
		nullTime(run.FinishedAt),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the terminal status of a run
func (s *Store) FinishRun(id string, status domain.RunStatus, errMsg string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, at, id)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, topology, log_path, status, started_at, finished_at, error
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ErrAmbiguous is returned when a run ID prefix matches more than one run
var ErrAmbiguous = errors.New("run id prefix is ambiguous")

// FindRun looks a run up by its full ID or a unique ID prefix
func (s *Store) FindRun(idOrPrefix string) (*domain.Run, error) {
	run, err := s.GetRun(idOrPrefix)
	if !errors.Is(err, ErrNotFound) {
		return run, err
	}

	rows, err := s.db.Query(`
		SELECT id, topology, log_path, status, started_at, finished_at, error
		FROM runs WHERE id LIKE ? ESCAPE '\' LIMIT 2
	`, escapeLike(idOrPrefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, ErrAmbiguous)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]*domain.Run, error) {
	query := `
		SELECT id, topology, log_path, status, started_at, finished_at, error
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecoverInterrupted marks runs left running by a crashed process as failed
func (s *Store) RecoverInterrupted() (int, error) {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = 'interrupted', finished_at = ?
		WHERE status IN (?, ?)
	`, string(domain.RunFailed), time.Now(), string(domain.RunRunning), string(domain.RunQueued))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveSnapshot replaces the stored stage table of a run
func (s *Store) SaveSnapshot(runID string, snap []domain.StageStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, st := range snap {
		subtasks, err := json.Marshal(nonNil(st.Subtasks))
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO stages (run_id, position, stage_id, name, state, subtasks, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, stage_id) DO UPDATE SET
				position = excluded.position,
				state = excluded.state,
				subtasks = excluded.subtasks,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at
		`,
			runID, i, string(st.ID), st.Name, st.State.String(), string(subtasks),
			nullTime(st.StartedAt), nullTime(st.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("saving stage %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

// GetSnapshot returns the stored stage table of a run in stage order
func (s *Store) GetSnapshot(runID string) ([]domain.StageStatus, error) {
	rows, err := s.db.Query(`
		SELECT stage_id, name, state, subtasks, started_at, completed_at
		FROM stages WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snap []domain.StageStatus
	for rows.Next() {
		var (
			st                   domain.StageStatus
			id, state, subtasks  string
			startedAt, completed sql.NullTime
		)
		if err := rows.Scan(&id, &st.Name, &state, &subtasks, &startedAt, &completed); err != nil {
			return nil, err
		}
		st.ID = domain.StageID(id)
		if st.State, err = domain.ParseStageState(state); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(subtasks), &st.Subtasks); err != nil {
			return nil, err
		}
		st.StartedAt = timePtr(startedAt)
		st.CompletedAt = timePtr(completed)
		snap = append(snap, st)
	}
	return snap, rows.Err()
}

// AppendLines stores display lines for a run
func (s *Store) AppendLines(runID string, lines []domain.DisplayLine) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO log_lines (run_id, timestamp, level, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range lines {
		if _, err := stmt.Exec(runID, l.Timestamp, string(l.Level), l.Text); err != nil {
			return fmt.Errorf("appending line: %w", err)
		}
	}
	return tx.Commit()
}

// ListLines returns the last limit display lines of a run, oldest first.
// limit <= 0 returns all.
func (s *Store) ListLines(runID string, limit int) ([]domain.DisplayLine, error) {
	query := `
		SELECT timestamp, level, message FROM log_lines
		WHERE run_id = ? ORDER BY id DESC`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.DisplayLine
	for rows.Next() {
		var (
			l     domain.DisplayLine
			level string
		)
		if err := rows.Scan(&l.Timestamp, &level, &l.Text); err != nil {
			return nil, err
		}
		l.Level = domain.Level(level)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(lines)
	return lines, nil
}

// DeleteRun removes a run and everything recorded for it
func (s *Store) DeleteRun(id string) error {
	res, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// Recorder persists monitor updates of one run
type Recorder struct {
	store  *Store
	runID  string
	logger *slog.Logger
}

// Recorder returns a monitor sink that writes to this store
func (s *Store) Recorder(runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, runID: runID, logger: logger}
}

// OnUpdate stores new display lines, and the stage table on changes
func (r *Recorder) OnUpdate(u monitor.Update) {
	if err := r.store.AppendLines(r.runID, u.Lines); err != nil {
		r.logger.Warn("persisting display lines", "run", r.runID, "err", err)
	}
	if err := r.store.SaveSnapshot(r.runID, u.Snapshot); err != nil {
		r.logger.Warn("persisting stage snapshot", "run", r.runID, "err", err)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var (
		run        domain.Run
		status     string
		logPath    sql.NullString
		errMsg     sql.NullString
		startedAt  time.Time
		finishedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.Topology, &logPath, &status, &startedAt, &finishedAt, &errMsg); err != nil {
		return nil, err
	}
	run.StartedAt = &startedAt
	run.Status = domain.RunStatus(status)
	run.LogPath = logPath.String
	run.Error = errMsg.String
	run.FinishedAt = timePtr(finishedAt)
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

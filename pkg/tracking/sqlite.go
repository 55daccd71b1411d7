package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink stores runs in a local SQLite database and copies artifact
// files into a directory tree: <artifactDir>/<run id>/<category>/<file>.
type SQLiteSink struct {
	conn        *sql.DB
	mu          sync.RWMutex
	artifactDir string
}

// NewSQLiteSink opens (or creates) the database at dbPath
func NewSQLiteSink(dbPath, artifactDir string) (*SQLiteSink, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &SQLiteSink{conn: conn, artifactDir: artifactDir}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		experiment TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME
	);

	CREATE TABLE IF NOT EXISTS params (
		run_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (run_id, key),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS metrics (
		run_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment);
	CREATE INDEX IF NOT EXISTS idx_metrics_run_id ON metrics(run_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// StartRun inserts a RUNNING run
func (s *SQLiteSink) StartRun(ctx context.Context, experiment, name string, start time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO runs (experiment, name, status, start_time)
		VALUES (?, ?, ?, ?)
	`, experiment, name, StatusRunning, start)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// LogParams upserts params in a single transaction
func (s *SQLiteSink) LogParams(ctx context.Context, runID string, params map[string]string) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO params (run_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for k, v := range params {
		if _, err := stmt.ExecContext(ctx, id, k, v); err != nil {
			return fmt.Errorf("failed to insert param %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LogMetrics appends metric values at ts
func (s *SQLiteSink) LogMetrics(ctx context.Context, runID string, metrics map[string]float64, ts time.Time) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (run_id, key, value, timestamp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for k, v := range metrics {
		if _, err := stmt.ExecContext(ctx, id, k, v, ts); err != nil {
			return fmt.Errorf("failed to insert metric %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LogArtifact copies localPath into the artifact tree and records it
func (s *SQLiteSink) LogArtifact(ctx context.Context, runID, localPath, category string) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}

	name := filepath.Base(localPath)
	dst := filepath.Join(s.artifactDir, runID, category, name)
	if err := copyFile(localPath, dst); err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, category, name, path) VALUES (?, ?, ?, ?)
	`, id, category, name, dst); err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// EndRun sets the terminal status
func (s *SQLiteSink) EndRun(ctx context.Context, runID string, status Status, end time.Time) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.ExecContext(ctx, `UPDATE runs SET status = ?, end_time = ? WHERE id = ?`, status, end, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// ListRuns returns the most recent runs with their params, last metric
// values and artifact names
func (s *SQLiteSink) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, experiment, name, status, start_time, end_time
		FROM runs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []RunRecord
	for rows.Next() {
		var (
			id  int64
			rec RunRecord
			end sql.NullTime
		)
		if err := rows.Scan(&id, &rec.Experiment, &rec.Name, &rec.Status, &rec.Start, &end); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		rec.ID = strconv.FormatInt(id, 10)
		if end.Valid {
			t := end.Time
			rec.End = &t
		}
		runs = append(runs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if err := s.fillRun(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteSink) fillRun(ctx context.Context, rec *RunRecord) error {
	rec.Params = map[string]string{}
	rows, err := s.conn.QueryContext(ctx, `SELECT key, value FROM params WHERE run_id = ?`, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to query params: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan param: %w", err)
		}
		rec.Params[k] = v
	}
	rows.Close()

	rec.Metrics = map[string]float64{}
	rows, err = s.conn.QueryContext(ctx, `SELECT key, value FROM metrics WHERE run_id = ? ORDER BY timestamp`, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to query metrics: %w", err)
	}
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan metric: %w", err)
		}
		rec.Metrics[k] = v
	}
	rows.Close()

	rows, err = s.conn.QueryContext(ctx, `SELECT category, name FROM artifacts WHERE run_id = ? ORDER BY id`, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category, name string
		if err := rows.Scan(&category, &name); err != nil {
			return fmt.Errorf("failed to scan artifact: %w", err)
		}
		rec.Artifacts = append(rec.Artifacts, filepath.ToSlash(filepath.Join(category, name)))
	}
	return rows.Err()
}

// Close closes the database connection
func (s *SQLiteSink) Close() error {
	return s.conn.Close()
}

func parseRunID(runID string) (int64, error) {
	id, err := strconv.ParseInt(runID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid run id %q", runID)
	}
	return id, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

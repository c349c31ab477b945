// Storage module - SQLite run history and rate limits

package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type Storage struct {
	db     *sql.DB
	logger zerolog.Logger

	stmtAddRun    *sql.Stmt
	stmtGetRuns   *sql.Stmt
	stmtGetRun    *sql.Stmt
	stmtAddLog    *sql.Stmt
	stmtGetLogs   *sql.Stmt
	stmtPruneRuns *sql.Stmt
}

// Run is one recorded command execution
type Run struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id,omitempty"`
	Mode        string    `json:"mode"` // buffered, stream
	Command     string    `json:"command"`
	WorkDir     string    `json:"cwd,omitempty"`
	ExitCode    *int      `json:"code,omitempty"`
	Signal      string    `json:"signal,omitempty"`
	TimedOut    bool      `json:"timed_out"`
	Killed      bool      `json:"killed"`
	Outcome     string    `json:"outcome"` // ok, failed, timeout, error
	Error       string    `json:"error,omitempty"`
	StdoutBytes int       `json:"stdout_bytes"`
	StderrBytes int       `json:"stderr_bytes"`
	DurationMs  int64     `json:"duration_ms"`
	ClientIP    string    `json:"client_ip,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClientLog is a diagnostic line posted by a bridge client
type ClientLog struct {
	ID        int64     `json:"id"`
	ClientIP  string    `json:"client_ip"`
	Message   string    `json:"msg"`
	Request   string    `json:"req,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func New(dbPath string, logger zerolog.Logger) (*Storage, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, logger: logger.With().Str("component", "storage").Logger()}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous: %w", err)
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.initPreparedStmts(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("database opened")
	return s, nil
}

func (s *Storage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			command TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			signal TEXT NOT NULL DEFAULT '',
			timed_out INTEGER NOT NULL DEFAULT 0,
			killed INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			stdout_bytes INTEGER NOT NULL DEFAULT 0,
			stderr_bytes INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			client_ip TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

		CREATE TABLE IF NOT EXISTS client_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_ip TEXT NOT NULL DEFAULT '',
			msg TEXT NOT NULL,
			req TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rate_limits (
			endpoint TEXT NOT NULL,
			key TEXT NOT NULL,
			requests INTEGER NOT NULL DEFAULT 0,
			window_start_ms INTEGER NOT NULL,
			PRIMARY KEY (endpoint, key)
		);
	`)
	return err
}

func (s *Storage) initPreparedStmts() error {
	var err error
	if s.stmtAddRun, err = s.db.Prepare(`INSERT INTO runs
		(id, call_id, mode, command, cwd, exit_code, signal, timed_out, killed, outcome, error,
		 stdout_bytes, stderr_bytes, duration_ms, client_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return fmt.Errorf("AddRun: %w", err)
	}
	const runCols = `id, call_id, mode, command, cwd, exit_code, signal, timed_out, killed, outcome, error,
		stdout_bytes, stderr_bytes, duration_ms, client_ip, created_at`
	if s.stmtGetRuns, err = s.db.Prepare("SELECT " + runCols + " FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?"); err != nil {
		return fmt.Errorf("GetRuns: %w", err)
	}
	if s.stmtGetRun, err = s.db.Prepare("SELECT " + runCols + " FROM runs WHERE id = ?"); err != nil {
		return fmt.Errorf("GetRun: %w", err)
	}
	if s.stmtAddLog, err = s.db.Prepare("INSERT INTO client_logs (client_ip, msg, req, created_at) VALUES (?, ?, ?, ?)"); err != nil {
		return fmt.Errorf("AddClientLog: %w", err)
	}
	if s.stmtGetLogs, err = s.db.Prepare("SELECT id, client_ip, msg, req, created_at FROM client_logs ORDER BY id DESC LIMIT ?"); err != nil {
		return fmt.Errorf("GetClientLogs: %w", err)
	}
	if s.stmtPruneRuns, err = s.db.Prepare("DELETE FROM runs WHERE created_at < ?"); err != nil {
		return fmt.Errorf("PruneRuns: %w", err)
	}
	return nil
}

// AddRun records a run and returns its id, generating one when r.ID is empty
func (s *Storage) AddRun(r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var code sql.NullInt64
	if r.ExitCode != nil {
		code = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}
	_, err := s.stmtAddRun.Exec(r.ID, r.CallID, r.Mode, r.Command, r.WorkDir, code, r.Signal,
		r.TimedOut, r.Killed, r.Outcome, r.Error, r.StdoutBytes, r.StderrBytes, r.DurationMs,
		r.ClientIP, r.CreatedAt)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var code sql.NullInt64
	err := row.Scan(&r.ID, &r.CallID, &r.Mode, &r.Command, &r.WorkDir, &code, &r.Signal,
		&r.TimedOut, &r.Killed, &r.Outcome, &r.Error, &r.StdoutBytes, &r.StderrBytes,
		&r.DurationMs, &r.ClientIP, &r.CreatedAt)
	if err != nil {
		return Run{}, err
	}
	if code.Valid {
		c := int(code.Int64)
		r.ExitCode = &c
	}
	return r, nil
}

// GetRuns returns the newest runs first
func (s *Storage) GetRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.stmtGetRuns.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns nil when the id is unknown
func (s *Storage) GetRun(id string) (*Run, error) {
	r, err := scanRun(s.stmtGetRun.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PruneRuns deletes runs older than maxAge and returns how many were removed
func (s *Storage) PruneRuns(maxAge time.Duration) (int64, error) {
	res, err := s.stmtPruneRuns.Exec(time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) AddClientLog(clientIP, msg, req string) error {
	_, err := s.stmtAddLog.Exec(clientIP, msg, req, time.Now().UTC())
	return err
}

func (s *Storage) GetClientLogs(limit int) ([]ClientLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtGetLogs.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []ClientLog{}
	for rows.Next() {
		var l ClientLog
		if err := rows.Scan(&l.ID, &l.ClientIP, &l.Message, &l.Request, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Stats counts runs by outcome
func (s *Storage) Stats() (map[string]int, error) {
	rows, err := s.db.Query("SELECT outcome, COUNT(*) FROM runs GROUP BY outcome")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		stats[outcome] = n
	}
	return stats, rows.Err()
}

// ============ Rate Limiting ============

// CheckRateLimit counts one request for endpoint/key and reports whether it
// fits within maxRequests per window. maxRequests <= 0 means unlimited.
func (s *Storage) CheckRateLimit(endpoint, key string, maxRequests int, window time.Duration) (bool, error) {
	if maxRequests <= 0 {
		return true, nil
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO rate_limits (endpoint, key, requests, window_start_ms)
		VALUES (?, ?, 0, ?)`, endpoint, key, now); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`UPDATE rate_limits SET requests = 0, window_start_ms = ?
		WHERE endpoint = ? AND key = ? AND window_start_ms <= ?`,
		now, endpoint, key, now-window.Milliseconds()); err != nil {
		return false, err
	}
	// check-and-increment in one statement
	result, err := tx.Exec(`UPDATE rate_limits SET requests = requests + 1
		WHERE endpoint = ? AND key = ? AND requests < ?`, endpoint, key, maxRequests)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ResetRateLimit clears the counter for endpoint/key
func (s *Storage) ResetRateLimit(endpoint, key string) error {
	_, err := s.db.Exec(`DELETE FROM rate_limits WHERE endpoint = ? AND key = ?`, endpoint, key)
	return err
}

func (s *Storage) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtAddRun, s.stmtGetRuns, s.stmtGetRun, s.stmtAddLog, s.stmtGetLogs, s.stmtPruneRuns} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite run journal: runs, their steps, and every model call.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the journal database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "qualia.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Runs ---

func (s *Store) CreateRun(r Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, session, started_at, finalized_at, status, config_json)
		VALUES (?, ?, ?, NULL, 'open', ?)`,
		r.ID, r.Session, r.StartedAt.UTC().Format(time.RFC3339), r.ConfigJSON,
	)
	return err
}

func (s *Store) GetRun(id string) (Run, error) {
	return s.getRunWhere("WHERE id = ?", id)
}

// LatestOpenRun returns the most recently started run that has not been
// finalized yet.
func (s *Store) LatestOpenRun() (Run, error) {
	return s.getRunWhere("WHERE status = 'open' ORDER BY started_at DESC, id DESC LIMIT 1")
}

func (s *Store) getRunWhere(where string, args ...any) (Run, error) {
	var r Run
	var startedAt string
	var finalizedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT id, session, started_at, finalized_at, status, config_json
		FROM runs `+where, args...,
	).Scan(&r.ID, &r.Session, &startedAt, &finalizedAt, &r.Status, &r.ConfigJSON)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if finalizedAt.Valid {
		if r.FinalizedAt, err = time.Parse(time.RFC3339, finalizedAt.String); err != nil {
			return Run{}, fmt.Errorf("parsing finalized_at: %w", err)
		}
	}
	return r, nil
}

// FinalizeRun marks an open run as finalized. Returns ErrNotFound when the
// run does not exist or was already finalized.
func (s *Store) FinalizeRun(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE runs SET status = 'finalized', finalized_at = ? WHERE id = ? AND status = 'open'`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Steps ---

// RecordStep upserts a stage record. Re-running a stage within the same run
// replaces its earlier record.
func (s *Store) RecordStep(st Step) error {
	_, err := s.db.Exec(`
		INSERT INTO steps (run_id, number, name, status, started_at, ended_at, documents, failures, output_path, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, number) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			documents = excluded.documents,
			failures = excluded.failures,
			output_path = excluded.output_path,
			error = excluded.error`,
		st.RunID, st.Number, st.Name, st.Status,
		st.StartedAt.UTC().Format(time.RFC3339), st.EndedAt.UTC().Format(time.RFC3339),
		st.Documents, st.Failures, st.OutputPath, st.Error,
	)
	return err
}

func (s *Store) StepsForRun(runID string) ([]Step, error) {
	rows, err := s.db.Query(`
		SELECT run_id, number, name, status, started_at, ended_at, documents, failures, output_path, error
		FROM steps WHERE run_id = ? ORDER BY number ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Step
	for rows.Next() {
		var st Step
		var startedAt, endedAt string
		if err := rows.Scan(&st.RunID, &st.Number, &st.Name, &st.Status, &startedAt, &endedAt,
			&st.Documents, &st.Failures, &st.OutputPath, &st.Error); err != nil {
			return nil, err
		}
		if st.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if st.EndedAt, err = time.Parse(time.RFC3339, endedAt); err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

// --- Calls ---

func (s *Store) AppendCall(c Call) error {
	_, err := s.db.Exec(`
		INSERT INTO calls (run_id, seq, created_at, stage, document_id, provider, model, system_prompt, prompt, temperature, max_tokens, response, outcome, error, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Seq, c.CreatedAt.UTC().Format(time.RFC3339), c.Stage, c.DocumentID,
		c.Provider, c.Model, c.SystemPrompt, c.Prompt, c.Temperature, c.MaxTokens,
		c.Response, c.Outcome, c.Error, c.LatencyMS,
	)
	return err
}

func (s *Store) CallsForRun(runID string) ([]Call, error) {
	rows, err := s.db.Query(`
		SELECT run_id, seq, created_at, stage, document_id, provider, model, system_prompt, prompt, temperature, max_tokens, response, outcome, error, latency_ms
		FROM calls WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Call
	for rows.Next() {
		var c Call
		var createdAt string
		if err := rows.Scan(&c.RunID, &c.Seq, &createdAt, &c.Stage, &c.DocumentID,
			&c.Provider, &c.Model, &c.SystemPrompt, &c.Prompt, &c.Temperature, &c.MaxTokens,
			&c.Response, &c.Outcome, &c.Error, &c.LatencyMS); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// MaxSeq returns the highest call sequence number recorded for a run, or 0
// when the run has no calls. A resuming process continues numbering from
// this value.
func (s *Store) MaxSeq(runID string) (int, error) {
	var max int
	err := s.db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM calls WHERE run_id = ?", runID).Scan(&max)
	return max, err
}

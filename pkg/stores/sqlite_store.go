package stores

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/netsync/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store and HistoryStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if !isMemory(s.cfg.Path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Load returns the stored configuration, or "" when no record exists.
func (s *SQLiteStore) Load(ctx context.Context, device string) (string, error) {
	if err := validateDeviceName(device); err != nil {
		return "", err
	}

	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM device_configs WHERE device = ?`, device,
	).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load stored config for %s: %w", device, err)
	}

	return text, nil
}

// Save replaces the stored configuration in a single statement.
func (s *SQLiteStore) Save(ctx context.Context, device, text string) error {
	if err := validateDeviceName(device); err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(text))
	query := `
		INSERT INTO device_configs (device, config, hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device) DO UPDATE SET
			config = excluded.config,
			hash = excluded.hash,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, device, text, hex.EncodeToString(sum[:]), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save stored config for %s: %w", device, err)
	}

	return nil
}

// ConfigHash returns the SHA-256 of the stored configuration of device.
func (s *SQLiteStore) ConfigHash(ctx context.Context, device string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM device_configs WHERE device = ?`, device,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no stored config for %s", device)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config hash: %w", err)
	}
	return hash, nil
}

// RecordRun stores a run report and its device results in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, scope, status, started_at, completed_at, duration_ms, total, changed, unchanged, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		string(report.Scope),
		string(report.Status),
		report.StartedAt.UTC(),
		report.CompletedAt.UTC(),
		report.Duration.Milliseconds(),
		report.Summary.Total,
		report.Summary.Changed,
		report.Summary.Unchanged,
		report.Summary.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO device_results (run_id, position, device, family, changed, failed, persisted,
			error_kind, message, diff_text, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare device result insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range report.Results {
		if r == nil {
			continue
		}

		diffText := r.DiffText
		if r.Session != nil {
			diffText = ""
		}

		_, err := stmt.ExecContext(ctx,
			report.RunID,
			i,
			r.Device,
			string(r.Family),
			r.Changed,
			r.Failed,
			r.Persisted,
			string(r.ErrorKind),
			r.Message,
			diffText,
			r.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to record result for %s: %w", r.Device, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	return nil
}

const runColumns = `id, scope, status, started_at, completed_at, duration_ms, total, changed, unchanged, failed`

func scanRun(row interface{ Scan(...any) error }) (*RunRecord, error) {
	run := &RunRecord{}
	var durationMS int64
	err := row.Scan(
		&run.ID,
		&run.Scope,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.Total,
		&run.Changed,
		&run.Unchanged,
		&run.Failed,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListDeviceResults lists the device results of a run in inventory order.
func (s *SQLiteStore) ListDeviceResults(ctx context.Context, runID string) ([]*DeviceResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, device, family, changed, failed, persisted, error_kind, message, diff_text, duration_ms
		FROM device_results
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device results: %w", err)
	}
	defer rows.Close()

	results := make([]*DeviceResultRecord, 0)
	for rows.Next() {
		r := &DeviceResultRecord{}
		var durationMS int64
		if err := rows.Scan(
			&r.RunID,
			&r.Device,
			&r.Family,
			&r.Changed,
			&r.Failed,
			&r.Persisted,
			&r.ErrorKind,
			&r.Message,
			&r.DiffText,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan device result: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device results: %w", err)
	}

	return results, nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/webtopd/internal/core/workload"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// executor abstracts the sqlx operations the queries need.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Index using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertWorkload(ctx context.Context, rec *workload.Record) error {
	return upsertWorkload(ctx, s.db, rec)
}

func (s *SQLiteStore) GetWorkload(ctx context.Context, identity string) (*workload.Record, error) {
	return getWorkload(ctx, s.db, identity)
}

func (s *SQLiteStore) ListWorkloads(ctx context.Context) ([]workload.Record, error) {
	return listWorkloads(ctx, s.db)
}

func (s *SQLiteStore) DeleteWorkload(ctx context.Context, identity string) error {
	return deleteWorkload(ctx, s.db, identity)
}

func (s *SQLiteStore) RecordRunResult(ctx context.Context, res workload.RunResult) error {
	return recordRunResult(ctx, s.db, res)
}

// =============================================================================
// Workload Operations
// =============================================================================

// workloadRow represents a workload row in the database.
type workloadRow struct {
	Identity   string  `db:"identity"`
	Directory  string  `db:"directory"`
	Port       *int    `db:"port"`
	Manifest   string  `db:"manifest"`
	BuildFiles string  `db:"build_files"`
	Resources  string  `db:"resources"`
	RunID      string  `db:"run_id"`
	PID        int     `db:"pid"`
	RunState   string  `db:"run_state"`
	ExitCode   *int    `db:"exit_code"`
	OutputTail string  `db:"output_tail"`
	CreatedAt  string  `db:"created_at"`
	UpdatedAt  string  `db:"updated_at"`
	FinishedAt *string `db:"finished_at"`
}

func upsertWorkload(ctx context.Context, exec executor, rec *workload.Record) error {
	buildJSON, err := marshalNames(rec.BuildFiles)
	if err != nil {
		return NewStoreError("UpsertWorkload", "workload", rec.Identity, "failed to serialize build files", ErrInvalidData)
	}
	resourcesJSON, err := marshalNames(rec.Resources)
	if err != nil {
		return NewStoreError("UpsertWorkload", "workload", rec.Identity, "failed to serialize resources", ErrInvalidData)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.RunState == "" {
		rec.RunState = workload.RunStateLaunched
	}

	// A redeploy starts a new run: the previous outcome is cleared.
	query := `
		INSERT INTO workloads (
			identity, directory, port, manifest, build_files, resources,
			run_id, pid, run_state, exit_code, output_tail,
			created_at, updated_at, finished_at
		) VALUES (
			:identity, :directory, :port, :manifest, :build_files, :resources,
			:run_id, :pid, :run_state, NULL, '',
			:created_at, :updated_at, NULL
		)
		ON CONFLICT(identity) DO UPDATE SET
			directory = excluded.directory,
			port = excluded.port,
			manifest = excluded.manifest,
			build_files = excluded.build_files,
			resources = excluded.resources,
			run_id = excluded.run_id,
			pid = excluded.pid,
			run_state = excluded.run_state,
			exit_code = NULL,
			output_tail = '',
			updated_at = excluded.updated_at,
			finished_at = NULL`

	row := map[string]any{
		"identity":    rec.Identity,
		"directory":   rec.Directory,
		"port":        rec.Port,
		"manifest":    rec.Manifest,
		"build_files": buildJSON,
		"resources":   resourcesJSON,
		"run_id":      rec.RunID,
		"pid":         rec.PID,
		"run_state":   string(rec.RunState),
		"created_at":  rec.CreatedAt.Format(time.RFC3339),
		"updated_at":  rec.UpdatedAt.Format(time.RFC3339),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("UpsertWorkload", "workload", rec.Identity, err.Error(), err)
	}
	return nil
}

func getWorkload(ctx context.Context, exec executor, identity string) (*workload.Record, error) {
	query := `SELECT * FROM workloads WHERE identity = ?`

	var row workloadRow
	if err := exec.GetContext(ctx, &row, query, identity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetWorkload", "workload", identity, "workload not found", ErrNotFound)
		}
		return nil, NewStoreError("GetWorkload", "workload", identity, err.Error(), err)
	}

	return rowToRecord(&row)
}

func listWorkloads(ctx context.Context, exec executor) ([]workload.Record, error) {
	query := `SELECT * FROM workloads ORDER BY identity`

	var rows []workloadRow
	if err := exec.SelectContext(ctx, &rows, query); err != nil {
		return nil, NewStoreError("ListWorkloads", "workload", "", err.Error(), err)
	}

	records := make([]workload.Record, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func deleteWorkload(ctx context.Context, exec executor, identity string) error {
	query := `DELETE FROM workloads WHERE identity = ?`

	result, err := exec.ExecContext(ctx, query, identity)
	if err != nil {
		return NewStoreError("DeleteWorkload", "workload", identity, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteWorkload", "workload", identity, "workload not found", ErrNotFound)
	}
	return nil
}

func recordRunResult(ctx context.Context, exec executor, res workload.RunResult) error {
	query := `
		UPDATE workloads SET
			run_state = ?, exit_code = ?, output_tail = ?,
			finished_at = ?, updated_at = ?
		WHERE run_id = ?`

	finished := res.FinishedAt.UTC()
	if res.FinishedAt.IsZero() {
		finished = time.Now().UTC()
	}

	result, err := exec.ExecContext(ctx, query,
		string(workload.RunStateForExit(res.ExitCode)),
		res.ExitCode,
		res.OutputTail,
		finished.Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		res.RunID,
	)
	if err != nil {
		return NewStoreError("RecordRunResult", "run", res.RunID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("RecordRunResult", "run", res.RunID, "run superseded or workload removed", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func marshalNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func rowToRecord(row *workloadRow) (*workload.Record, error) {
	rec := &workload.Record{
		Identity:   row.Identity,
		Directory:  row.Directory,
		Port:       row.Port,
		Manifest:   row.Manifest,
		RunID:      row.RunID,
		PID:        row.PID,
		RunState:   workload.RunState(row.RunState),
		ExitCode:   row.ExitCode,
		OutputTail: row.OutputTail,
	}

	if err := json.Unmarshal([]byte(row.BuildFiles), &rec.BuildFiles); err != nil {
		return nil, NewStoreError("rowToRecord", "workload", row.Identity, "failed to parse build files", ErrInvalidData)
	}
	if err := json.Unmarshal([]byte(row.Resources), &rec.Resources); err != nil {
		return nil, NewStoreError("rowToRecord", "workload", row.Identity, "failed to parse resources", ErrInvalidData)
	}

	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339, row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToRecord", "workload", row.Identity, "failed to parse created_at", ErrInvalidData)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339, row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToRecord", "workload", row.Identity, "failed to parse updated_at", ErrInvalidData)
	}
	if row.FinishedAt != nil {
		t, err := time.Parse(time.RFC3339, *row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("rowToRecord", "workload", row.Identity, "failed to parse finished_at", ErrInvalidData)
		}
		rec.FinishedAt = &t
	}

	return rec, nil
}

var _ Index = (*SQLiteStore)(nil)

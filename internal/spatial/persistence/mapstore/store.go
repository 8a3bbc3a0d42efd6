// Package mapstore keeps saved world-map blobs in a sqlite database so a
// session can be restored after the process restarts.
package mapstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/spatial.session/internal/monitoring"
	"github.com/banshee-data/spatial.session/internal/spatial/persistence"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no map matches a lookup.
var ErrNotFound = errors.New("world map not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Record describes a stored map without its blob.
type Record struct {
	ID            int64
	SessionID     string
	Label         string
	FormatVersion uint16
	AnchorCount   int
	CapturedAt    time.Time
	Size          int
}

// Store is a sqlite-backed world-map archive.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates it to the latest
// schema. Use ":memory:" for a private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open map store: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared *sql.DB.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores blob for sessionID. The blob header is validated first, so a
// corrupt blob is never archived.
func (s *Store) Put(ctx context.Context, sessionID, label string, blob []byte) (Record, error) {
	md, err := persistence.Inspect(blob)
	if err != nil {
		return Record{}, err
	}
	var captured int64
	if !md.CapturedAt.IsZero() {
		captured = md.CapturedAt.UnixNano()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO world_maps (session_id, label, format_version, anchor_count, captured_unix_nanos, blob)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, label, md.Version, md.AnchorCount, captured, blob)
	if err != nil {
		return Record{}, fmt.Errorf("insert world map: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("insert world map: %w", err)
	}
	return Record{
		ID:            id,
		SessionID:     sessionID,
		Label:         label,
		FormatVersion: md.Version,
		AnchorCount:   md.AnchorCount,
		CapturedAt:    md.CapturedAt,
		Size:          len(blob),
	}, nil
}

const recordColumns = `map_id, session_id, label, format_version, anchor_count, captured_unix_nanos, length(blob)`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, extra ...any) (Record, error) {
	var r Record
	var captured int64
	dest := append([]any{&r.ID, &r.SessionID, &r.Label, &r.FormatVersion, &r.AnchorCount, &captured, &r.Size}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Record{}, err
	}
	if captured != 0 {
		r.CapturedAt = time.Unix(0, captured).UTC()
	}
	return r, nil
}

// Get fetches a map by id.
func (s *Store) Get(ctx context.Context, id int64) (Record, []byte, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`, blob FROM world_maps WHERE map_id = ?`, id)
	r, err := scanRecord(row, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("get world map %d: %w", id, err)
	}
	return r, blob, nil
}

// Latest fetches the most recently stored map for sessionID.
func (s *Store) Latest(ctx context.Context, sessionID string) (Record, []byte, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`, blob FROM world_maps
		WHERE session_id = ? ORDER BY map_id DESC LIMIT 1`, sessionID)
	r, err := scanRecord(row, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("latest world map for %q: %w", sessionID, err)
	}
	return r, blob, nil
}

// List returns up to limit records, newest first. An empty sessionID lists
// every session; a non-positive limit lists everything.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + recordColumns + ` FROM world_maps`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY map_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list world maps: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list world maps: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep maps of sessionID and reports how
// many were removed.
func (s *Store) Prune(ctx context.Context, sessionID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM world_maps
		WHERE session_id = ? AND map_id NOT IN (
			SELECT map_id FROM world_maps WHERE session_id = ? ORDER BY map_id DESC LIMIT ?
		)`, sessionID, sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune world maps for %q: %w", sessionID, err)
	}
	return res.RowsAffected()
}

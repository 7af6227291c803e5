// Package index keeps the last cloud listing in a local SQLite database so
// that listings can be served offline and compared between syncs.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/rmcloud/internal/rmapi"
)

// dirPermissions matches the data directory permissions used elsewhere.
const dirPermissions = 0o700

// ErrEmpty is returned by Root when nothing has been synced yet.
var ErrEmpty = errors.New("index: nothing synced yet")

const (
	sqlDeleteDocuments = `DELETE FROM documents`

	sqlInsertDocument = `INSERT INTO documents
		(id, version, name, type, parent, current_page, bookmarked,
		 modified_client, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectDocuments = `SELECT id, version, name, type, parent, current_page,
		bookmarked, modified_client
		FROM documents ORDER BY parent, name, id`

	sqlUpsertRoot = `INSERT INTO sync_root (id, hash, generation, schema_version, fetched_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 hash = excluded.hash,
		 generation = excluded.generation,
		 schema_version = excluded.schema_version,
		 fetched_at = excluded.fetched_at`

	sqlSelectRoot = `SELECT hash, generation, schema_version, fetched_at
		FROM sync_root WHERE id = 1`
)

// Root is the last sync root seen, with the time it was fetched.
type Root struct {
	rmapi.RootInfo
	FetchedAt time.Time
}

// Index is the sole owner of the listing database.
type Index struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (or creates) the database at dbPath and applies migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), dirPermissions); err != nil {
		return nil, fmt.Errorf("index: creating directory for %s: %w", dbPath, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("index opened", slog.String("db_path", dbPath))

	return &Index{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// ReplaceDocuments swaps the stored listing for docs in one transaction.
func (ix *Index) ReplaceDocuments(ctx context.Context, docs []rmapi.Document) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	if _, err := tx.ExecContext(ctx, sqlDeleteDocuments); err != nil {
		return fmt.Errorf("index: clearing documents: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, sqlInsertDocument)
	if err != nil {
		return fmt.Errorf("index: preparing insert: %w", err)
	}
	defer stmt.Close()

	now := ix.nowFunc().UnixNano()

	for i := range docs {
		d := &docs[i]

		_, err := stmt.ExecContext(ctx,
			d.ID, d.Version, d.Name, d.Type, d.Parent, d.CurrentPage,
			d.Bookmarked, nullUnixNano(d.ModifiedClient), now,
		)
		if err != nil {
			return fmt.Errorf("index: inserting document %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: committing documents: %w", err)
	}

	ix.logger.Info("index updated", slog.Int("documents", len(docs)))

	return nil
}

// Documents returns the stored listing. Blob URLs are never stored.
func (ix *Index) Documents(ctx context.Context) ([]rmapi.Document, error) {
	rows, err := ix.db.QueryContext(ctx, sqlSelectDocuments)
	if err != nil {
		return nil, fmt.Errorf("index: querying documents: %w", err)
	}
	defer rows.Close()

	var docs []rmapi.Document

	for rows.Next() {
		var (
			d        rmapi.Document
			modified sql.NullInt64
		)

		if err := rows.Scan(&d.ID, &d.Version, &d.Name, &d.Type, &d.Parent,
			&d.CurrentPage, &d.Bookmarked, &modified); err != nil {
			return nil, fmt.Errorf("index: scanning document: %w", err)
		}

		if modified.Valid {
			d.ModifiedClient = time.Unix(0, modified.Int64).UTC()
		}

		docs = append(docs, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterating documents: %w", err)
	}

	return docs, nil
}

// SaveRoot records the sync root fetched now.
func (ix *Index) SaveRoot(ctx context.Context, root *rmapi.RootInfo) error {
	_, err := ix.db.ExecContext(ctx, sqlUpsertRoot,
		root.Hash, root.Generation, root.SchemaVersion, ix.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("index: saving sync root: %w", err)
	}

	return nil
}

// Root returns the last saved sync root, or ErrEmpty.
func (ix *Index) Root(ctx context.Context) (*Root, error) {
	var (
		r       Root
		fetched int64
	)

	err := ix.db.QueryRowContext(ctx, sqlSelectRoot).
		Scan(&r.Hash, &r.Generation, &r.SchemaVersion, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}

	if err != nil {
		return nil, fmt.Errorf("index: reading sync root: %w", err)
	}

	r.FetchedAt = time.Unix(0, fetched).UTC()

	return &r, nil
}

func nullUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

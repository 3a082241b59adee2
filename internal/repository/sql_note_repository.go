package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"note-sync-server/internal/config"
	"note-sync-server/internal/domain"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// sqlNoteRepository stores timestamps as unix nanoseconds so both dialects
// round-trip them exactly.
type sqlNoteRepository struct {
	db      *sql.DB
	dialect Dialect
}

func OpenSQLite(ctx context.Context, path string) (NoteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return newOrClose(ctx, db, DialectSQLite)
}

func OpenPostgres(ctx context.Context, dsn string) (NoteRepository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return newOrClose(ctx, db, DialectPostgres)
}

func newOrClose(ctx context.Context, db *sql.DB, dialect Dialect) (NoteRepository, error) {
	repo, err := NewSQLNoteRepository(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func postgresDSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
}

// NewSQLNoteRepository migrates db to the latest schema and wraps it.
func NewSQLNoteRepository(ctx context.Context, db *sql.DB, dialect Dialect) (NoteRepository, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := Migrate(db, dialect); err != nil {
		return nil, err
	}
	return &sqlNoteRepository{db: db, dialect: dialect}, nil
}

// rebind turns ? placeholders into $n for postgres.
func (r *sqlNoteRepository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *sqlNoteRepository) Create(ctx context.Context, note *domain.Note) error {
	query := r.rebind(`
		INSERT INTO notes (id, title, body, author_id, created_at, last_modified, version, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		note.ID,
		note.Title,
		note.Body,
		note.AuthorID,
		note.CreatedAt.UnixNano(),
		note.LastModified.UnixNano(),
		note.Version,
		note.Seq,
	)
	if err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}
	return nil
}

func (r *sqlNoteRepository) Update(ctx context.Context, note *domain.Note) error {
	query := r.rebind(`
		UPDATE notes
		SET title = ?, body = ?, last_modified = ?, version = ?, seq = ?
		WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query,
		note.Title,
		note.Body,
		note.LastModified.UnixNano(),
		note.Version,
		note.Seq,
		note.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	return expectOneRow(res)
}

// Delete removes the row and raises sync_state.last_seq in one transaction.
func (r *sqlNoteRepository) Delete(ctx context.Context, id string, seq int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM notes WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.rebind(`UPDATE sync_state SET last_seq = ? WHERE id = 1 AND last_seq < ?`), seq, seq)
	if err != nil {
		return fmt.Errorf("failed to record sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (r *sqlNoteRepository) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT last_seq FROM sync_state WHERE id = 1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sync state: %w", err)
	}
	return seq, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqlNoteRepository) List(ctx context.Context) ([]*domain.Note, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, body, author_id, created_at, last_modified, version, seq
		FROM notes
		ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []*domain.Note
	for rows.Next() {
		var (
			n                  domain.Note
			created, modified int64
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.AuthorID, &created, &modified, &n.Version, &n.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		n.CreatedAt = time.Unix(0, created).UTC()
		n.LastModified = time.Unix(0, modified).UTC()
		notes = append(notes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	return notes, nil
}

func (r *sqlNoteRepository) Close() error {
	return r.db.Close()
}

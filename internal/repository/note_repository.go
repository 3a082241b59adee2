package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"note-sync-server/internal/config"
	"note-sync-server/internal/domain"
)

var ErrNotFound = errors.New("note not found")

// NoteRepository is the durable note table behind the in-memory store.
type NoteRepository interface {
	Create(ctx context.Context, note *domain.Note) error
	Update(ctx context.Context, note *domain.Note) error
	// Delete removes the note and records seq, the counter value the
	// deletion produced, so LastSeq survives a restart.
	Delete(ctx context.Context, id string, seq int64) error
	List(ctx context.Context) ([]*domain.Note, error)
	// LastSeq is the highest counter value recorded by a deletion.
	LastSeq(ctx context.Context) (int64, error)
	Close() error
}

// Open returns the repository selected by cfg.Driver. The memory driver has
// no durable table and yields a nil repository.
func Open(ctx context.Context, cfg config.DatabaseConfig) (NoteRepository, error) {
	switch cfg.Driver {
	case "memory":
		return nil, nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, postgresDSN(cfg))
	case "couchdb":
		return OpenCouch(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

type couchNoteRepository struct {
	client *kivik.Client
	db     *kivik.DB
}

type noteDoc struct {
	DocID   string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	domain.Note
}

const (
	noteDocType  = "note"
	stateDocType = "sync_state"
	stateDocID   = "meta:sync_state"
)

type stateDoc struct {
	DocID   string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	LastSeq int64  `json:"last_seq"`
}

func OpenCouch(ctx context.Context, cfg config.DatabaseConfig) (NoteRepository, error) {
	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	repo, err := NewCouchNoteRepository(ctx, client, cfg.Name)
	if err != nil {
		client.Close()
		return nil, err
	}
	return repo, nil
}

// NewCouchNoteRepository creates dbName when it does not exist yet.
func NewCouchNoteRepository(ctx context.Context, client *kivik.Client, dbName string) (NoteRepository, error) {
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	return &couchNoteRepository{
		client: client,
		db:     client.DB(dbName),
	}, nil
}

func docID(id string) string {
	return "note:" + id
}

func (r *couchNoteRepository) Create(ctx context.Context, note *domain.Note) error {
	doc := noteDoc{DocID: docID(note.ID), DocType: noteDocType, Note: *note}

	if _, err := r.db.Put(ctx, doc.DocID, doc); err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}
	return nil
}

func (r *couchNoteRepository) fetch(ctx context.Context, id string) (*noteDoc, error) {
	var doc noteDoc
	if err := r.db.Get(ctx, docID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find note: %w", err)
	}
	return &doc, nil
}

func (r *couchNoteRepository) Update(ctx context.Context, note *domain.Note) error {
	existing, err := r.fetch(ctx, note.ID)
	if err != nil {
		return err
	}

	doc := noteDoc{DocID: existing.DocID, Rev: existing.Rev, DocType: noteDocType, Note: *note}
	if _, err := r.db.Put(ctx, doc.DocID, doc); err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	return nil
}

func (r *couchNoteRepository) Delete(ctx context.Context, id string, seq int64) error {
	existing, err := r.fetch(ctx, id)
	if err != nil {
		return err
	}

	if _, err := r.db.Delete(ctx, existing.DocID, existing.Rev); err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return r.saveLastSeq(ctx, seq)
}

func (r *couchNoteRepository) fetchState(ctx context.Context) (*stateDoc, error) {
	doc := stateDoc{DocID: stateDocID, DocType: stateDocType}
	if err := r.db.Get(ctx, stateDocID).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return &stateDoc{DocID: stateDocID, DocType: stateDocType}, nil
		}
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}
	return &doc, nil
}

func (r *couchNoteRepository) saveLastSeq(ctx context.Context, seq int64) error {
	doc, err := r.fetchState(ctx)
	if err != nil {
		return err
	}
	if seq <= doc.LastSeq {
		return nil
	}

	doc.LastSeq = seq
	if _, err := r.db.Put(ctx, doc.DocID, doc); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

func (r *couchNoteRepository) LastSeq(ctx context.Context) (int64, error) {
	doc, err := r.fetchState(ctx)
	if err != nil {
		return 0, err
	}
	return doc.LastSeq, nil
}

func (r *couchNoteRepository) List(ctx context.Context) ([]*domain.Note, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": noteDocType,
		},
	}

	rows := r.db.Find(ctx, query)
	defer rows.Close()

	var notes []*domain.Note
	for rows.Next() {
		var doc noteDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode note: %w", err)
		}
		note := doc.Note
		notes = append(notes, &note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	return notes, nil
}

func (r *couchNoteRepository) Close() error {
	return r.client.Close()
}

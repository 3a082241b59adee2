package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"note-sync-server/internal/domain"
	"note-sync-server/internal/repository"
)

// NoteService is the authoritative note store. Notes live in memory and are
// written through to the repository before a mutation becomes visible.
//
// Every accepted mutation advances a store-wide counter by exactly one and
// stamps the mutated note's Seq with the new value, so a counter value read
// from the store is a valid watermark for QueryAfter.
type NoteService struct {
	repo   repository.NoteRepository
	logger *log.Logger
	now    func() time.Time

	mu         sync.RWMutex
	notes      map[string]*domain.Note
	tombstones map[string]int64
	version    atomic.Int64
	// floor is the counter value at boot. Deletions before it left no
	// tombstone.
	floor int64
}

type Option func(*NoteService)

func WithClock(now func() time.Time) Option {
	return func(s *NoteService) { s.now = now }
}

// NewNoteService loads every stored note and resumes the counter at the
// highest Seq found, or at the last recorded deletion if that is higher. repo may be nil for a purely in-memory store.
func NewNoteService(ctx context.Context, repo repository.NoteRepository, logger *log.Logger, opts ...Option) (*NoteService, error) {
	s := &NoteService{
		repo:       repo,
		logger:     logger.WithPrefix("store"),
		now:        time.Now,
		notes:      make(map[string]*domain.Note),
		tombstones: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}

	if repo == nil {
		return s, nil
	}

	stored, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load notes: %w", err)
	}

	var maxSeq int64
	for _, n := range stored {
		if n.Seq == 0 {
			n.Seq = n.Version
		}
		if n.Seq > maxSeq {
			maxSeq = n.Seq
		}
		s.notes[n.ID] = n
	}
	lastDeleted, err := repo.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load counter: %w", err)
	}
	if lastDeleted > maxSeq {
		maxSeq = lastDeleted
	}
	s.version.Store(maxSeq)
	s.floor = maxSeq

	s.logger.Info("loaded notes", "count", len(stored), "version", maxSeq)
	return s, nil
}

func (s *NoteService) Create(ctx context.Context, note *domain.Note) (*domain.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := note.Clone()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, exists := s.notes[n.ID]; exists {
		s.logger.Warn("rejected create of existing note", "id", n.ID)
		return nil, ErrNoteExists
	}

	now := s.now().UTC()
	n.CreatedAt = now
	n.LastModified = now
	n.Version = 1
	n.Seq = s.version.Load() + 1

	if s.repo != nil {
		if err := s.repo.Create(ctx, n); err != nil {
			return nil, fmt.Errorf("failed to persist note: %w", err)
		}
	}

	s.notes[n.ID] = n
	delete(s.tombstones, n.ID)
	s.version.Store(n.Seq)

	return n.Clone(), nil
}

// Update applies title and body from note. The write is rejected when
// note.Version is older than the stored version; otherwise the stored
// version becomes max(note.Version, stored+1).
func (s *NoteService) Update(ctx context.Context, note *domain.Note) (*domain.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.notes[note.ID]
	if !ok {
		s.logger.Warn("ignored update of unknown note", "id", note.ID)
		return nil, ErrNoteNotFound
	}

	if note.Version < stored.Version {
		s.logger.Warn("rejected stale update", "id", note.ID, "incoming", note.Version, "stored", stored.Version)
		return nil, &ConflictError{
			NoteID:          note.ID,
			StoredVersion:   stored.Version,
			IncomingVersion: note.Version,
		}
	}

	next := stored.Clone()
	next.Title = note.Title
	next.Body = note.Body
	next.LastModified = s.now().UTC()
	next.Version = max(note.Version, stored.Version+1)
	next.Seq = s.version.Load() + 1

	if s.repo != nil {
		if err := s.repo.Update(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to persist note: %w", err)
		}
	}

	s.notes[next.ID] = next
	s.version.Store(next.Seq)

	return next.Clone(), nil
}

// Delete removes the note and reports whether it existed, along with the
// counter value the deletion produced.
func (s *NoteService) Delete(ctx context.Context, id string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notes[id]; !ok {
		s.logger.Warn("ignored delete of unknown note", "id", id)
		return false, 0, nil
	}

	seq := s.version.Load() + 1
	if s.repo != nil {
		if err := s.repo.Delete(ctx, id, seq); err != nil {
			return false, 0, fmt.Errorf("failed to delete note: %w", err)
		}
	}

	delete(s.notes, id)
	s.tombstones[id] = seq
	s.version.Store(seq)

	return true, seq, nil
}

func (s *NoteService) Get(id string) (*domain.Note, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// QueryAfter returns the notes mutated strictly after watermark v, oldest
// mutation first.
func (s *NoteService) QueryAfter(v int64) []*domain.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAfterLocked(v)
}

func (s *NoteService) queryAfterLocked(v int64) []*domain.Note {
	var out []*domain.Note
	for _, n := range s.notes {
		if n.Seq > v {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Changes returns a consistent view for incremental sync: notes and
// deletions after v together with the counter they were read at.
func (s *NoteService) Changes(v int64) ([]*domain.Note, []string, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	notes := s.queryAfterLocked(v)

	type tomb struct {
		id  string
		seq int64
	}
	var tombs []tomb
	for id, seq := range s.tombstones {
		if seq > v {
			tombs = append(tombs, tomb{id, seq})
		}
	}
	sort.Slice(tombs, func(i, j int) bool { return tombs[i].seq < tombs[j].seq })

	deleted := make([]string, len(tombs))
	for i, t := range tombs {
		deleted[i] = t.id
	}

	return notes, deleted, s.version.Load()
}

// Snapshot returns every note together with the counter it was read at.
func (s *NoteService) Snapshot() ([]*domain.Note, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked(), s.version.Load()
}

func (s *NoteService) All() []*domain.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked()
}

func (s *NoteService) allLocked() []*domain.Note {
	out := make([]*domain.Note, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Search matches text against title and body, ignoring case. Empty text
// matches every note.
func (s *NoteService) Search(text string) []*domain.Note {
	all := s.All()
	if text == "" {
		return all
	}

	var out []*domain.Note
	for _, n := range all {
		if n.Matches(text) {
			out = append(out, n)
		}
	}
	return out
}

// Recent returns up to limit notes, most recently modified first.
func (s *NoteService) Recent(limit int) []*domain.Note {
	if limit <= 0 {
		return nil
	}

	all := s.All()
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].LastModified.After(all[j].LastModified)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (s *NoteService) Version() int64 {
	return s.version.Load()
}

// Floor is the counter value the store booted with.
func (s *NoteService) Floor() int64 {
	return s.floor
}

func (s *NoteService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notes)
}

func (s *NoteService) Stats() domain.NoteStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byAuthor := make(map[string]int)
	for _, n := range s.notes {
		byAuthor[n.AuthorID]++
	}
	return domain.NoteStats{
		TotalNotes: len(s.notes),
		Version:    s.version.Load(),
		ByAuthor:   byAuthor,
	}
}

func (s *NoteService) Close() error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Close()
}

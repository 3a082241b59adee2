package service

import (
	"note-sync-server/internal/domain"
)

// SyncService answers sync requests from the note store.
type SyncService struct {
	store     *NoteService
	batchSize int
}

func NewSyncService(store *NoteService, batchSize int) *SyncService {
	return &SyncService{
		store:     store,
		batchSize: batchSize,
	}
}

// Handle returns a full snapshot when asked for one, or when the watermark
// cannot be served incrementally: it predates the boot counter, or it is
// ahead of the store. Otherwise it returns the changes after the watermark.
func (s *SyncService) Handle(req domain.SyncRequest) domain.SyncResponse {
	if req.FullSync || req.LastSyncVersion < s.store.Floor() || req.LastSyncVersion > s.store.Version() {
		return s.Full(req.ClientID)
	}

	notes, deleted, version := s.store.Changes(req.LastSyncVersion)
	return domain.SyncResponse{
		ClientID:       req.ClientID,
		Notes:          values(notes),
		DeletedNoteIDs: deleted,
		SyncVersion:    version,
		Success:        true,
	}
}

func (s *SyncService) Full(clientID string) domain.SyncResponse {
	notes, version := s.store.Snapshot()
	return domain.SyncResponse{
		ClientID:    clientID,
		Notes:       values(notes),
		SyncVersion: version,
		FullSync:    true,
		Success:     true,
	}
}

// Recent returns the batch of most recently modified notes. It is what the
// datagram path answers sync requests with.
func (s *SyncService) Recent(clientID string) domain.SyncResponse {
	version := s.store.Version()
	return domain.SyncResponse{
		ClientID:    clientID,
		Notes:       values(s.store.Recent(s.batchSize)),
		SyncVersion: version,
		Success:     true,
	}
}

func values(notes []*domain.Note) []domain.Note {
	out := make([]domain.Note, len(notes))
	for i, n := range notes {
		out[i] = *n
	}
	return out
}

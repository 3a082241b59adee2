package domain

type SyncRequest struct {
	ClientID        string `json:"client_id"`
	LastSyncVersion int64  `json:"last_sync_version" validate:"gte=0"`
	FullSync        bool   `json:"full_sync"`
}

type SyncResponse struct {
	ClientID       string   `json:"client_id"`
	Notes          []Note   `json:"notes"`
	DeletedNoteIDs []string `json:"deleted_note_ids,omitempty"`
	SyncVersion    int64    `json:"sync_version"`
	FullSync       bool     `json:"full_sync"`
	Success        bool     `json:"success"`
	ErrorMessage   string   `json:"error_message,omitempty"`
}

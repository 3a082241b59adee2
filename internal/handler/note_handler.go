package handler

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"note-sync-server/internal/domain"
	"note-sync-server/pkg/response"
)

// NoteReader is the read side of the note store.
type NoteReader interface {
	Get(id string) (*domain.Note, bool)
	Search(text string) []*domain.Note
	// Recent returns up to limit notes, most recently modified first.
	Recent(limit int) []*domain.Note
}

type NoteHandler struct {
	notes NoteReader
}

func NewNoteHandler(notes NoteReader) *NoteHandler {
	return &NoteHandler{notes: notes}
}

// List answers GET /api/v1/notes?q=&limit=. Without a limit every match is
// returned in creation order; with one, the most recently modified matches.
func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	q := r.URL.Query().Get("q")

	var notes []*domain.Note
	switch {
	case limit > 0 && q == "":
		notes = h.notes.Recent(limit)
	case limit > 0:
		notes = h.notes.Search(q)
		sort.SliceStable(notes, func(i, j int) bool {
			return notes[i].LastModified.After(notes[j].LastModified)
		})
		if len(notes) > limit {
			notes = notes[:limit]
		}
	default:
		notes = h.notes.Search(q)
	}
	if notes == nil {
		notes = []*domain.Note{}
	}

	response.List(w, notes, len(notes))
}

func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		response.BadRequest(w, "note id is required")
		return
	}

	note, ok := h.notes.Get(id)
	if !ok {
		response.NotFound(w, "note not found")
		return
	}
	response.Success(w, note)
}

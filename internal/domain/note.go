package domain

import (
	"strings"
	"time"
)

type Note struct {
	ID           string    `json:"id" validate:"max=128"`
	Title        string    `json:"title" validate:"max=1024"`
	Body         string    `json:"body"`
	AuthorID     string    `json:"author_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
	Version      int64     `json:"version" validate:"gte=0"`
	// Seq is the store-wide counter value produced by the note's last
	// accepted mutation.
	Seq int64 `json:"seq"`
}

func (n *Note) Clone() *Note {
	c := *n
	return &c
}

// Matches reports whether text occurs in the title or body, ignoring case.
func (n *Note) Matches(text string) bool {
	needle := strings.ToLower(text)
	return strings.Contains(strings.ToLower(n.Title), needle) ||
		strings.Contains(strings.ToLower(n.Body), needle)
}

type NoteStats struct {
	TotalNotes int            `json:"total_notes"`
	Version    int64          `json:"version"`
	ByAuthor   map[string]int `json:"by_author"`
}

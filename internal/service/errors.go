package service

import (
	"errors"
	"fmt"
)

var (
	ErrNoteNotFound = errors.New("note not found")
	ErrNoteExists   = errors.New("note already exists")
)

// ConflictError rejects a stale write: the incoming version is older than
// the stored one.
type ConflictError struct {
	NoteID          string
	StoredVersion   int64
	IncomingVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on note %s: incoming %d is older than stored %d",
		e.NoteID, e.IncomingVersion, e.StoredVersion)
}

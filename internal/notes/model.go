package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sableriver/notewell/backend/internal/store"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidAuthorID indicates that an author identifier is empty or exceeds storage bounds.
	ErrInvalidAuthorID = errors.New("notes: invalid author id")
	// ErrInvalidContent indicates that a note carries neither title nor body.
	ErrInvalidContent = errors.New("notes: title or body required")
	// ErrInvalidEmoji indicates that a reaction emoji is empty.
	ErrInvalidEmoji = errors.New("notes: reaction emoji required")
	// ErrInvalidCommentBody indicates that a comment body is empty.
	ErrInvalidCommentBody = errors.New("notes: comment body required")
	// ErrNoteNotFound indicates that no live note matches the requested identifier.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrCommentNotFound indicates that a referenced parent comment does not exist.
	ErrCommentNotFound = errors.New("notes: comment not found")
	// ErrNotAuthor indicates that the caller does not own the note being modified.
	ErrNotAuthor = errors.New("notes: caller is not the note author")
)

// AuthorID represents a validated author identifier.
type AuthorID string

// NewAuthorID validates raw input and returns an AuthorID.
func NewAuthorID(rawInput string) (AuthorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAuthorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAuthorID, maxIdentifierLength)
	}
	return AuthorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AuthorID) String() string {
	return string(id)
}

// Note is the application view of a note record. SequentialID is nil for
// notes created through the degraded fallback path; such notes are addressed
// by their backend identifier alone.
type Note struct {
	BackendID        string
	SequentialID     *int64
	AuthorID         string
	CommunityID      string
	Title            string
	Body             string
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
	IsDeleted        bool
}

type notePayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func encodeNotePayload(title, body string) (string, error) {
	encoded, err := json.Marshal(notePayload{Title: title, Body: body})
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// FromRecord converts a raw note record into its application view.
func FromRecord(record store.Record) Note {
	return noteFromRecord(record)
}

func noteFromRecord(record store.Record) Note {
	var payload notePayload
	if strings.TrimSpace(record.PayloadJSON) != "" {
		// A malformed payload degrades to an empty title and body.
		_ = json.Unmarshal([]byte(record.PayloadJSON), &payload)
	}
	return Note{
		BackendID:        record.BackendID,
		SequentialID:     record.SequentialID,
		AuthorID:         record.AuthorID,
		CommunityID:      record.CommunityID,
		Title:            payload.Title,
		Body:             payload.Body,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
		IsDeleted:        record.IsDeleted,
	}
}

// Reaction records one user's emoji reaction to a note. Toggling removes the
// row again; counting happens at read time.
type Reaction struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Emoji            string `gorm:"column:emoji;primaryKey;size:32;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Reaction) TableName() string {
	return "note_reactions"
}

// Comment is one entry in a note's comment thread. ParentID is empty for
// top-level comments.
type Comment struct {
	CommentID        string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	NoteID           string `gorm:"column:note_id;size:190;not null;index:idx_comments_note_time,priority:1"`
	ParentID         string `gorm:"column:parent_id;size:190;not null;default:''"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_comments_note_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "note_comments"
}

// Package notes implements authoring, addressing and discussion of notes:
// creation through the sequential-id allocator, lookup by either identifier
// form, reactions and threaded comments.
package notes

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sableriver/notewell/backend/internal/errcode"
	"github.com/sableriver/notewell/backend/internal/seqid"
	"github.com/sableriver/notewell/backend/internal/store"
)

var (
	errMissingStore     = errors.New("document store is required")
	errMissingAllocator = errors.New("sequential id allocator is required")
	errMissingDatabase  = errors.New("database handle is required")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew     = "notes.new"
	opCreateNote     = "notes.create"
	opGetNote        = "notes.get"
	opListNotes      = "notes.list"
	opUpdateNote     = "notes.update"
	opDeleteNote     = "notes.delete"
	opToggleReaction = "notes.toggle_reaction"
	opReactionCounts = "notes.reaction_counts"
	opAddComment     = "notes.add_comment"
	opListComments   = "notes.list_comments"
)

// ServiceConfig describes the dependencies of the notes service.
type ServiceConfig struct {
	Store     *store.Store
	Allocator *seqid.Service
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service coordinates note records, reactions and comments.
type Service struct {
	store     *store.Store
	allocator *seqid.Service
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the notes service after validating its dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errcode.New(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Allocator == nil {
		return nil, errcode.New(opServiceNew, "missing_allocator", errMissingAllocator)
	}
	if cfg.Database == nil {
		return nil, errcode.New(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:     cfg.Store,
		allocator: cfg.Allocator,
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
	}, nil
}

// CreateNoteRequest describes a note to be created. An empty CommunityID
// makes the note personal.
type CreateNoteRequest struct {
	AuthorID    string
	CommunityID string
	Title       string
	Body        string
}

// CreateNote persists a new note with a sequential id. A failed mapping write
// is logged and tolerated: the note already carries its sequential id, so
// resolution still succeeds through the direct-query fallback.
func (s *Service) CreateNote(ctx context.Context, request CreateNoteRequest) (Note, error) {
	author, err := NewAuthorID(request.AuthorID)
	if err != nil {
		return Note{}, errcode.New(opCreateNote, "invalid_author", err)
	}
	title := strings.TrimSpace(request.Title)
	body := strings.TrimSpace(request.Body)
	if title == "" && body == "" {
		return Note{}, errcode.New(opCreateNote, "empty_content", ErrInvalidContent)
	}

	payloadJSON, err := encodeNotePayload(title, body)
	if err != nil {
		return Note{}, errcode.New(opCreateNote, "payload_encode_failed", err)
	}

	result, err := s.allocator.CreateWithSequentialID(ctx, store.CollectionNotes, seqid.CreatePayload{
		AuthorID:    author.String(),
		CommunityID: strings.TrimSpace(request.CommunityID),
		PayloadJSON: payloadJSON,
	})
	if err != nil {
		if result.BackendID == "" {
			return Note{}, err
		}
		// Mapping write failed but the record exists with its sequential id.
		s.logger.Warn("note created without mapping row",
			zap.String("operation", opCreateNote),
			zap.String("backend_id", result.BackendID),
			zap.Error(err))
	}

	record, err := s.store.Get(ctx, store.CollectionNotes, result.BackendID)
	if err != nil {
		return Note{}, errcode.New(opCreateNote, "readback_failed", err)
	}
	return noteFromRecord(*record), nil
}

// ResolveToken translates a URL token into a backend identifier. Numeric
// tokens resolve through the allocator first; when that misses, or the token
// is not numeric, the token itself is treated as a backend identifier.
// A numeric token that collides with a real backend identifier is ambiguous;
// the sequential interpretation wins.
func (s *Service) ResolveToken(ctx context.Context, token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errcode.New(opGetNote, "empty_token", ErrNoteNotFound)
	}
	if sequential, err := strconv.ParseInt(trimmed, 10, 64); err == nil && sequential > 0 {
		backendID, err := s.allocator.ResolveToBackendID(ctx, store.CollectionNotes, sequential)
		if err != nil {
			return "", err
		}
		if backendID != "" {
			return backendID, nil
		}
	}
	return trimmed, nil
}

// GetNote loads a live note by URL token.
func (s *Service) GetNote(ctx context.Context, token string) (Note, error) {
	backendID, err := s.ResolveToken(ctx, token)
	if err != nil {
		return Note{}, err
	}

	record, err := s.store.Get(ctx, store.CollectionNotes, backendID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, err
	}
	if record.IsDeleted {
		return Note{}, ErrNoteNotFound
	}
	return noteFromRecord(*record), nil
}

// ListAuthorNotes returns the author's live notes, most recently updated first.
func (s *Service) ListAuthorNotes(ctx context.Context, authorID string) ([]Note, error) {
	author, err := NewAuthorID(authorID)
	if err != nil {
		return nil, errcode.New(opListNotes, "invalid_author", err)
	}
	records, err := s.store.List(ctx, store.CollectionNotes, store.Filter{AuthorID: author.String()})
	if err != nil {
		return nil, err
	}
	return notesFromRecords(records), nil
}

// ListCommunityNotes returns a community's live notes, most recently updated first.
func (s *Service) ListCommunityNotes(ctx context.Context, communityID string) ([]Note, error) {
	community := strings.TrimSpace(communityID)
	if community == "" {
		return nil, errcode.New(opListNotes, "invalid_community", errors.New("community id required"))
	}
	records, err := s.store.List(ctx, store.CollectionNotes, store.Filter{CommunityID: community})
	if err != nil {
		return nil, err
	}
	return notesFromRecords(records), nil
}

// ListRecords exposes the raw note records backing a community's note list so
// callers can feed them into an enrichment join.
func (s *Service) ListRecords(ctx context.Context, filter store.Filter) ([]store.Record, error) {
	return s.store.List(ctx, store.CollectionNotes, filter)
}

// UpdateNoteRequest carries an edit to an existing note.
type UpdateNoteRequest struct {
	Token    string
	EditorID string
	Title    string
	Body     string
}

// UpdateNote replaces the note's title and body. Only the author may edit.
func (s *Service) UpdateNote(ctx context.Context, request UpdateNoteRequest) (Note, error) {
	note, err := s.GetNote(ctx, request.Token)
	if err != nil {
		return Note{}, err
	}
	if note.AuthorID != strings.TrimSpace(request.EditorID) {
		return Note{}, errcode.New(opUpdateNote, "not_author", ErrNotAuthor)
	}

	title := strings.TrimSpace(request.Title)
	body := strings.TrimSpace(request.Body)
	if title == "" && body == "" {
		return Note{}, errcode.New(opUpdateNote, "empty_content", ErrInvalidContent)
	}
	payloadJSON, err := encodeNotePayload(title, body)
	if err != nil {
		return Note{}, errcode.New(opUpdateNote, "payload_encode_failed", err)
	}

	record, err := s.store.Get(ctx, store.CollectionNotes, note.BackendID)
	if err != nil {
		return Note{}, err
	}
	record.PayloadJSON = payloadJSON
	if err := s.store.Update(ctx, record); err != nil {
		return Note{}, err
	}
	return noteFromRecord(*record), nil
}

// DeleteNote soft-deletes the note. The sequential mapping row is left in
// place; orphaned mappings are harmless and ids are never reclaimed.
func (s *Service) DeleteNote(ctx context.Context, token, editorID string) error {
	note, err := s.GetNote(ctx, token)
	if err != nil {
		return err
	}
	if note.AuthorID != strings.TrimSpace(editorID) {
		return errcode.New(opDeleteNote, "not_author", ErrNotAuthor)
	}
	return s.store.MarkDeleted(ctx, store.CollectionNotes, note.BackendID)
}

// ToggleReaction adds the user's emoji reaction to the note, or removes it
// when already present. Returns true when the reaction was added.
func (s *Service) ToggleReaction(ctx context.Context, token, userID, emoji string) (bool, error) {
	trimmedEmoji := strings.TrimSpace(emoji)
	if trimmedEmoji == "" {
		return false, errcode.New(opToggleReaction, "invalid_emoji", ErrInvalidEmoji)
	}
	user, err := NewAuthorID(userID)
	if err != nil {
		return false, errcode.New(opToggleReaction, "invalid_user", err)
	}
	note, err := s.GetNote(ctx, token)
	if err != nil {
		return false, err
	}

	var existing Reaction
	err = s.db.WithContext(ctx).
		Where("note_id = ? AND user_id = ? AND emoji = ?", note.BackendID, user.String(), trimmedEmoji).
		Take(&existing).Error
	if err == nil {
		if err := s.db.WithContext(ctx).Delete(&existing).Error; err != nil {
			s.logError(opToggleReaction, "delete_failed", err, zap.String("note_id", note.BackendID))
			return false, errcode.New(opToggleReaction, "delete_failed", err)
		}
		s.store.Publish(store.CollectionNotes, store.EventRecordUpdated, note.BackendID)
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opToggleReaction, "query_failed", err, zap.String("note_id", note.BackendID))
		return false, errcode.New(opToggleReaction, "query_failed", err)
	}

	reaction := Reaction{
		NoteID:           note.BackendID,
		UserID:           user.String(),
		Emoji:            trimmedEmoji,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&reaction).Error; err != nil {
		s.logError(opToggleReaction, "insert_failed", err, zap.String("note_id", note.BackendID))
		return false, errcode.New(opToggleReaction, "insert_failed", err)
	}
	s.store.Publish(store.CollectionNotes, store.EventRecordUpdated, note.BackendID)
	return true, nil
}

// ReactionCounts tallies the note's reactions per emoji.
func (s *Service) ReactionCounts(ctx context.Context, token string) (map[string]int, error) {
	note, err := s.GetNote(ctx, token)
	if err != nil {
		return nil, err
	}

	var reactions []Reaction
	err = s.db.WithContext(ctx).
		Where("note_id = ?", note.BackendID).
		Find(&reactions).Error
	if err != nil {
		s.logError(opReactionCounts, "query_failed", err, zap.String("note_id", note.BackendID))
		return nil, errcode.New(opReactionCounts, "query_failed", err)
	}

	counts := make(map[string]int, len(reactions))
	for _, reaction := range reactions {
		counts[reaction.Emoji]++
	}
	return counts, nil
}

// AddCommentRequest describes a comment to append to a note's thread.
type AddCommentRequest struct {
	Token    string
	ParentID string
	AuthorID string
	Body     string
}

// AddComment appends a comment, optionally threaded under a parent comment of
// the same note.
func (s *Service) AddComment(ctx context.Context, request AddCommentRequest) (Comment, error) {
	author, err := NewAuthorID(request.AuthorID)
	if err != nil {
		return Comment{}, errcode.New(opAddComment, "invalid_author", err)
	}
	body := strings.TrimSpace(request.Body)
	if body == "" {
		return Comment{}, errcode.New(opAddComment, "empty_body", ErrInvalidCommentBody)
	}
	note, err := s.GetNote(ctx, request.Token)
	if err != nil {
		return Comment{}, err
	}

	parentID := strings.TrimSpace(request.ParentID)
	if parentID != "" {
		var parent Comment
		err := s.db.WithContext(ctx).
			Where("comment_id = ? AND note_id = ?", parentID, note.BackendID).
			Take(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Comment{}, errcode.New(opAddComment, "parent_not_found", ErrCommentNotFound)
		}
		if err != nil {
			s.logError(opAddComment, "parent_query_failed", err, zap.String("note_id", note.BackendID))
			return Comment{}, errcode.New(opAddComment, "parent_query_failed", err)
		}
	}

	commentID, err := s.store.NewID()
	if err != nil {
		s.logError(opAddComment, "id_generation_failed", err, zap.String("note_id", note.BackendID))
		return Comment{}, errcode.New(opAddComment, "id_generation_failed", err)
	}

	comment := Comment{
		CommentID:        commentID,
		NoteID:           note.BackendID,
		ParentID:         parentID,
		AuthorID:         author.String(),
		Body:             body,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logError(opAddComment, "insert_failed", err, zap.String("note_id", note.BackendID))
		return Comment{}, errcode.New(opAddComment, "insert_failed", err)
	}

	s.store.Publish(store.CollectionNotes, store.EventRecordUpdated, note.BackendID)
	return comment, nil
}

// ListComments returns the note's comments in creation order.
func (s *Service) ListComments(ctx context.Context, token string) ([]Comment, error) {
	note, err := s.GetNote(ctx, token)
	if err != nil {
		return nil, err
	}

	var comments []Comment
	err = s.db.WithContext(ctx).
		Where("note_id = ?", note.BackendID).
		Order("created_at_s ASC").
		Find(&comments).Error
	if err != nil {
		s.logError(opListComments, "query_failed", err, zap.String("note_id", note.BackendID))
		return nil, errcode.New(opListComments, "query_failed", err)
	}
	return comments, nil
}

func notesFromRecords(records []store.Record) []Note {
	result := make([]Note, 0, len(records))
	for _, record := range records {
		result = append(result, noteFromRecord(record))
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAtSeconds > result[j].UpdatedAtSeconds
	})
	return result
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes service error", attrs...)
}

package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/sableriver/notewell/backend/internal/seqid"
	"github.com/sableriver/notewell/backend/internal/store"
)

type countingIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *countingIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:notes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.Record{}, &seqid.Counter{}, &seqid.Mapping{}, &Reaction{}, &Comment{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	ids := &countingIDGenerator{prefix: "backend"}

	documentStore, err := store.New(store.Config{Database: db, Clock: clock, IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	allocator, err := seqid.New(seqid.Config{Database: db, Clock: clock, IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to construct allocator: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Store:     documentStore,
		Allocator: allocator,
		Database:  db,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return service, db
}

func mustCreateNote(t *testing.T, service *Service, request CreateNoteRequest) Note {
	t.Helper()
	note, err := service.CreateNote(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return note
}

func TestCreateNoteAssignsSequentialID(t *testing.T) {
	service, _ := newTestService(t)

	note := mustCreateNote(t, service, CreateNoteRequest{
		AuthorID: "user-1",
		Title:    "First",
		Body:     "body",
	})
	if note.SequentialID == nil || *note.SequentialID != 1 {
		t.Fatalf("expected sequential id 1, got %#v", note.SequentialID)
	}
	if note.Title != "First" || note.Body != "body" {
		t.Fatalf("unexpected note content %#v", note)
	}

	second := mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "Second"})
	if second.SequentialID == nil || *second.SequentialID != 2 {
		t.Fatalf("expected sequential id 2, got %#v", second.SequentialID)
	}
}

func TestCreateNoteRejectsEmptyContent(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.CreateNote(context.Background(), CreateNoteRequest{AuthorID: "user-1", Title: "  ", Body: ""})
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestGetNoteBySequentialToken(t *testing.T) {
	service, _ := newTestService(t)

	created := mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	loaded, err := service.GetNote(context.Background(), "1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if loaded.BackendID != created.BackendID {
		t.Fatalf("expected %s, got %s", created.BackendID, loaded.BackendID)
	}
}

func TestGetNoteByBackendToken(t *testing.T) {
	service, _ := newTestService(t)

	created := mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	loaded, err := service.GetNote(context.Background(), created.BackendID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if loaded.BackendID != created.BackendID {
		t.Fatalf("expected %s, got %s", created.BackendID, loaded.BackendID)
	}
}

func TestGetNoteUnallocatedNumericTokenFallsThrough(t *testing.T) {
	service, _ := newTestService(t)

	mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	// 99 was never allocated, so the token is treated as a backend id, which
	// also misses.
	_, err := service.GetNote(context.Background(), "99")
	if !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
}

func TestResolveTokenSurvivesMissingMappingRow(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	created := mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	if err := db.Where("collection = ?", store.CollectionNotes).Delete(&seqid.Mapping{}).Error; err != nil {
		t.Fatalf("failed to delete mapping rows: %v", err)
	}

	backendID, err := service.ResolveToken(ctx, "1")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if backendID != created.BackendID {
		t.Fatalf("expected direct-query fallback to find %s, got %s", created.BackendID, backendID)
	}
}

func TestUpdateNoteRequiresAuthor(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	_, err := service.UpdateNote(ctx, UpdateNoteRequest{Token: "1", EditorID: "user-2", Title: "Hijacked"})
	if !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor, got %v", err)
	}

	updated, err := service.UpdateNote(ctx, UpdateNoteRequest{Token: "1", EditorID: "user-1", Title: "Edited", Body: "new body"})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Title != "Edited" || updated.Body != "new body" {
		t.Fatalf("unexpected updated note %#v", updated)
	}
}

func TestDeleteNoteKeepsMappingRow(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	created := mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	if err := service.DeleteNote(ctx, "1", "user-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	if _, err := service.GetNote(ctx, "1"); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected deleted note to be hidden, got %v", err)
	}

	var mappingCount int64
	err := db.Model(&seqid.Mapping{}).
		Where("collection = ? AND backend_id = ?", store.CollectionNotes, created.BackendID).
		Count(&mappingCount).Error
	if err != nil {
		t.Fatalf("failed to count mappings: %v", err)
	}
	if mappingCount != 1 {
		t.Fatalf("expected mapping row to survive deletion, got %d", mappingCount)
	}

	// The freed value is never reused.
	next := mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "Second"})
	if next.SequentialID == nil || *next.SequentialID != 2 {
		t.Fatalf("expected next allocation 2, got %#v", next.SequentialID)
	}
}

func TestListAuthorNotesOrdersByUpdateTime(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	first := mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})
	second := mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "Second"})
	mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-2", Title: "Other"})

	// Bump the first note's update time above the second's.
	err := db.Model(&store.Record{}).
		Where("collection = ? AND backend_id = ?", store.CollectionNotes, first.BackendID).
		Update("updated_at_s", 1700009999).Error
	if err != nil {
		t.Fatalf("failed to bump update time: %v", err)
	}

	notes, err := service.ListAuthorNotes(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	if notes[0].BackendID != first.BackendID || notes[1].BackendID != second.BackendID {
		t.Fatalf("expected most recently updated first, got %s then %s", notes[0].BackendID, notes[1].BackendID)
	}
}

func TestToggleReactionAddsAndRemoves(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	added, err := service.ToggleReaction(ctx, "1", "user-2", "👍")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if !added {
		t.Fatalf("expected first toggle to add")
	}

	counts, err := service.ReactionCounts(ctx, "1")
	if err != nil {
		t.Fatalf("unexpected counts error: %v", err)
	}
	if counts["👍"] != 1 {
		t.Fatalf("expected one reaction, got %#v", counts)
	}

	added, err = service.ToggleReaction(ctx, "1", "user-2", "👍")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if added {
		t.Fatalf("expected second toggle to remove")
	}

	counts, err = service.ReactionCounts(ctx, "1")
	if err != nil {
		t.Fatalf("unexpected counts error: %v", err)
	}
	if counts["👍"] != 0 {
		t.Fatalf("expected reaction removed, got %#v", counts)
	}
}

func TestToggleReactionRejectsEmptyEmoji(t *testing.T) {
	service, _ := newTestService(t)

	mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	if _, err := service.ToggleReaction(context.Background(), "1", "user-2", "  "); !errors.Is(err, ErrInvalidEmoji) {
		t.Fatalf("expected ErrInvalidEmoji, got %v", err)
	}
}

func TestAddCommentAndThreading(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	top, err := service.AddComment(ctx, AddCommentRequest{Token: "1", AuthorID: "user-2", Body: "nice note"})
	if err != nil {
		t.Fatalf("unexpected comment error: %v", err)
	}
	if top.ParentID != "" {
		t.Fatalf("expected top-level comment, got parent %q", top.ParentID)
	}

	reply, err := service.AddComment(ctx, AddCommentRequest{
		Token:    "1",
		ParentID: top.CommentID,
		AuthorID: "user-1",
		Body:     "thanks",
	})
	if err != nil {
		t.Fatalf("unexpected reply error: %v", err)
	}
	if reply.ParentID != top.CommentID {
		t.Fatalf("expected reply parent %s, got %s", top.CommentID, reply.ParentID)
	}

	_, err = service.AddComment(ctx, AddCommentRequest{
		Token:    "1",
		ParentID: "no-such-comment",
		AuthorID: "user-1",
		Body:     "orphan",
	})
	if !errors.Is(err, ErrCommentNotFound) {
		t.Fatalf("expected ErrCommentNotFound, got %v", err)
	}

	comments, err := service.ListComments(ctx, "1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
}

func TestAddCommentRejectsEmptyBody(t *testing.T) {
	service, _ := newTestService(t)

	mustCreateNote(t, service, CreateNoteRequest{AuthorID: "user-1", Title: "First"})

	_, err := service.AddComment(context.Background(), AddCommentRequest{Token: "1", AuthorID: "user-2", Body: "  "})
	if !errors.Is(err, ErrInvalidCommentBody) {
		t.Fatalf("expected ErrInvalidCommentBody, got %v", err)
	}
}

func TestListCommunityNotesFiltersByCommunity(t *testing.T) {
	service, _ := newTestService(t)

	mustCreateNote(t, service, CreateNoteRequest{
		AuthorID:    "user-1",
		CommunityID: "community-a",
		Title:       "In A",
	})
	mustCreateNote(t, service, CreateNoteRequest{
		AuthorID:    "user-2",
		CommunityID: "community-a",
		Title:       "Also in A",
	})
	mustCreateNote(t, service, CreateNoteRequest{
		AuthorID:    "user-1",
		CommunityID: "community-b",
		Title:       "In B",
	})

	listed, err := service.ListCommunityNotes(context.Background(), "community-a")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(listed))
	}
	for _, note := range listed {
		if note.CommunityID != "community-a" {
			t.Fatalf("unexpected community %q in listing", note.CommunityID)
		}
	}
}

func TestCreateNoteProceedsWhenMappingWriteFails(t *testing.T) {
	service, db := newTestService(t)

	seeded := seqid.Mapping{
		Collection:       "notes",
		SequentialID:     1,
		BackendID:        "occupied",
		CreatedAtSeconds: 1700000000,
	}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed mapping: %v", err)
	}

	note, err := service.CreateNote(context.Background(), CreateNoteRequest{
		AuthorID: "user-1",
		Title:    "First",
	})
	if err != nil {
		t.Fatalf("expected create to proceed past the mapping failure: %v", err)
	}
	if note.SequentialID == nil || *note.SequentialID != 1 {
		t.Fatalf("expected note to keep sequential id 1, got %#v", note.SequentialID)
	}
	if note.BackendID == "" {
		t.Fatalf("expected a backend id on the created note")
	}
}

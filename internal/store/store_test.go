package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("generated-%d", g.next), nil
}

type capturedEvent struct {
	key   string
	event Event
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturingPublisher) Publish(key string, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{key: key, event: event})
}

func (p *capturingPublisher) captured() []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capturedEvent(nil), p.events...)
}

func newTestStore(t *testing.T) (*Store, *capturingPublisher) {
	t.Helper()

	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	publisher := &capturingPublisher{}
	documentStore, err := New(Config{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequentialIDGenerator{},
		Events:     publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return documentStore, publisher
}

func TestCreateAssignsIdentifierAndTimestamps(t *testing.T) {
	documentStore, publisher := newTestStore(t)
	ctx := context.Background()

	record := Record{Collection: "notes", AuthorID: "user-1", PayloadJSON: "{}"}
	if err := documentStore.Create(ctx, &record); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if record.BackendID != "generated-1" {
		t.Fatalf("unexpected backend id %q", record.BackendID)
	}
	if record.CreatedAtSeconds != 1700000600 || record.UpdatedAtSeconds != 1700000600 {
		t.Fatalf("unexpected timestamps %d/%d", record.CreatedAtSeconds, record.UpdatedAtSeconds)
	}

	events := publisher.captured()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].key != "notes" || events[0].event.EventType != EventRecordCreated {
		t.Fatalf("unexpected event %#v", events[0])
	}
}

func TestGetReturnsNotFoundForMissingRecord(t *testing.T) {
	documentStore, _ := newTestStore(t)

	_, err := documentStore.Get(context.Background(), "notes", "missing")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	documentStore, _ := newTestStore(t)
	ctx := context.Background()

	records := []Record{
		{Collection: "notes", BackendID: "n-1", AuthorID: "user-1", CommunityID: "c-1", PayloadJSON: "{}", CreatedAtSeconds: 100, UpdatedAtSeconds: 100},
		{Collection: "notes", BackendID: "n-2", AuthorID: "user-2", CommunityID: "c-1", PayloadJSON: "{}", CreatedAtSeconds: 200, UpdatedAtSeconds: 300},
		{Collection: "notes", BackendID: "n-3", AuthorID: "user-1", PayloadJSON: "{}", CreatedAtSeconds: 150, UpdatedAtSeconds: 200},
	}
	for i := range records {
		if err := documentStore.DB().Create(&records[i]).Error; err != nil {
			t.Fatalf("failed to insert record: %v", err)
		}
	}

	listed, err := documentStore.List(ctx, "notes", Filter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 records, got %d", len(listed))
	}
	if listed[0].BackendID != "n-2" || listed[2].BackendID != "n-1" {
		t.Fatalf("expected most recently updated first, got %s..%s", listed[0].BackendID, listed[2].BackendID)
	}

	byAuthor, err := documentStore.List(ctx, "notes", Filter{AuthorID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(byAuthor) != 2 {
		t.Fatalf("expected 2 records for user-1, got %d", len(byAuthor))
	}

	byCommunity, err := documentStore.List(ctx, "notes", Filter{CommunityID: "c-1"})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(byCommunity) != 2 {
		t.Fatalf("expected 2 records for c-1, got %d", len(byCommunity))
	}
}

func TestMarkDeletedHidesRecordFromListing(t *testing.T) {
	documentStore, publisher := newTestStore(t)
	ctx := context.Background()

	record := Record{Collection: "notes", AuthorID: "user-1", PayloadJSON: "{}"}
	if err := documentStore.Create(ctx, &record); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if err := documentStore.MarkDeleted(ctx, "notes", record.BackendID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	listed, err := documentStore.List(ctx, "notes", Filter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected soft-deleted record to be hidden, got %d", len(listed))
	}

	withDeleted, err := documentStore.List(ctx, "notes", Filter{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(withDeleted) != 1 || !withDeleted[0].IsDeleted {
		t.Fatalf("expected soft-deleted record to remain stored, got %#v", withDeleted)
	}

	events := publisher.captured()
	if len(events) != 2 || events[1].event.EventType != EventRecordDeleted {
		t.Fatalf("expected deletion event, got %#v", events)
	}
}

func TestUpdatePersistsPayloadAndPublishes(t *testing.T) {
	documentStore, publisher := newTestStore(t)
	ctx := context.Background()

	record := Record{Collection: "notes", AuthorID: "user-1", PayloadJSON: `{"title":"old"}`}
	if err := documentStore.Create(ctx, &record); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	record.PayloadJSON = `{"title":"new"}`
	if err := documentStore.Update(ctx, &record); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	reloaded, err := documentStore.Get(ctx, "notes", record.BackendID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if reloaded.PayloadJSON != `{"title":"new"}` {
		t.Fatalf("unexpected payload %q", reloaded.PayloadJSON)
	}

	events := publisher.captured()
	if len(events) != 2 || events[1].event.EventType != EventRecordUpdated {
		t.Fatalf("expected update event, got %#v", events)
	}
}

func TestValidateCollectionBounds(t *testing.T) {
	if err := ValidateCollection("notes"); err != nil {
		t.Fatalf("unexpected error for valid name: %v", err)
	}
	if err := ValidateCollection("  "); err == nil {
		t.Fatalf("expected error for blank name")
	}
	long := make([]byte, maxCollectionLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateCollection(string(long)); err == nil {
		t.Fatalf("expected error for overlong name")
	}
}

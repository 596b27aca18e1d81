// Package enrich maintains a live join between a list of records and the
// profiles of the authors they reference: whenever any referenced profile
// changes, every record by that author is re-derived and the full list is
// re-emitted. A join holds one subscription per distinct author and must be
// cleaned up by its owner or those subscriptions leak.
package enrich

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/sableriver/notewell/backend/internal/profiles"
	"github.com/sableriver/notewell/backend/internal/store"
)

var (
	errMissingProfileSource = errors.New("profile source is required")
	errMissingAuthorKey     = errors.New("author key function is required")
	errMissingOnUpdate      = errors.New("update callback is required")
)

// ProfileSource is the live-subscription surface of the profile store. Watch
// delivers the current profile immediately when one exists, then every
// subsequent change until the cancel function is called.
type ProfileSource interface {
	Watch(ctx context.Context, userID string) (<-chan profiles.Profile, func(), error)
}

// JoinConfig describes a join to be established.
type JoinConfig struct {
	Records        []store.Record
	CommunityScope string
	AuthorKey      AuthorKeyFunc
	Profiles       ProfileSource
	OnUpdate       func([]EnrichedRecord)
	Logger         *zap.Logger
}

// Join is a live enrichment of a record list. It is either active or
// disposed; disposal is one-way and idempotent.
//
// OnUpdate is invoked with the join's internal lock held, so the callback
// must not call back into the join.
type Join struct {
	mu        sync.Mutex
	records   []store.Record
	enriched  []EnrichedRecord
	observed  map[string]profiles.Profile
	authors   map[string]struct{}
	cancels   map[string]func()
	disposed  bool
	scope     string
	authorKey AuthorKeyFunc
	source    ProfileSource
	onUpdate  func([]EnrichedRecord)
	logger    *zap.Logger
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewJoin computes the distinct authors referenced by the configured records,
// opens one profile subscription per author, and returns the join. The
// initial enrichment snapshot is available via Records immediately; derived
// fields fill in as profile callbacks arrive.
func NewJoin(cfg JoinConfig) (*Join, error) {
	if cfg.Profiles == nil {
		return nil, errMissingProfileSource
	}
	if cfg.AuthorKey == nil {
		return nil, errMissingAuthorKey
	}
	if cfg.OnUpdate == nil {
		return nil, errMissingOnUpdate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	join := &Join{
		records:   append([]store.Record(nil), cfg.Records...),
		observed:  make(map[string]profiles.Profile),
		authors:   make(map[string]struct{}),
		cancels:   make(map[string]func()),
		scope:     cfg.CommunityScope,
		authorKey: cfg.AuthorKey,
		source:    cfg.Profiles,
		onUpdate:  cfg.OnUpdate,
		logger:    logger,
		ctx:       ctx,
		ctxCancel: cancel,
	}

	join.mu.Lock()
	join.enriched = join.deriveLocked(join.records)
	newAuthors := join.markAuthorsLocked(join.records)
	join.mu.Unlock()

	for _, author := range newAuthors {
		join.subscribeAuthor(author)
	}
	return join, nil
}

// Records returns a copy of the current enriched list.
func (j *Join) Records() []EnrichedRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]EnrichedRecord(nil), j.enriched...)
}

// AddRecords extends the live set. Authors not yet subscribed gain a
// subscription; existing subscriptions and the enrichment of unrelated
// records are untouched. The full combined list is emitted.
func (j *Join) AddRecords(records []store.Record) {
	if len(records) == 0 {
		return
	}

	j.mu.Lock()
	if j.disposed {
		j.mu.Unlock()
		return
	}
	j.records = append(j.records, records...)
	j.enriched = append(j.enriched, j.deriveLocked(records)...)
	newAuthors := j.markAuthorsLocked(records)
	j.emitLocked()
	j.mu.Unlock()

	for _, author := range newAuthors {
		j.subscribeAuthor(author)
	}
}

// ReplaceRecords resets the join wholesale: every existing subscription is
// released, fresh subscriptions are opened for the authors of the new record
// set, and a freshly derived list is emitted.
func (j *Join) ReplaceRecords(records []store.Record) {
	j.mu.Lock()
	if j.disposed {
		j.mu.Unlock()
		return
	}
	released := j.collectCancelsLocked()
	j.records = append([]store.Record(nil), records...)
	j.observed = make(map[string]profiles.Profile)
	j.authors = make(map[string]struct{})
	j.enriched = j.deriveLocked(j.records)
	newAuthors := j.markAuthorsLocked(j.records)
	j.emitLocked()
	j.mu.Unlock()

	for _, cancel := range released {
		cancel()
	}
	for _, author := range newAuthors {
		j.subscribeAuthor(author)
	}
}

// Cleanup releases every subscription and clears internal state. Safe to call
// multiple times; after the first call no further updates are emitted.
func (j *Join) Cleanup() {
	j.mu.Lock()
	if j.disposed {
		j.mu.Unlock()
		return
	}
	j.disposed = true
	released := j.collectCancelsLocked()
	j.records = nil
	j.enriched = nil
	j.observed = nil
	j.authors = nil
	j.mu.Unlock()

	j.ctxCancel()
	for _, cancel := range released {
		cancel()
	}
}

// subscribeAuthor opens the live profile subscription for one author. A
// failure to subscribe never aborts the join; the author's records keep
// identifier-only display values.
func (j *Join) subscribeAuthor(author string) {
	if author == "" {
		return
	}
	stream, cancel, err := j.source.Watch(j.ctx, author)
	if err != nil {
		j.logger.Warn("profile subscription failed",
			zap.String("author_id", author),
			zap.Error(err))
		return
	}

	j.mu.Lock()
	if j.disposed {
		j.mu.Unlock()
		cancel()
		return
	}
	j.cancels[author] = cancel
	j.mu.Unlock()

	go func() {
		for {
			select {
			case <-j.ctx.Done():
				return
			case profile, ok := <-stream:
				if !ok {
					return
				}
				j.applyProfile(author, profile)
			}
		}
	}()
}

// applyProfile records the latest observed profile for the author and
// re-derives exactly the records that author wrote, then emits the full list.
func (j *Join) applyProfile(author string, profile profiles.Profile) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disposed {
		return
	}
	j.observed[author] = profile

	for i := range j.enriched {
		if j.enriched[i].AuthorID != author {
			continue
		}
		j.enriched[i] = Derive(j.enriched[i].Record, author, &profile, j.scope)
	}
	j.emitLocked()
}

func (j *Join) deriveLocked(records []store.Record) []EnrichedRecord {
	enriched := make([]EnrichedRecord, 0, len(records))
	for _, record := range records {
		author := j.authorKey(record)
		var profile *profiles.Profile
		if observed, ok := j.observed[author]; ok {
			profileCopy := observed
			profile = &profileCopy
		}
		enriched = append(enriched, Derive(record, author, profile, j.scope))
	}
	return enriched
}

// markAuthorsLocked registers the authors of the given records and returns
// the ones not seen before, in first-appearance order.
func (j *Join) markAuthorsLocked(records []store.Record) []string {
	var added []string
	for _, record := range records {
		author := j.authorKey(record)
		if author == "" {
			continue
		}
		if _, ok := j.authors[author]; ok {
			continue
		}
		j.authors[author] = struct{}{}
		added = append(added, author)
	}
	return added
}

func (j *Join) collectCancelsLocked() []func() {
	released := make([]func(), 0, len(j.cancels))
	for _, cancel := range j.cancels {
		released = append(released, cancel)
	}
	j.cancels = make(map[string]func())
	return released
}

func (j *Join) emitLocked() {
	j.onUpdate(append([]EnrichedRecord(nil), j.enriched...))
}

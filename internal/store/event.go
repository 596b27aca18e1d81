package store

import "time"

// Change-event types published on record writes.
const (
	EventRecordCreated = "record-created"
	EventRecordUpdated = "record-updated"
	EventRecordDeleted = "record-deleted"
)

// Event describes a committed change to one or more records in a collection.
type Event struct {
	Collection string
	EventType  string
	BackendIDs []string
	Timestamp  time.Time
}

// Publisher delivers change events to live subscribers keyed by collection.
type Publisher interface {
	Publish(key string, event Event)
}

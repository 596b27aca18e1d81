package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sableriver/notewell/backend/internal/enrich"
	"github.com/sableriver/notewell/backend/internal/notes"
	"github.com/sableriver/notewell/backend/internal/store"
)

const (
	realtimeHeartbeatInterval = 25 * time.Second
	realtimeEventHeartbeat    = "heartbeat"
)

type realtimeEventPayload struct {
	Collection string   `json:"collection"`
	EventType  string   `json:"event_type"`
	BackendIDs []string `json:"backend_ids,omitempty"`
	Timestamp  int64    `json:"timestamp_s"`
}

// handleRealtimeStream serves a server-sent-events stream of record changes
// for one collection. The subscription lives until the client disconnects.
func (h *httpHandler) handleRealtimeStream(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	collection := c.Param("collection")
	if err := store.ValidateCollection(collection); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collection"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	stream, cancel := h.events.Subscribe(ctx, collection)
	defer cancel()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", realtimeEventHeartbeat)
			flusher.Flush()
		case event, open := <-stream:
			if !open {
				return
			}
			payload := realtimeEventPayload{
				Collection: event.Collection,
				EventType:  event.EventType,
				BackendIDs: event.BackendIDs,
				Timestamp:  event.Timestamp.Unix(),
			}
			encoded, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.EventType, encoded)
			flusher.Flush()
		}
	}
}

const realtimeEventNotes = "notes"

// handleStreamCommunityNotes serves a server-sent-events stream of a
// community's notes with author display fields kept live: every referenced
// profile is watched for the lifetime of the stream, and new or removed notes
// in the community refresh the record set. Each emission carries the full
// enriched list.
func (h *httpHandler) handleStreamCommunityNotes(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	community, err := h.communities.GetCommunity(c.Request.Context(), c.Param("token"), userID)
	if err != nil {
		h.writeServiceError(c, "stream_community_notes", err)
		return
	}

	records, err := h.notes.ListRecords(c.Request.Context(), store.Filter{CommunityID: community.BackendID})
	if err != nil {
		h.writeServiceError(c, "stream_community_notes", err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	updates := make(chan []enrich.EnrichedRecord, 8)
	join, err := enrich.NewJoin(enrich.JoinConfig{
		Records:        records,
		CommunityScope: community.BackendID,
		AuthorKey:      enrich.ByAuthorID,
		Profiles:       h.profiles,
		OnUpdate: func(list []enrich.EnrichedRecord) {
			select {
			case updates <- list:
			default:
			}
		},
		Logger: h.logger,
	})
	if err != nil {
		h.logger.Error("failed to establish enrichment join", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	defer join.Cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	h.writeEnrichedNotes(c, flusher, join.Records())

	ctx := c.Request.Context()
	var noteEvents <-chan store.Event
	if h.events != nil {
		stream, cancel := h.events.Subscribe(ctx, store.CollectionNotes)
		defer cancel()
		noteEvents = stream
	}

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", realtimeEventHeartbeat)
			flusher.Flush()
		case list := <-updates:
			h.writeEnrichedNotes(c, flusher, list)
		case _, open := <-noteEvents:
			if !open {
				return
			}
			refreshed, err := h.notes.ListRecords(ctx, store.Filter{CommunityID: community.BackendID})
			if err != nil {
				h.logger.Warn("record refresh failed",
					zap.String("community_id", community.BackendID),
					zap.Error(err))
				continue
			}
			join.ReplaceRecords(refreshed)
		}
	}
}

func (h *httpHandler) writeEnrichedNotes(c *gin.Context, flusher http.Flusher, list []enrich.EnrichedRecord) {
	payloads := make([]enrichedNotePayload, 0, len(list))
	for _, entry := range list {
		payloads = append(payloads, enrichedToPayload(entry, notes.FromRecord(entry.Record)))
	}
	encoded, err := json.Marshal(gin.H{"notes": payloads})
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", realtimeEventNotes, encoded)
	flusher.Flush()
}

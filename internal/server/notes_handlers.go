package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sableriver/notewell/backend/internal/enrich"
	"github.com/sableriver/notewell/backend/internal/notes"
)

type notePayload struct {
	Token            string `json:"token"`
	BackendID        string `json:"backend_id"`
	SequentialID     *int64 `json:"sequential_id"`
	AuthorID         string `json:"author_id"`
	CommunityID      string `json:"community_id,omitempty"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

// noteToPayload prefers the sequential id as the URL token and falls back to
// the backend identifier for notes that never received one.
func noteToPayload(note notes.Note) notePayload {
	token := note.BackendID
	if note.SequentialID != nil {
		token = strconv.FormatInt(*note.SequentialID, 10)
	}
	return notePayload{
		Token:            token,
		BackendID:        note.BackendID,
		SequentialID:     note.SequentialID,
		AuthorID:         note.AuthorID,
		CommunityID:      note.CommunityID,
		Title:            note.Title,
		Body:             note.Body,
		CreatedAtSeconds: note.CreatedAtSeconds,
		UpdatedAtSeconds: note.UpdatedAtSeconds,
	}
}

type createNoteRequestPayload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	CommunityID string `json:"community_id"`
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request createNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	note, err := h.notes.CreateNote(c.Request.Context(), notes.CreateNoteRequest{
		AuthorID:    userID,
		CommunityID: request.CommunityID,
		Title:       request.Title,
		Body:        request.Body,
	})
	if err != nil {
		h.writeServiceError(c, "create_note", err)
		return
	}
	c.JSON(http.StatusCreated, noteToPayload(note))
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	note, err := h.notes.GetNote(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeServiceError(c, "get_note", err)
		return
	}
	c.JSON(http.StatusOK, noteToPayload(note))
}

func (h *httpHandler) handleListOwnNotes(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	list, err := h.notes.ListAuthorNotes(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "list_notes", err)
		return
	}

	payloads := make([]notePayload, 0, len(list))
	for _, note := range list {
		payloads = append(payloads, noteToPayload(note))
	}
	c.JSON(http.StatusOK, gin.H{"notes": payloads})
}

type updateNoteRequestPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request updateNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	note, err := h.notes.UpdateNote(c.Request.Context(), notes.UpdateNoteRequest{
		Token:    c.Param("token"),
		EditorID: userID,
		Title:    request.Title,
		Body:     request.Body,
	})
	if err != nil {
		h.writeServiceError(c, "update_note", err)
		return
	}
	c.JSON(http.StatusOK, noteToPayload(note))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.notes.DeleteNote(c.Request.Context(), c.Param("token"), userID); err != nil {
		h.writeServiceError(c, "delete_note", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reactionRequestPayload struct {
	Emoji string `json:"emoji"`
}

func (h *httpHandler) handleToggleReaction(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request reactionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	added, err := h.notes.ToggleReaction(c.Request.Context(), c.Param("token"), userID, request.Emoji)
	if err != nil {
		h.writeServiceError(c, "toggle_reaction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (h *httpHandler) handleReactionCounts(c *gin.Context) {
	counts, err := h.notes.ReactionCounts(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeServiceError(c, "reaction_counts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

type addCommentRequestPayload struct {
	Body     string `json:"body"`
	ParentID string `json:"parent_id"`
}

type commentPayload struct {
	CommentID        string `json:"comment_id"`
	ParentID         string `json:"parent_id,omitempty"`
	AuthorID         string `json:"author_id"`
	Body             string `json:"body"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request addCommentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	comment, err := h.notes.AddComment(c.Request.Context(), notes.AddCommentRequest{
		Token:    c.Param("token"),
		ParentID: request.ParentID,
		AuthorID: userID,
		Body:     request.Body,
	})
	if err != nil {
		h.writeServiceError(c, "add_comment", err)
		return
	}
	c.JSON(http.StatusCreated, commentPayload{
		CommentID:        comment.CommentID,
		ParentID:         comment.ParentID,
		AuthorID:         comment.AuthorID,
		Body:             comment.Body,
		CreatedAtSeconds: comment.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	comments, err := h.notes.ListComments(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeServiceError(c, "list_comments", err)
		return
	}

	payloads := make([]commentPayload, 0, len(comments))
	for _, comment := range comments {
		payloads = append(payloads, commentPayload{
			CommentID:        comment.CommentID,
			ParentID:         comment.ParentID,
			AuthorID:         comment.AuthorID,
			Body:             comment.Body,
			CreatedAtSeconds: comment.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"comments": payloads})
}

type enrichedNotePayload struct {
	notePayload
	AuthorDisplayName string `json:"author_display_name"`
	AuthorEmail       string `json:"author_email,omitempty"`
}

func enrichedToPayload(record enrich.EnrichedRecord, note notes.Note) enrichedNotePayload {
	return enrichedNotePayload{
		notePayload:       noteToPayload(note),
		AuthorDisplayName: record.AuthorDisplayName,
		AuthorEmail:       record.AuthorEmail,
	}
}

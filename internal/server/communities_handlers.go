package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sableriver/notewell/backend/internal/communities"
	"github.com/sableriver/notewell/backend/internal/enrich"
	"github.com/sableriver/notewell/backend/internal/notes"
	"github.com/sableriver/notewell/backend/internal/profiles"
	"github.com/sableriver/notewell/backend/internal/store"
)

type communityPayload struct {
	Token            string `json:"token"`
	BackendID        string `json:"backend_id"`
	SequentialID     *int64 `json:"sequential_id"`
	OwnerID          string `json:"owner_id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Visibility       string `json:"visibility"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func communityToPayload(community communities.Community) communityPayload {
	token := community.BackendID
	if community.SequentialID != nil {
		token = strconv.FormatInt(*community.SequentialID, 10)
	}
	return communityPayload{
		Token:            token,
		BackendID:        community.BackendID,
		SequentialID:     community.SequentialID,
		OwnerID:          community.OwnerID,
		Name:             community.Name,
		Description:      community.Description,
		Visibility:       string(community.Visibility),
		CreatedAtSeconds: community.CreatedAtSeconds,
	}
}

type createCommunityRequestPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

func (h *httpHandler) handleCreateCommunity(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request createCommunityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	community, err := h.communities.CreateCommunity(c.Request.Context(), communities.CreateCommunityRequest{
		OwnerID:     userID,
		Name:        request.Name,
		Description: request.Description,
		Visibility:  request.Visibility,
	})
	if err != nil {
		h.writeServiceError(c, "create_community", err)
		return
	}
	c.JSON(http.StatusCreated, communityToPayload(community))
}

func (h *httpHandler) handleListCommunities(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	list, err := h.communities.ListVisible(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "list_communities", err)
		return
	}

	payloads := make([]communityPayload, 0, len(list))
	for _, community := range list {
		payloads = append(payloads, communityToPayload(community))
	}
	c.JSON(http.StatusOK, gin.H{"communities": payloads})
}

func (h *httpHandler) handleGetCommunity(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	community, err := h.communities.GetCommunity(c.Request.Context(), c.Param("token"), userID)
	if err != nil {
		h.writeServiceError(c, "get_community", err)
		return
	}
	c.JSON(http.StatusOK, communityToPayload(community))
}

// handleListCommunityNotes returns the community's notes decorated with
// author display fields derived from the profile store, honoring the
// community's display-name overrides.
func (h *httpHandler) handleListCommunityNotes(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	community, err := h.communities.GetCommunity(c.Request.Context(), c.Param("token"), userID)
	if err != nil {
		h.writeServiceError(c, "list_community_notes", err)
		return
	}

	records, err := h.notes.ListRecords(c.Request.Context(), store.Filter{CommunityID: community.BackendID})
	if err != nil {
		h.writeServiceError(c, "list_community_notes", err)
		return
	}

	byAuthor := make(map[string]profiles.Profile)
	for _, record := range records {
		if record.AuthorID == "" {
			continue
		}
		if _, ok := byAuthor[record.AuthorID]; ok {
			continue
		}
		profile, err := h.profiles.Get(c.Request.Context(), record.AuthorID)
		if err != nil {
			if !errors.Is(err, profiles.ErrProfileNotFound) {
				h.logger.Warn("profile lookup failed",
					zap.String("author_id", record.AuthorID),
					zap.Error(err))
			}
			continue
		}
		byAuthor[record.AuthorID] = profile
	}

	enriched := enrich.DeriveAll(records, byAuthor, community.BackendID, enrich.ByAuthorID)
	payloads := make([]enrichedNotePayload, 0, len(enriched))
	for _, entry := range enriched {
		payloads = append(payloads, enrichedToPayload(entry, notes.FromRecord(entry.Record)))
	}
	c.JSON(http.StatusOK, gin.H{"notes": payloads})
}

func (h *httpHandler) handleJoinCommunity(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	outcome, err := h.communities.Join(c.Request.Context(), c.Param("token"), userID)
	if err != nil {
		h.writeServiceError(c, "join_community", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": string(outcome)})
}

func (h *httpHandler) handleLeaveCommunity(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.communities.Leave(c.Request.Context(), c.Param("token"), userID); err != nil {
		h.writeServiceError(c, "leave_community", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	members, err := h.communities.ListMembers(c.Request.Context(), c.Param("token"), userID)
	if err != nil {
		h.writeServiceError(c, "list_members", err)
		return
	}

	type memberPayload struct {
		UserID           string `json:"user_id"`
		Role             string `json:"role"`
		CreatedAtSeconds int64  `json:"created_at_s"`
	}
	payloads := make([]memberPayload, 0, len(members))
	for _, member := range members {
		payloads = append(payloads, memberPayload{
			UserID:           member.UserID,
			Role:             member.Role,
			CreatedAtSeconds: member.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": payloads})
}

func (h *httpHandler) handleListJoinRequests(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	requests, err := h.communities.ListPendingRequests(c.Request.Context(), c.Param("token"), userID)
	if err != nil {
		h.writeServiceError(c, "list_join_requests", err)
		return
	}

	type requestPayload struct {
		UserID           string `json:"user_id"`
		CreatedAtSeconds int64  `json:"created_at_s"`
	}
	payloads := make([]requestPayload, 0, len(requests))
	for _, request := range requests {
		payloads = append(payloads, requestPayload{
			UserID:           request.UserID,
			CreatedAtSeconds: request.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"requests": payloads})
}

func (h *httpHandler) handleApproveJoinRequest(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	err := h.communities.ApproveJoinRequest(c.Request.Context(), c.Param("token"), userID, c.Param("userID"))
	if err != nil {
		h.writeServiceError(c, "approve_join_request", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeclineJoinRequest(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	err := h.communities.DeclineJoinRequest(c.Request.Context(), c.Param("token"), userID, c.Param("userID"))
	if err != nil {
		h.writeServiceError(c, "decline_join_request", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type inviteRequestPayload struct {
	InviteeID string `json:"invitee_id"`
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request inviteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.communities.Invite(c.Request.Context(), c.Param("token"), userID, request.InviteeID)
	if err != nil {
		h.writeServiceError(c, "invite", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAcceptInvitation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.communities.AcceptInvitation(c.Request.Context(), c.Param("token"), userID); err != nil {
		h.writeServiceError(c, "accept_invitation", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeclineInvitation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.communities.DeclineInvitation(c.Request.Context(), c.Param("token"), userID); err != nil {
		h.writeServiceError(c, "decline_invitation", err)
		return
	}
	c.Status(http.StatusNoContent)
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sableriver/notewell/backend/internal/profiles"
)

type profilePayload struct {
	UserID         string            `json:"user_id"`
	DisplayName    string            `json:"display_name"`
	Email          string            `json:"email"`
	AvatarURL      string            `json:"avatar_url,omitempty"`
	CommunityNames map[string]string `json:"community_names"`
}

func profileToPayload(profile profiles.Profile) profilePayload {
	return profilePayload{
		UserID:         profile.UserID,
		DisplayName:    profile.DisplayName,
		Email:          profile.Email,
		AvatarURL:      profile.AvatarURL,
		CommunityNames: profile.CommunityNames(),
	}
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	profile, err := h.profiles.Get(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "get_profile", err)
		return
	}
	c.JSON(http.StatusOK, profileToPayload(profile))
}

type updateProfileRequestPayload struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request updateProfileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.profiles.Upsert(c.Request.Context(), profiles.UpsertRequest{
		UserID:      userID,
		DisplayName: request.DisplayName,
		Email:       request.Email,
		AvatarURL:   request.AvatarURL,
	})
	if err != nil {
		h.writeServiceError(c, "update_profile", err)
		return
	}
	c.JSON(http.StatusOK, profileToPayload(profile))
}

type communityNameRequestPayload struct {
	Name string `json:"name"`
}

// handleSetCommunityName stores the caller's display-name override for one
// community; an empty name clears the override.
func (h *httpHandler) handleSetCommunityName(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request communityNameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	community, err := h.communities.GetCommunity(c.Request.Context(), c.Param("communityToken"), userID)
	if err != nil {
		h.writeServiceError(c, "set_community_name", err)
		return
	}

	profile, err := h.profiles.SetCommunityName(c.Request.Context(), userID, community.BackendID, request.Name)
	if err != nil {
		h.writeServiceError(c, "set_community_name", err)
		return
	}
	c.JSON(http.StatusOK, profileToPayload(profile))
}

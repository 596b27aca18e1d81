package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sableriver/notewell/backend/internal/auth"
	"github.com/sableriver/notewell/backend/internal/communities"
	"github.com/sableriver/notewell/backend/internal/notes"
	"github.com/sableriver/notewell/backend/internal/profiles"
	"github.com/sableriver/notewell/backend/internal/realtime"
	"github.com/sableriver/notewell/backend/internal/store"
)

const userIDContextKey = "notewell_user_id"

var (
	errMissingTokenManager       = errors.New("token manager dependency required")
	errMissingNotesService       = errors.New("notes service dependency required")
	errMissingCommunitiesService = errors.New("communities service dependency required")
	errMissingProfilesService    = errors.New("profiles service dependency required")
	errInvalidAuthorization      = errors.New("authorization header missing or invalid")
)

// BackendTokenManager issues and validates backend session tokens.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, claims auth.IdentityClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to the application services.
type Dependencies struct {
	TokenManager BackendTokenManager
	Notes        *notes.Service
	Communities  *communities.Service
	Profiles     *profiles.Service
	Events       *realtime.Dispatcher[store.Event]
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router serving the Notewell API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Notes == nil {
		return nil, errMissingNotesService
	}
	if deps.Communities == nil {
		return nil, errMissingCommunitiesService
	}
	if deps.Profiles == nil {
		return nil, errMissingProfilesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		notes:       deps.Notes,
		communities: deps.Communities,
		profiles:    deps.Profiles,
		events:      deps.Events,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/profiles/me", handler.handleGetProfile)
	protected.PUT("/profiles/me", handler.handleUpdateProfile)
	protected.PUT("/profiles/me/community-names/:communityToken", handler.handleSetCommunityName)

	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes", handler.handleListOwnNotes)
	protected.GET("/notes/:token", handler.handleGetNote)
	protected.PUT("/notes/:token", handler.handleUpdateNote)
	protected.DELETE("/notes/:token", handler.handleDeleteNote)
	protected.GET("/notes/:token/reactions", handler.handleReactionCounts)
	protected.POST("/notes/:token/reactions", handler.handleToggleReaction)
	protected.GET("/notes/:token/comments", handler.handleListComments)
	protected.POST("/notes/:token/comments", handler.handleAddComment)

	protected.POST("/communities", handler.handleCreateCommunity)
	protected.GET("/communities", handler.handleListCommunities)
	protected.GET("/communities/:token", handler.handleGetCommunity)
	protected.GET("/communities/:token/notes", handler.handleListCommunityNotes)
	protected.GET("/communities/:token/notes/stream", handler.handleStreamCommunityNotes)
	protected.GET("/communities/:token/members", handler.handleListMembers)
	protected.POST("/communities/:token/join", handler.handleJoinCommunity)
	protected.POST("/communities/:token/leave", handler.handleLeaveCommunity)
	protected.GET("/communities/:token/requests", handler.handleListJoinRequests)
	protected.POST("/communities/:token/requests/:userID/approve", handler.handleApproveJoinRequest)
	protected.POST("/communities/:token/requests/:userID/decline", handler.handleDeclineJoinRequest)
	protected.POST("/communities/:token/invitations", handler.handleInvite)
	protected.POST("/communities/:token/invitations/accept", handler.handleAcceptInvitation)
	protected.POST("/communities/:token/invitations/decline", handler.handleDeclineInvitation)

	protected.GET("/realtime/:collection", handler.handleRealtimeStream)

	return router, nil
}

type httpHandler struct {
	tokens      BackendTokenManager
	notes       *notes.Service
	communities *communities.Service
	profiles    *profiles.Service
	events      *realtime.Dispatcher[store.Event]
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleTokenExchange swaps identity-provider attributes for a backend JWT
// and keeps the user's profile current. The provider's own assertion is
// verified upstream of this API.
func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims := auth.IdentityClaims{
		Subject:     strings.TrimSpace(request.UserID),
		Email:       strings.TrimSpace(request.Email),
		DisplayName: strings.TrimSpace(request.DisplayName),
		AvatarURL:   strings.TrimSpace(request.AvatarURL),
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	_, err = h.profiles.Upsert(c.Request.Context(), profiles.UpsertRequest{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		Email:       claims.Email,
		AvatarURL:   claims.AvatarURL,
	})
	if err != nil {
		h.logger.Warn("profile upsert on login failed",
			zap.String("user_id", claims.Subject),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// writeServiceError maps service sentinels onto HTTP statuses, defaulting to
// an opaque 500 with a server-side log line.
func (h *httpHandler) writeServiceError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound),
		errors.Is(err, communities.ErrCommunityNotFound),
		errors.Is(err, notes.ErrCommentNotFound),
		errors.Is(err, communities.ErrRequestNotFound),
		errors.Is(err, communities.ErrInvitationNotFound),
		errors.Is(err, profiles.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, notes.ErrNotAuthor),
		errors.Is(err, communities.ErrNotOwner),
		errors.Is(err, communities.ErrSoleOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, communities.ErrAlreadyMember),
		errors.Is(err, communities.ErrNotMember):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, notes.ErrInvalidContent),
		errors.Is(err, notes.ErrInvalidEmoji),
		errors.Is(err, notes.ErrInvalidCommentBody),
		errors.Is(err, notes.ErrInvalidAuthorID),
		errors.Is(err, communities.ErrInvalidName),
		errors.Is(err, communities.ErrInvalidVisibility),
		errors.Is(err, profiles.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

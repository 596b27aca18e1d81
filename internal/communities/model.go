package communities

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sableriver/notewell/backend/internal/store"
)

// Visibility controls how a community can be discovered and joined.
type Visibility string

const (
	// VisibilityPublic communities are listable and joinable by anyone.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate communities are listable; joining requires owner approval.
	VisibilityPrivate Visibility = "private"
	// VisibilityHidden communities are invisible to non-members; joining is by invitation only.
	VisibilityHidden Visibility = "hidden"
)

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Join-request and invitation statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDeclined = "declined"
	StatusAccepted = "accepted"
)

var (
	// ErrInvalidVisibility indicates an unknown visibility value.
	ErrInvalidVisibility = errors.New("communities: invalid visibility")
	// ErrInvalidName indicates an empty community name.
	ErrInvalidName = errors.New("communities: name required")
	// ErrCommunityNotFound indicates that no community matches the identifier,
	// or that the caller may not see it.
	ErrCommunityNotFound = errors.New("communities: community not found")
	// ErrNotOwner indicates the caller lacks the owner role required for the operation.
	ErrNotOwner = errors.New("communities: caller is not an owner")
	// ErrAlreadyMember indicates the user already belongs to the community.
	ErrAlreadyMember = errors.New("communities: already a member")
	// ErrNotMember indicates the user does not belong to the community.
	ErrNotMember = errors.New("communities: not a member")
	// ErrRequestNotFound indicates no pending join request matches.
	ErrRequestNotFound = errors.New("communities: join request not found")
	// ErrInvitationNotFound indicates no pending invitation matches.
	ErrInvitationNotFound = errors.New("communities: invitation not found")
	// ErrSoleOwner indicates the last owner attempted to leave.
	ErrSoleOwner = errors.New("communities: sole owner cannot leave")
)

// ParseVisibility validates a raw visibility value.
func ParseVisibility(raw string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case VisibilityPublic:
		return VisibilityPublic, nil
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityHidden:
		return VisibilityHidden, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, raw)
	}
}

// Community is the application view of a community record.
type Community struct {
	BackendID        string
	SequentialID     *int64
	OwnerID          string
	Name             string
	Description      string
	Visibility       Visibility
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
}

type communityPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

func encodeCommunityPayload(name, description string, visibility Visibility) (string, error) {
	encoded, err := json.Marshal(communityPayload{
		Name:        name,
		Description: description,
		Visibility:  string(visibility),
	})
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func communityFromRecord(record store.Record) Community {
	var payload communityPayload
	if strings.TrimSpace(record.PayloadJSON) != "" {
		_ = json.Unmarshal([]byte(record.PayloadJSON), &payload)
	}
	visibility, err := ParseVisibility(payload.Visibility)
	if err != nil {
		// Records written before visibility existed are treated as public.
		visibility = VisibilityPublic
	}
	return Community{
		BackendID:        record.BackendID,
		SequentialID:     record.SequentialID,
		OwnerID:          record.AuthorID,
		Name:             payload.Name,
		Description:      payload.Description,
		Visibility:       visibility,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

// Membership is the authoritative join between users and communities, one row
// per pair.
type Membership struct {
	CommunityID      string `gorm:"column:community_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_memberships_user"`
	Role             string `gorm:"column:role;size:32;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "community_memberships"
}

// JoinRequest tracks a user's pending request to join a private community.
type JoinRequest struct {
	CommunityID       string `gorm:"column:community_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Status            string `gorm:"column:status;size:32;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	ResolvedAtSeconds int64  `gorm:"column:resolved_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (JoinRequest) TableName() string {
	return "community_join_requests"
}

// Invitation tracks an owner's invitation of a user into a community.
type Invitation struct {
	CommunityID       string `gorm:"column:community_id;primaryKey;size:190;not null"`
	InviteeID         string `gorm:"column:invitee_id;primaryKey;size:190;not null;index:idx_invitations_invitee"`
	InviterID         string `gorm:"column:inviter_id;size:190;not null"`
	Status            string `gorm:"column:status;size:32;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	ResolvedAtSeconds int64  `gorm:"column:resolved_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Invitation) TableName() string {
	return "community_invitations"
}

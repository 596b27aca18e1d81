// Package communities manages community records and membership: creation,
// visibility-dependent joining, owner-approved join requests, invitations,
// and leaving.
package communities

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sableriver/notewell/backend/internal/errcode"
	"github.com/sableriver/notewell/backend/internal/seqid"
	"github.com/sableriver/notewell/backend/internal/store"
)

var (
	errMissingStore     = errors.New("document store is required")
	errMissingAllocator = errors.New("sequential id allocator is required")
	errMissingDatabase  = errors.New("database handle is required")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew     = "communities.new"
	opCreate         = "communities.create"
	opGet            = "communities.get"
	opList           = "communities.list"
	opJoin           = "communities.join"
	opResolveRequest = "communities.resolve_request"
	opInvite         = "communities.invite"
	opResolveInvite  = "communities.resolve_invitation"
	opLeave          = "communities.leave"
	opMembers        = "communities.members"
)

// ServiceConfig describes the dependencies of the communities service.
type ServiceConfig struct {
	Store     *store.Store
	Allocator *seqid.Service
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service coordinates community records and their membership tables.
type Service struct {
	store     *store.Store
	allocator *seqid.Service
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the communities service after validating its dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errcode.New(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Allocator == nil {
		return nil, errcode.New(opServiceNew, "missing_allocator", errMissingAllocator)
	}
	if cfg.Database == nil {
		return nil, errcode.New(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:     cfg.Store,
		allocator: cfg.Allocator,
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
	}, nil
}

// CreateCommunityRequest describes a community to be created.
type CreateCommunityRequest struct {
	OwnerID     string
	Name        string
	Description string
	Visibility  string
}

// CreateCommunity persists a new community with a sequential id and makes the
// creator its owner. As with notes, a failed mapping write is tolerated.
func (s *Service) CreateCommunity(ctx context.Context, request CreateCommunityRequest) (Community, error) {
	ownerID := strings.TrimSpace(request.OwnerID)
	if ownerID == "" {
		return Community{}, errcode.New(opCreate, "invalid_owner", errors.New("owner id required"))
	}
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return Community{}, errcode.New(opCreate, "invalid_name", ErrInvalidName)
	}
	visibility, err := ParseVisibility(request.Visibility)
	if err != nil {
		return Community{}, errcode.New(opCreate, "invalid_visibility", err)
	}

	payloadJSON, err := encodeCommunityPayload(name, strings.TrimSpace(request.Description), visibility)
	if err != nil {
		return Community{}, errcode.New(opCreate, "payload_encode_failed", err)
	}

	result, err := s.allocator.CreateWithSequentialID(ctx, store.CollectionCommunities, seqid.CreatePayload{
		AuthorID:    ownerID,
		PayloadJSON: payloadJSON,
	})
	if err != nil {
		if result.BackendID == "" {
			return Community{}, err
		}
		s.logger.Warn("community created without mapping row",
			zap.String("operation", opCreate),
			zap.String("backend_id", result.BackendID),
			zap.Error(err))
	}

	membership := Membership{
		CommunityID:      result.BackendID,
		UserID:           ownerID,
		Role:             RoleOwner,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&membership).Error; err != nil {
		s.logError(opCreate, "owner_membership_failed", err, zap.String("community_id", result.BackendID))
		return Community{}, errcode.New(opCreate, "owner_membership_failed", err)
	}

	record, err := s.store.Get(ctx, store.CollectionCommunities, result.BackendID)
	if err != nil {
		return Community{}, errcode.New(opCreate, "readback_failed", err)
	}
	return communityFromRecord(*record), nil
}

// ResolveToken translates a URL token into a community backend identifier,
// mirroring the note token contract.
func (s *Service) ResolveToken(ctx context.Context, token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errcode.New(opGet, "empty_token", ErrCommunityNotFound)
	}
	if sequential, err := strconv.ParseInt(trimmed, 10, 64); err == nil && sequential > 0 {
		backendID, err := s.allocator.ResolveToBackendID(ctx, store.CollectionCommunities, sequential)
		if err != nil {
			return "", err
		}
		if backendID != "" {
			return backendID, nil
		}
	}
	return trimmed, nil
}

// GetCommunity loads a community by URL token, applying visibility: hidden
// communities are only returned to members and invitees, as if they did not
// exist otherwise.
func (s *Service) GetCommunity(ctx context.Context, token, viewerID string) (Community, error) {
	backendID, err := s.ResolveToken(ctx, token)
	if err != nil {
		return Community{}, err
	}

	record, err := s.store.Get(ctx, store.CollectionCommunities, backendID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return Community{}, ErrCommunityNotFound
	}
	if err != nil {
		return Community{}, err
	}
	if record.IsDeleted {
		return Community{}, ErrCommunityNotFound
	}

	community := communityFromRecord(*record)
	if community.Visibility == VisibilityHidden {
		visible, err := s.canSeeHidden(ctx, community.BackendID, viewerID)
		if err != nil {
			return Community{}, err
		}
		if !visible {
			return Community{}, ErrCommunityNotFound
		}
	}
	return community, nil
}

// ListVisible returns the communities the viewer may discover: all public and
// private ones, plus hidden ones the viewer belongs to or is invited into.
func (s *Service) ListVisible(ctx context.Context, viewerID string) ([]Community, error) {
	records, err := s.store.List(ctx, store.CollectionCommunities, store.Filter{})
	if err != nil {
		return nil, err
	}

	visible := make([]Community, 0, len(records))
	for _, record := range records {
		community := communityFromRecord(record)
		if community.Visibility != VisibilityHidden {
			visible = append(visible, community)
			continue
		}
		canSee, err := s.canSeeHidden(ctx, community.BackendID, viewerID)
		if err != nil {
			return nil, err
		}
		if canSee {
			visible = append(visible, community)
		}
	}
	return visible, nil
}

// JoinOutcome reports what happened when a user tried to join.
type JoinOutcome string

const (
	// JoinOutcomeMember means the user became a member immediately.
	JoinOutcomeMember JoinOutcome = "member"
	// JoinOutcomeRequested means a join request now awaits owner approval.
	JoinOutcomeRequested JoinOutcome = "requested"
)

// Join applies the community's visibility rules to a join attempt: public
// admits immediately, private records a pending request, hidden behaves as if
// the community did not exist.
func (s *Service) Join(ctx context.Context, token, userID string) (JoinOutcome, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return "", errcode.New(opJoin, "invalid_user", errors.New("user id required"))
	}
	community, err := s.GetCommunity(ctx, token, user)
	if err != nil {
		return "", err
	}

	member, err := s.isMember(ctx, community.BackendID, user)
	if err != nil {
		return "", err
	}
	if member {
		return "", ErrAlreadyMember
	}

	switch community.Visibility {
	case VisibilityPublic:
		if err := s.addMember(ctx, community.BackendID, user, RoleMember); err != nil {
			return "", err
		}
		return JoinOutcomeMember, nil
	case VisibilityPrivate:
		request := JoinRequest{
			CommunityID:      community.BackendID,
			UserID:           user,
			Status:           StatusPending,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		err := s.db.WithContext(ctx).Where("community_id = ? AND user_id = ?", community.BackendID, user).
			FirstOrCreate(&request).Error
		if err != nil {
			s.logError(opJoin, "request_insert_failed", err, zap.String("community_id", community.BackendID))
			return "", errcode.New(opJoin, "request_insert_failed", err)
		}
		return JoinOutcomeRequested, nil
	default:
		// Hidden communities reachable here only via direct backend id; deny
		// as not found so their existence stays unconfirmed.
		return "", ErrCommunityNotFound
	}
}

// ApproveJoinRequest lets an owner admit a pending requester as member.
func (s *Service) ApproveJoinRequest(ctx context.Context, token, ownerID, requesterID string) error {
	return s.resolveJoinRequest(ctx, token, ownerID, requesterID, true)
}

// DeclineJoinRequest lets an owner reject a pending requester.
func (s *Service) DeclineJoinRequest(ctx context.Context, token, ownerID, requesterID string) error {
	return s.resolveJoinRequest(ctx, token, ownerID, requesterID, false)
}

func (s *Service) resolveJoinRequest(ctx context.Context, token, ownerID, requesterID string, approve bool) error {
	community, err := s.GetCommunity(ctx, token, ownerID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, community.BackendID, ownerID); err != nil {
		return err
	}

	var request JoinRequest
	err = s.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ? AND status = ?", community.BackendID, requesterID, StatusPending).
		Take(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRequestNotFound
	}
	if err != nil {
		s.logError(opResolveRequest, "query_failed", err, zap.String("community_id", community.BackendID))
		return errcode.New(opResolveRequest, "query_failed", err)
	}

	status := StatusDeclined
	if approve {
		status = StatusApproved
	}
	updates := map[string]interface{}{
		"status":        status,
		"resolved_at_s": s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Model(&JoinRequest{}).
		Where("community_id = ? AND user_id = ?", community.BackendID, requesterID).
		Updates(updates).Error
	if err != nil {
		s.logError(opResolveRequest, "update_failed", err, zap.String("community_id", community.BackendID))
		return errcode.New(opResolveRequest, "update_failed", err)
	}

	if approve {
		return s.addMember(ctx, community.BackendID, requesterID, RoleMember)
	}
	return nil
}

// ListPendingRequests returns a community's pending join requests; owner only.
func (s *Service) ListPendingRequests(ctx context.Context, token, ownerID string) ([]JoinRequest, error) {
	community, err := s.GetCommunity(ctx, token, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, community.BackendID, ownerID); err != nil {
		return nil, err
	}

	var requests []JoinRequest
	err = s.db.WithContext(ctx).
		Where("community_id = ? AND status = ?", community.BackendID, StatusPending).
		Order("created_at_s ASC").
		Find(&requests).Error
	if err != nil {
		s.logError(opResolveRequest, "query_failed", err, zap.String("community_id", community.BackendID))
		return nil, errcode.New(opResolveRequest, "query_failed", err)
	}
	return requests, nil
}

// Invite lets an owner invite a user; required for hidden communities and
// available for the other visibilities as a shortcut past the request flow.
func (s *Service) Invite(ctx context.Context, token, ownerID, inviteeID string) error {
	invitee := strings.TrimSpace(inviteeID)
	if invitee == "" {
		return errcode.New(opInvite, "invalid_invitee", errors.New("invitee id required"))
	}
	community, err := s.GetCommunity(ctx, token, ownerID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, community.BackendID, ownerID); err != nil {
		return err
	}

	member, err := s.isMember(ctx, community.BackendID, invitee)
	if err != nil {
		return err
	}
	if member {
		return ErrAlreadyMember
	}

	invitation := Invitation{
		CommunityID:      community.BackendID,
		InviteeID:        invitee,
		InviterID:        strings.TrimSpace(ownerID),
		Status:           StatusPending,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).
		Where("community_id = ? AND invitee_id = ?", community.BackendID, invitee).
		FirstOrCreate(&invitation).Error
	if err != nil {
		s.logError(opInvite, "insert_failed", err, zap.String("community_id", community.BackendID))
		return errcode.New(opInvite, "insert_failed", err)
	}
	return nil
}

// AcceptInvitation turns a pending invitation into membership.
func (s *Service) AcceptInvitation(ctx context.Context, token, inviteeID string) error {
	return s.resolveInvitation(ctx, token, inviteeID, true)
}

// DeclineInvitation rejects a pending invitation.
func (s *Service) DeclineInvitation(ctx context.Context, token, inviteeID string) error {
	return s.resolveInvitation(ctx, token, inviteeID, false)
}

func (s *Service) resolveInvitation(ctx context.Context, token, inviteeID string, accept bool) error {
	community, err := s.GetCommunity(ctx, token, inviteeID)
	if err != nil {
		return err
	}

	var invitation Invitation
	err = s.db.WithContext(ctx).
		Where("community_id = ? AND invitee_id = ? AND status = ?", community.BackendID, inviteeID, StatusPending).
		Take(&invitation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvitationNotFound
	}
	if err != nil {
		s.logError(opResolveInvite, "query_failed", err, zap.String("community_id", community.BackendID))
		return errcode.New(opResolveInvite, "query_failed", err)
	}

	status := StatusDeclined
	if accept {
		status = StatusAccepted
	}
	updates := map[string]interface{}{
		"status":        status,
		"resolved_at_s": s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Model(&Invitation{}).
		Where("community_id = ? AND invitee_id = ?", community.BackendID, inviteeID).
		Updates(updates).Error
	if err != nil {
		s.logError(opResolveInvite, "update_failed", err, zap.String("community_id", community.BackendID))
		return errcode.New(opResolveInvite, "update_failed", err)
	}

	if accept {
		return s.addMember(ctx, community.BackendID, inviteeID, RoleMember)
	}
	return nil
}

// Leave removes the user's membership. The last remaining owner cannot leave.
func (s *Service) Leave(ctx context.Context, token, userID string) error {
	community, err := s.GetCommunity(ctx, token, userID)
	if err != nil {
		return err
	}

	var membership Membership
	err = s.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ?", community.BackendID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotMember
	}
	if err != nil {
		s.logError(opLeave, "query_failed", err, zap.String("community_id", community.BackendID))
		return errcode.New(opLeave, "query_failed", err)
	}

	if membership.Role == RoleOwner {
		var owners int64
		err := s.db.WithContext(ctx).Model(&Membership{}).
			Where("community_id = ? AND role = ?", community.BackendID, RoleOwner).
			Count(&owners).Error
		if err != nil {
			s.logError(opLeave, "owner_count_failed", err, zap.String("community_id", community.BackendID))
			return errcode.New(opLeave, "owner_count_failed", err)
		}
		if owners <= 1 {
			return ErrSoleOwner
		}
	}

	if err := s.db.WithContext(ctx).Delete(&membership).Error; err != nil {
		s.logError(opLeave, "delete_failed", err, zap.String("community_id", community.BackendID))
		return errcode.New(opLeave, "delete_failed", err)
	}
	return nil
}

// ListMembers returns a community's memberships.
func (s *Service) ListMembers(ctx context.Context, token, viewerID string) ([]Membership, error) {
	community, err := s.GetCommunity(ctx, token, viewerID)
	if err != nil {
		return nil, err
	}

	var memberships []Membership
	err = s.db.WithContext(ctx).
		Where("community_id = ?", community.BackendID).
		Order("created_at_s ASC").
		Find(&memberships).Error
	if err != nil {
		s.logError(opMembers, "query_failed", err, zap.String("community_id", community.BackendID))
		return nil, errcode.New(opMembers, "query_failed", err)
	}
	return memberships, nil
}

func (s *Service) addMember(ctx context.Context, communityID, userID, role string) error {
	membership := Membership{
		CommunityID:      communityID,
		UserID:           userID,
		Role:             role,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ?", communityID, userID).
		FirstOrCreate(&membership).Error
	if err != nil {
		s.logError(opJoin, "membership_insert_failed", err, zap.String("community_id", communityID))
		return errcode.New(opJoin, "membership_insert_failed", err)
	}
	return nil
}

func (s *Service) isMember(ctx context.Context, communityID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("community_id = ? AND user_id = ?", communityID, userID).
		Count(&count).Error
	if err != nil {
		return false, errcode.New(opGet, "membership_query_failed", err)
	}
	return count > 0, nil
}

func (s *Service) requireOwner(ctx context.Context, communityID, userID string) error {
	var membership Membership
	err := s.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ? AND role = ?", communityID, userID, RoleOwner).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotOwner
	}
	if err != nil {
		return errcode.New(opGet, "membership_query_failed", err)
	}
	return nil
}

func (s *Service) canSeeHidden(ctx context.Context, communityID, viewerID string) (bool, error) {
	viewer := strings.TrimSpace(viewerID)
	if viewer == "" {
		return false, nil
	}
	member, err := s.isMember(ctx, communityID, viewer)
	if err != nil {
		return false, err
	}
	if member {
		return true, nil
	}

	var invitations int64
	err = s.db.WithContext(ctx).Model(&Invitation{}).
		Where("community_id = ? AND invitee_id = ? AND status = ?", communityID, viewer, StatusPending).
		Count(&invitations).Error
	if err != nil {
		return false, errcode.New(opGet, "invitation_query_failed", err)
	}
	return invitations > 0, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("communities service error", attrs...)
}

// Package profiles stores per-user identity records and exposes them through
// point lookups and live subscriptions, the two primitives the enrichment
// join consumes.
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sableriver/notewell/backend/internal/realtime"
)

var (
	// ErrInvalidUserID indicates the supplied user identifier is unusable.
	ErrInvalidUserID = errors.New("profiles: invalid user id")
	// ErrProfileNotFound indicates no profile exists for the user.
	ErrProfileNotFound = errors.New("profiles: profile not found")
)

const watchBufferSize = 16

// ServiceConfig describes the dependencies required for profile storage.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages user profiles and fans profile changes out to watchers.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	logger     *zap.Logger
	dispatcher *realtime.Dispatcher[Profile]
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profiles: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		logger:     logger,
		dispatcher: realtime.NewDispatcher[Profile](),
	}, nil
}

// Get performs a point lookup of one user's profile.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return Profile{}, ErrInvalidUserID
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", trimmed).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// UpsertRequest carries the fields updated on login or profile edit. Empty
// fields leave the stored value untouched.
type UpsertRequest struct {
	UserID      string
	DisplayName string
	Email       string
	AvatarURL   string
}

// Upsert creates the profile when the user has not been seen before and
// updates the changed fields otherwise. Watchers of the user receive the
// resulting profile.
func (s *Service) Upsert(ctx context.Context, request UpsertRequest) (Profile, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return Profile{}, ErrInvalidUserID
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:      userID,
			DisplayName: strings.TrimSpace(request.DisplayName),
			Email:       strings.TrimSpace(request.Email),
			AvatarURL:   strings.TrimSpace(request.AvatarURL),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{}
		if display := strings.TrimSpace(request.DisplayName); display != "" && display != profile.DisplayName {
			updates["display_name"] = display
			profile.DisplayName = display
		}
		if email := strings.TrimSpace(request.Email); email != "" && email != profile.Email {
			updates["email"] = email
			profile.Email = email
		}
		if avatar := strings.TrimSpace(request.AvatarURL); avatar != "" && avatar != profile.AvatarURL {
			updates["avatar_url"] = avatar
			profile.AvatarURL = avatar
		}
		if len(updates) > 0 {
			err := s.db.WithContext(ctx).Model(&Profile{}).
				Where("user_id = ?", userID).
				Updates(updates).Error
			if err != nil {
				return Profile{}, err
			}
		}
	}

	s.dispatcher.Publish(userID, profile)
	return profile, nil
}

// SetCommunityName records (or clears, when name is empty) the user's display
// name override for one community. Watchers receive the resulting profile.
func (s *Service) SetCommunityName(ctx context.Context, userID, communityID, name string) (Profile, error) {
	profile, err := s.Get(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if strings.TrimSpace(communityID) == "" {
		return Profile{}, fmt.Errorf("profiles: community id required")
	}

	names := profile.CommunityNames()
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		delete(names, communityID)
	} else {
		names[communityID] = trimmedName
	}

	encoded, err := json.Marshal(names)
	if err != nil {
		return Profile{}, err
	}
	profile.CommunityNamesJSON = string(encoded)

	err = s.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", profile.UserID).
		Update("community_names_json", profile.CommunityNamesJSON).Error
	if err != nil {
		return Profile{}, err
	}

	s.dispatcher.Publish(profile.UserID, profile)
	return profile, nil
}

// Watch establishes a live subscription to one user's profile. The current
// profile, when one exists, is delivered immediately; every subsequent change
// follows until the returned cancel function is called or ctx is done, at
// which point the channel is closed. Cancelling twice is harmless.
func (s *Service) Watch(ctx context.Context, userID string) (<-chan Profile, func(), error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return nil, nil, ErrInvalidUserID
	}

	stream, cancelSubscription := s.dispatcher.Subscribe(ctx, trimmed)
	out := make(chan Profile, watchBufferSize)

	if current, err := s.Get(ctx, trimmed); err == nil {
		out <- current
	} else if !errors.Is(err, ErrProfileNotFound) {
		cancelSubscription()
		return nil, nil, err
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelSubscription()
			close(done)
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case profile, ok := <-stream:
				if !ok {
					return
				}
				select {
				case out <- profile:
				default:
					s.logger.Warn("profile watch buffer full, dropping update",
						zap.String("user_id", trimmed))
				}
			}
		}
	}()

	return out, cancel, nil
}

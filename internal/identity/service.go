package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidProfile indicates the request did not contain a usable user id.
var ErrInvalidProfile = errors.New("identity: invalid profile")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages user profiles and the priority lookups consulted during
// conflict resolution.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// EnsureProfile upserts the profile for a user and returns it. Empty email
// and display name inputs preserve the stored values.
func (s *Service) EnsureProfile(userID, email, displayName string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidProfile
	}

	var profile Profile
	err := s.db.Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:      userID,
			Email:       normalize(email),
			DisplayName: normalize(displayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
		s.cache.Store(userID, profile.Priority)
		return profile, nil
	}
	if err != nil {
		return Profile{}, err
	}

	updates := map[string]interface{}{}
	if email := normalize(email); email != "" && email != profile.Email {
		updates["user_email"] = email
		profile.Email = email
	}
	if display := normalize(displayName); display != "" && display != profile.DisplayName {
		updates["user_display_name"] = display
		profile.DisplayName = display
	}
	updates["last_seen_at"] = s.now()
	if err := s.db.Model(&Profile{}).
		Where("user_id = ?", userID).
		Updates(updates).Error; err != nil {
		return Profile{}, err
	}

	s.cache.Store(userID, profile.Priority)
	return profile, nil
}

// ProfilePriority returns the priority rank for a user, zero when the user
// has no profile.
func (s *Service) ProfilePriority(userID string) (int64, error) {
	userID = normalize(userID)
	if userID == "" {
		return 0, ErrInvalidProfile
	}

	if cached, ok := s.cache.Load(userID); ok {
		if priority, ok := cached.(int64); ok {
			return priority, nil
		}
	}

	var profile Profile
	err := s.db.Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	s.cache.Store(userID, profile.Priority)
	return profile.Priority, nil
}

// SetPriority updates the priority rank for an existing profile.
func (s *Service) SetPriority(userID string, priority int64) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidProfile
	}

	result := s.db.Model(&Profile{}).
		Where("user_id = ?", userID).
		Update("priority", priority)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidProfile
	}

	s.cache.Store(userID, priority)
	return nil
}

// Get returns the stored profile for a user.
func (s *Service) Get(userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidProfile
	}

	var profile Profile
	if err := s.db.Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return Profile{}, err
	}
	return profile, nil
}

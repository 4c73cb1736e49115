package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims or input did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownIdentity indicates a well formed identifier with no directory entry.
	ErrUnknownIdentity = errors.New("users: unknown identity")
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages the identity directory.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Register creates or updates an identity.
func (s *Service) Register(ctx context.Context, userID, displayName, email string) (Identity, error) {
	id := normalize(userID)
	if id == "" || len(id) > maxIdentifierLength {
		return Identity{}, ErrInvalidIdentity
	}
	identity := Identity{
		UserID:      id,
		DisplayName: normalize(displayName),
		Email:       normalize(email),
		LastSeenAt:  s.now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "email", "updated_at"}),
		}).
		Create(&identity).Error
	if err != nil {
		return Identity{}, err
	}
	s.cache.Delete(id)
	return identity, nil
}

// Get loads a single identity by id.
func (s *Service) Get(ctx context.Context, userID string) (Identity, error) {
	id := normalize(userID)
	if id == "" {
		return Identity{}, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(id); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}
	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", id).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	if err != nil {
		return Identity{}, err
	}
	s.cache.Store(id, identity)
	return identity, nil
}

// Resolve maps validated session claims onto a directory identity. A token
// for a user that no longer exists is rejected.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (Identity, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return Identity{}, ErrInvalidIdentity
	}
	identity, err := s.Get(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	_ = s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("user_id = ?", identity.UserID).
		UpdateColumn("last_seen_at", s.now().UTC()).
		Error
	return identity, nil
}

// Forget drops an identity from the directory.
func (s *Service) Forget(ctx context.Context, userID string) error {
	id := normalize(userID)
	if id == "" {
		return ErrInvalidIdentity
	}
	s.cache.Delete(id)
	return s.db.WithContext(ctx).Where("user_id = ?", id).Delete(&Identity{}).Error
}

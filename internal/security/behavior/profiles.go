package behavior

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/orbitpay/sentra/pkg/models"
)

// Bounded-list capacities for a behavior profile.
const (
	MaxFrequentLocations = 10
	MaxKnownDevices      = 5
	maxKnownMerchants    = 50
)

// ProfileStore holds one rolling behavior profile per user, cached in memory
// and persisted through the database. Mutation is serialized per user id.
// Cached profiles are immutable snapshots: readers get copies, and Update
// swaps in a fresh snapshot rather than mutating the cached one in place.
type ProfileStore struct {
	db     *gorm.DB
	logger *zap.Logger

	mu       sync.RWMutex
	profiles map[uuid.UUID]*models.UserBehaviorProfile

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewProfileStore creates a new profile store.
func NewProfileStore(db *gorm.DB, logger *zap.Logger) *ProfileStore {
	return &ProfileStore{
		db:       db,
		logger:   logger,
		profiles: make(map[uuid.UUID]*models.UserBehaviorProfile),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// userLock returns the per-user mutex, creating it on first use.
func (ps *ProfileStore) userLock(userID uuid.UUID) *sync.Mutex {
	ps.locksMu.Lock()
	defer ps.locksMu.Unlock()
	l, ok := ps.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		ps.locks[userID] = l
	}
	return l
}

// Get returns a snapshot of the user's profile, or nil when none exists yet.
func (ps *ProfileStore) Get(ctx context.Context, userID uuid.UUID) (*models.UserBehaviorProfile, error) {
	p, err := ps.get(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	return p.Clone(), nil
}

// get returns the cached snapshot pointer, loading from the database on a
// miss. Callers must not mutate the returned profile.
func (ps *ProfileStore) get(ctx context.Context, userID uuid.UUID) (*models.UserBehaviorProfile, error) {
	ps.mu.RLock()
	if p, ok := ps.profiles[userID]; ok {
		ps.mu.RUnlock()
		return p, nil
	}
	ps.mu.RUnlock()

	var profile models.UserBehaviorProfile
	err := ps.db.WithContext(ctx).First(&profile, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load behavior profile: %w", err)
	}

	ps.mu.Lock()
	ps.profiles[userID] = &profile
	ps.mu.Unlock()

	return &profile, nil
}

// GetOrCreate returns a snapshot of the user's profile, creating an empty one
// on first contact. The second return value reports whether the profile was
// created.
func (ps *ProfileStore) GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.UserBehaviorProfile, bool, error) {
	lock := ps.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	p, created, err := ps.getOrCreateLocked(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return p.Clone(), created, nil
}

// getOrCreateLocked requires the per-user lock to be held, so concurrent
// first events for the same user create exactly one profile. The returned
// profile is the cached snapshot and must not be mutated.
func (ps *ProfileStore) getOrCreateLocked(ctx context.Context, userID uuid.UUID) (*models.UserBehaviorProfile, bool, error) {
	profile, err := ps.get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if profile != nil {
		return profile, false, nil
	}

	now := time.Now()
	profile = &models.UserBehaviorProfile{
		UserID:        userID,
		AccessSummary: make(map[string]int64),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := ps.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(profile).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create behavior profile: %w", err)
	}

	ps.mu.Lock()
	ps.profiles[userID] = profile
	ps.mu.Unlock()

	ps.logger.Info("Created behavior profile",
		zap.String("user_id", userID.String()))

	return profile, true, nil
}

// Update applies fn to a copy of the user's profile under the per-user lock,
// persists it, then swaps the copy in as the new cached snapshot. Concurrent
// readers keep seeing the previous snapshot until the swap.
func (ps *ProfileStore) Update(ctx context.Context, userID uuid.UUID, fn func(p *models.UserBehaviorProfile)) error {
	lock := ps.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	current, _, err := ps.getOrCreateLocked(ctx, userID)
	if err != nil {
		return err
	}

	profile := current.Clone()
	fn(profile)
	profile.UpdatedAt = time.Now()

	if err := ps.db.WithContext(ctx).Save(profile).Error; err != nil {
		return fmt.Errorf("failed to persist behavior profile: %w", err)
	}

	ps.mu.Lock()
	ps.profiles[userID] = profile
	ps.mu.Unlock()
	return nil
}

// Invalidate drops the cached copy so the next read hits the database.
func (ps *ProfileStore) Invalidate(userID uuid.UUID) {
	ps.mu.Lock()
	delete(ps.profiles, userID)
	ps.mu.Unlock()
}

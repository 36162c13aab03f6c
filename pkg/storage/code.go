package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-grid/pkg/core"
)

// Lock defaults shared by the GORM and Redis lockers.
const (
	DefaultLockTTL  = 5 * time.Minute
	DefaultLockPoll = 50 * time.Millisecond
)

// GormCodeStore keeps code archives in the code_archives table.
type GormCodeStore struct {
	db *gorm.DB
}

// NewGormCodeStore creates a code store on db. Call Migrate on a
// GormStorage sharing db to create the table.
func NewGormCodeStore(db *gorm.DB) *GormCodeStore {
	return &GormCodeStore{db: db}
}

// PutIfAbsent inserts the archive unless the key exists.
func (s *GormCodeStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&core.CodeArchive{Key: key, Data: data})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Get returns the archive stored under key.
func (s *GormCodeStore) Get(ctx context.Context, key string) ([]byte, error) {
	var archive core.CodeArchive
	err := s.db.WithContext(ctx).Where(&core.CodeArchive{Key: key}).First(&archive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrArchiveNotFound
	}
	if err != nil {
		return nil, err
	}
	return archive.Data, nil
}

// GormHostLocker implements core.HostLocker with one host_locks row per
// scope. A row whose ExpiresAt has passed belongs to a dead holder and is
// taken over.
type GormHostLocker struct {
	db   *gorm.DB
	ttl  time.Duration
	poll time.Duration
}

// NewGormHostLocker creates a locker on db. A zero ttl uses DefaultLockTTL.
func NewGormHostLocker(db *gorm.DB, ttl time.Duration) *GormHostLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &GormHostLocker{db: db, ttl: ttl, poll: DefaultLockPoll}
}

// Acquire polls until the lock is held or wait elapses.
func (l *GormHostLocker) Acquire(ctx context.Context, scope string, wait time.Duration) (core.Lease, error) {
	owner := uuid.New().String()
	return pollAcquire(ctx, scope, wait, l.poll, func() (core.Lease, bool, error) {
		ok, err := l.try(ctx, scope, owner)
		if err != nil || !ok {
			return nil, false, err
		}
		return &gormLease{db: l.db, scope: scope, owner: owner}, true, nil
	})
}

func (l *GormHostLocker) try(ctx context.Context, scope, owner string) (bool, error) {
	now := time.Now()
	expires := now.Add(l.ttl)

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&core.HostLock{Scope: scope, Owner: owner, ExpiresAt: expires})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	result = l.db.WithContext(ctx).
		Model(&core.HostLock{}).
		Where("scope = ? AND expires_at < ?", scope, now).
		Updates(map[string]any{"owner": owner, "expires_at": expires})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

type gormLease struct {
	db    *gorm.DB
	scope string
	owner string
}

// Release deletes the row only while we still own it.
func (g *gormLease) Release(ctx context.Context) error {
	return g.db.WithContext(ctx).
		Where("scope = ? AND owner = ?", g.scope, g.owner).
		Delete(&core.HostLock{}).Error
}

// pollAcquire calls try every poll interval until it succeeds, fails, or
// wait elapses.
func pollAcquire(ctx context.Context, scope string, wait, poll time.Duration, try func() (core.Lease, bool, error)) (core.Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		lease, ok, err := try()
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %v", core.ErrLockTimeout, scope, wait)
		}

		timer := time.NewTimer(min(poll, time.Until(deadline)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

var (
	_ core.CodeStore  = (*GormCodeStore)(nil)
	_ core.HostLocker = (*GormHostLocker)(nil)
)

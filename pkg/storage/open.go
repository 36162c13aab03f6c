package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-grid/pkg/config"
	"github.com/jdziat/simple-grid/pkg/core"
)

// Open connects to the database in cfg and configures its pool. SQLite
// gets a single connection unless opts say otherwise, since it allows one
// writer at a time.
func Open(cfg config.Database, opts ...PoolOption) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
		opts = append([]PoolOption{MaxOpenConns(1), MaxIdleConns(1)}, opts...)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Driver, err)
	}
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}

// Backends bundles everything a submitter or worker needs from storage.
type Backends struct {
	Storage *GormStorage
	Code    core.CodeStore
	Locker  core.HostLocker

	close func() error
}

// Close releases the connections held by b.
func (b *Backends) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// OpenBackends opens the database, migrates it and picks the code store
// and host locker. A configured Redis address moves both to Redis.
func OpenBackends(ctx context.Context, cfg config.Config) (*Backends, error) {
	db, err := Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	s := NewGormStorage(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	b := &Backends{Storage: s, close: sqlDB.Close}

	if cfg.Redis.Addr == "" {
		b.Code = NewGormCodeStore(db)
		b.Locker = NewGormHostLocker(db, cfg.LockTTL)
		return b, nil
	}

	client, err := NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("storage: redis: %w", err)
	}
	b.Code = NewRedisCodeStore(client)
	b.Locker = NewRedisHostLocker(client, cfg.LockTTL)
	b.close = func() error {
		return errors.Join(client.Close(), sqlDB.Close())
	}
	return b, nil
}

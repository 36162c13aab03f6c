package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jdziat/simple-grid/pkg/config"
)

// testDatabase returns the database the storage tests run against: the
// PostgreSQL server in TEST_DATABASE_URL when set, else in-memory SQLite.
func testDatabase() config.Database {
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return config.Database{Driver: "postgres", DSN: dsn}
	}
	return config.Database{Driver: "sqlite", DSN: ":memory:"}
}

// openTestDB opens the test database through Open. PostgreSQL tables are
// emptied before and after the test and the pool is kept small.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := testDatabase()

	var opts []PoolOption
	if cfg.Driver == "postgres" {
		opts = append(opts, MaxOpenConns(2), MaxIdleConns(1))
	}
	db, err := Open(cfg, opts...)
	require.NoError(t, err, "open %s test db", cfg.Driver)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	if cfg.Driver == "postgres" {
		cleanupPostgresDB(db)
	}
	t.Cleanup(func() {
		if cfg.Driver == "postgres" {
			cleanupPostgresDB(db)
		}
		_ = sqlDB.Close()
	})
	return db
}

func cleanupPostgresDB(db *gorm.DB) {
	for _, tbl := range []string{"host_locks", "code_archives", "jobs"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

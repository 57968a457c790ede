package database

import (
	"testing"

	"github.com/codespin-ai/shaman/pkg/database"
	"github.com/codespin-ai/shaman/test/util"
)

// NewTestClient creates a test database client over an isolated,
// migrated schema.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The container/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	db, dsn := util.SetupTestDatabase(t)

	// Cleanup (schema drop and connection close) is handled by SetupTestDatabase.
	return database.NewClientFromDB(db, database.Config{URL: dsn})
}

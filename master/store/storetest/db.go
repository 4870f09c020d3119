// Package storetest brings up a throwaway database for store-level and service-level tests:
// an in-memory sqlite instance with the full master migration set applied.
package storetest

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/migrations"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

var letters = []rune("abcdefghijklmnopqrstuvwxyz")

func randSeq(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// Connect opens a new in-memory sqlite test database with migrations applied, returning the
// database and a cleanup function. Each call gets its own database: the shared-cache name is
// randomised so parallel tests don't see each other's rows.
func Connect(logFactory logger.LogFactory) (*store.DB, func(), error) {
	connectionString := store.DatabaseConnectionString(
		fmt.Sprintf("file:testdb_%s?mode=memory&cache=shared&_foreign_keys=1", randSeq(10)))

	migrationRunner := migrations.NewMasterGolangMigrateRunner(logFactory)
	db, cleanup, err := store.NewDatabase(context.Background(), store.DatabaseConfig{
		ConnectionString:   connectionString,
		Driver:             store.Sqlite,
		MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
		MaxOpenConnections: store.DefaultDatabaseMaxOpenConnections,
	}, migrationRunner)
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to test database: %w", err)
	}
	return db, cleanup, nil
}

// Package migrations runs the schema-migrate-driven DDL that must exist
// before any other component opens the database: the shared sync cache
// schema and the instance registry's metadata table.
//
// Per-instance user tables ({instance_id}__T and {instance_id}_reorg__T)
// are not migrations — they're created dynamically by the instance
// registry (internal/instance) from the user's schema description.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	migrate "github.com/rubenv/sql-migrate"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/ponder-sh/ponder-core/internal/logger"
)

const upDownSeparator = "-- +migrate Up"

const downMarker = "-- +migrate Down"

// migration is one named, embedded up/down SQL pair.
type migration struct {
	ID  string
	SQL string
}

var coreMigrations = []migration{
	{ID: "001_sync_schema", SQL: syncSchemaMigration},
	{ID: "002_ponder_meta", SQL: ponderMetaMigration},
}

// Run applies every pending core migration against connectionString,
// opening a short-lived database/sql connection (sql-migrate's Exec
// requires one) distinct from the pooled pgxpool connection the rest of
// the core uses.
func Run(ctx context.Context, connectionString, schema string) error {
	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return fmt.Errorf("migrations: open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("migrations: ping: %w", err)
	}

	return runMigrationsDB(db, coreMigrations, migrate.Up, schema)
}

func runMigrationsDB(db *sql.DB, migrations []migration, dir migrate.MigrationDirection, schema string) error {
	migs := &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{}}

	for _, m := range migrations {
		sqlText := strings.ReplaceAll(m.SQL, "/*schema*/", schema)
		upPart, downSQL, _ := strings.Cut(sqlText, downMarker)
		upIdx := strings.Index(upPart, upDownSeparator)
		if upIdx == -1 {
			return fmt.Errorf("migration %s missing %q separator", m.ID, upDownSeparator)
		}

		upSQL := strings.TrimSpace(upPart[upIdx+len(upDownSeparator):])
		downSQL = strings.TrimSpace(downSQL)

		migs.Migrations = append(migs.Migrations, &migrate.Migration{
			Id:   m.ID,
			Up:   []string{upSQL},
			Down: []string{downSQL},
		})
	}

	log := logger.Default().WithComponent("migrations")

	n, err := migrate.Exec(db, "postgres", migs, dir)
	if err != nil {
		return fmt.Errorf("migrations: exec: %w", err)
	}

	log.Infof("ran %d migrations", n)
	return nil
}

// Command sysmanaged-migrate applies the agent-fleet schema's pending
// golang-migrate migrations and exits, for use in deploy scripts ahead of
// starting sysmanaged itself.
package main

import (
	"flag"
	"log"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/migrate"
	"github.com/sysmanage/sysmanage-server/internal/config"
)

func main() {
	cfg := config.Load()

	databaseURL := flag.String("database-url", cfg.DatabaseURL, "postgres connection string")
	migrationsDir := flag.String("migrations-dir", cfg.MigrationsDir, "directory of golang-migrate migration files")
	flag.Parse()

	if err := migrate.Up(*databaseURL, *migrationsDir); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migrations applied")
}

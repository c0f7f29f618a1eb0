// Package migrations embeds the host state schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/wiser-sync/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.RegisterMigrations(migrationsFS, ".")
}

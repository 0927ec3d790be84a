// Package migrations embeds the SQL schema migrations into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/v900-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.Migrations = migrationsFS
	database.MigrationsDir = "."
}

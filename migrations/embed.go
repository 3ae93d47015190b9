// Package migrations compiles the schema history into beamlined so a
// deployment is a single binary: the daemon brings its own SQL and
// applies whatever the catalog file is missing at startup.
package migrations

import (
	"embed"

	"github.com/apsidal/beamline-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

// The database package owns the migration runner but not the files;
// importing this package (blank import in beamlined) hands them over.
func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}

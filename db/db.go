// Package db embeds the SQL migration files so binaries can migrate their
// own schema at startup.
package db

import "embed"

// MigrationsFS holds the versioned schema migrations.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// MigrationsPath is the directory inside MigrationsFS.
const MigrationsPath = "migrations"

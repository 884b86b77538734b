package billing

import "embed"

// Migrations holds the goose migrations of the billing schema, rooted at
// MigrationsDir.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations that holds the files.
const MigrationsDir = "migrations"

package db

import "embed"

// MigrationFS embeds the schema for users, sessions, auth_events and pending_logins.
// Applied by internal/db/migrate (cmd/migrate, or cmd/server with MIGRATE_ON_START).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

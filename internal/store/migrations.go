package store

import (
	"fmt"
	"strings"
)

// migrate creates the schema if it does not exist. DDL is written against
// SQLite and rewritten for the other drivers where the dialects differ
// (auto-increment keys and timestamp types).
func (s *SQL) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			scopes_json TEXT NOT NULL DEFAULT '[]',
			rate_limit_override INTEGER,
			ip_allow_json TEXT NOT NULL DEFAULT '[]',
			rotated_from TEXT NOT NULL DEFAULT '',
			grace_until DATETIME,
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			last_used_at DATETIME,
			version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_status ON api_keys(status)`,

		`CREATE TABLE IF NOT EXISTS admins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_login_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, m := range migrations {
		stmt := s.rewriteDDL(m)
		if _, err := s.db.Exec(stmt); err != nil {
			// Tolerate re-runs: SQLite reports "duplicate column" on
			// repeated ALTERs, MySQL "Duplicate key name" on indexes
			// (it has no CREATE INDEX IF NOT EXISTS).
			if strings.Contains(err.Error(), "duplicate column") ||
				strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

func (s *SQL) rewriteDDL(stmt string) string {
	switch s.driver {
	case "postgres":
		stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		stmt = strings.ReplaceAll(stmt, "DATETIME", "TIMESTAMPTZ")
	case "mysql":
		stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")
		stmt = strings.ReplaceAll(stmt, "key_id TEXT PRIMARY KEY", "key_id VARCHAR(64) PRIMARY KEY")
		stmt = strings.ReplaceAll(stmt, "key TEXT PRIMARY KEY", "`key` VARCHAR(191) PRIMARY KEY")
		stmt = strings.ReplaceAll(stmt, "email TEXT UNIQUE NOT NULL", "email VARCHAR(191) UNIQUE NOT NULL")
		stmt = strings.ReplaceAll(stmt, "status TEXT", "status VARCHAR(16)")
		stmt = strings.ReplaceAll(stmt, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX")
	}
	return stmt
}

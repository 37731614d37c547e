package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keygatedb/keygate/internal/model"
)

// SQL is a KeyStore backed by a relational database. It also persists admin
// accounts and instance settings. Supported drivers: sqlite (embedded,
// default), postgres, mysql.
type SQL struct {
	db     *sqlx.DB
	driver string
}

// driverName maps the config-facing driver name to the registered
// database/sql driver.
func driverName(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return "sqlite", nil
	case "postgres":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", driver)
	}
}

// NewSQL opens a key store on the given driver and DSN.
func NewSQL(driver, dsn string) (*SQL, error) {
	name, err := driverName(driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Connect(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &SQL{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

// NewSQLite opens an embedded SQLite key store under dataDir. Pass empty
// string for in-memory.
func NewSQLite(dataDir string) (*SQL, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return NewSQL("sqlite", dsn)
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

// apiKeyRow maps 1:1 to api_keys columns. Scopes and the IP allow list are
// stored as JSON text so the schema stays portable across drivers.
type apiKeyRow struct {
	KeyID             string     `db:"key_id"`
	SecretHash        string     `db:"secret_hash"`
	Label             string     `db:"label"`
	UserID            string     `db:"user_id"`
	Status            string     `db:"status"`
	ScopesJSON        string     `db:"scopes_json"`
	RateLimitOverride *int64     `db:"rate_limit_override"`
	IPAllowJSON       string     `db:"ip_allow_json"`
	RotatedFrom       string     `db:"rotated_from"`
	GraceUntil        *time.Time `db:"grace_until"`
	CreatedAt         time.Time  `db:"created_at"`
	ExpiresAt         *time.Time `db:"expires_at"`
	LastUsedAt        *time.Time `db:"last_used_at"`
	Version           int64      `db:"version"`
}

func rowFromKey(k *model.APIKey) (apiKeyRow, error) {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal scopes: %w", err)
	}
	ips, err := json.Marshal(k.IPAllowList)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal ip allow list: %w", err)
	}
	return apiKeyRow{
		KeyID:             k.KeyID,
		SecretHash:        k.SecretHash,
		Label:             k.Label,
		UserID:            k.UserID,
		Status:            string(k.Status),
		ScopesJSON:        string(scopes),
		RateLimitOverride: k.RateLimitOverride,
		IPAllowJSON:       string(ips),
		RotatedFrom:       k.RotatedFrom,
		GraceUntil:        k.GraceUntil,
		CreatedAt:         k.CreatedAt,
		ExpiresAt:         k.ExpiresAt,
		LastUsedAt:        k.LastUsedAt,
		Version:           k.Version,
	}, nil
}

func (r apiKeyRow) toKey() (model.APIKey, error) {
	k := model.APIKey{
		KeyID:             r.KeyID,
		SecretHash:        r.SecretHash,
		Label:             r.Label,
		UserID:            r.UserID,
		Status:            model.KeyStatus(r.Status),
		RateLimitOverride: r.RateLimitOverride,
		RotatedFrom:       r.RotatedFrom,
		GraceUntil:        r.GraceUntil,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		LastUsedAt:        r.LastUsedAt,
		Version:           r.Version,
	}
	if r.ScopesJSON != "" {
		if err := json.Unmarshal([]byte(r.ScopesJSON), &k.Scopes); err != nil {
			return k, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	if r.IPAllowJSON != "" {
		if err := json.Unmarshal([]byte(r.IPAllowJSON), &k.IPAllowList); err != nil {
			return k, fmt.Errorf("unmarshal ip allow list: %w", err)
		}
	}
	return k, nil
}

// ---------------------------------------------------------------------------
// KeyStore
// ---------------------------------------------------------------------------

func (s *SQL) Get(ctx context.Context, keyID string) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind("SELECT * FROM api_keys WHERE key_id = ?")
	if err := s.db.GetContext(ctx, &row, q, keyID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k, err := row.toKey()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQL) Put(ctx context.Context, key *model.APIKey) error {
	key.Version++
	row, err := rowFromKey(key)
	if err != nil {
		key.Version--
		return err
	}

	// Delete and insert run in one transaction so a replaced record is
	// never half-gone.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		key.Version--
		return fmt.Errorf("put api key: %w", err)
	}
	defer tx.Rollback()

	del := tx.Rebind("DELETE FROM api_keys WHERE key_id = ?")
	if _, err := tx.ExecContext(ctx, del, key.KeyID); err != nil {
		key.Version--
		return fmt.Errorf("replace api key: %w", err)
	}

	const q = `INSERT INTO api_keys
		(key_id, secret_hash, label, user_id, status, scopes_json, rate_limit_override,
		 ip_allow_json, rotated_from, grace_until, created_at, expires_at,
		 last_used_at, version)
		VALUES
		(:key_id, :secret_hash, :label, :user_id, :status, :scopes_json, :rate_limit_override,
		 :ip_allow_json, :rotated_from, :grace_until, :created_at, :expires_at,
		 :last_used_at, :version)`
	if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
		key.Version--
		return fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		key.Version--
		return fmt.Errorf("put api key: %w", err)
	}
	return nil
}

func (s *SQL) CompareAndSwap(ctx context.Context, key *model.APIKey, expectedVersion int64) error {
	key.Version = expectedVersion + 1
	row, err := rowFromKey(key)
	if err != nil {
		return err
	}

	q := s.db.Rebind(`UPDATE api_keys SET
		secret_hash = ?, label = ?, user_id = ?, status = ?, scopes_json = ?,
		rate_limit_override = ?, ip_allow_json = ?, rotated_from = ?,
		grace_until = ?, expires_at = ?, version = ?
		WHERE key_id = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, q,
		row.SecretHash, row.Label, row.UserID, row.Status, row.ScopesJSON,
		row.RateLimitOverride, row.IPAllowJSON, row.RotatedFrom,
		row.GraceUntil, row.ExpiresAt, row.Version,
		row.KeyID, expectedVersion)
	if err != nil {
		return fmt.Errorf("cas api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas api key rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing record.
		if _, err := s.Get(ctx, key.KeyID); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *SQL) List(ctx context.Context) ([]model.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM api_keys ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *SQL) Touch(ctx context.Context, keyID string, at time.Time) error {
	q := s.db.Rebind("UPDATE api_keys SET last_used_at = ? WHERE key_id = ?")
	res, err := s.db.ExecContext(ctx, q, at.UTC(), keyID)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Admin accounts
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account. The ID and timestamps are
// populated after a successful insert.
func (s *SQL) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now

	const q = `INSERT INTO admins (email, password_hash, name, is_active, created_at, updated_at)
		VALUES (:email, :password_hash, :name, :is_active, :created_at, :updated_at)`
	res, err := s.db.NamedExecContext(ctx, q, admin)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		admin.ID = id
	}
	return nil
}

// GetAdminByEmail returns an admin account by email.
func (s *SQL) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	q := s.db.Rebind("SELECT * FROM admins WHERE email = ?")
	if err := s.db.GetContext(ctx, &admin, q, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns every admin account, newest first.
func (s *SQL) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var admins []model.Admin
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists.
func (s *SQL) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin records a successful login.
func (s *SQL) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	q := s.db.Rebind("UPDATE admins SET last_login_at = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, q, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// settingKeyCol quotes the settings key column for MySQL, where "key" is a
// reserved word.
func (s *SQL) settingKeyCol() string {
	if s.driver == "mysql" {
		return "`key`"
	}
	return "key"
}

// GetSetting returns a setting value, or ErrNotFound.
func (s *SQL) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	q := s.db.Rebind("SELECT value FROM settings WHERE " + s.settingKeyCol() + " = ?")
	if err := s.db.GetContext(ctx, &value, q, key); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a setting value.
func (s *SQL) SetSetting(ctx context.Context, key, value string) error {
	del := s.db.Rebind("DELETE FROM settings WHERE " + s.settingKeyCol() + " = ?")
	if _, err := s.db.ExecContext(ctx, del, key); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	ins := s.db.Rebind("INSERT INTO settings (" + s.settingKeyCol() + ", value) VALUES (?, ?)")
	if _, err := s.db.ExecContext(ctx, ins, key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

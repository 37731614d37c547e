package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAdminDisabled      = errors.New("admin account disabled")
)

// DefaultTokenTTL is the lifetime of issued admin session tokens.
const DefaultTokenTTL = 24 * time.Hour

// AdminStore is the slice of the SQL store the auth service needs.
type AdminStore interface {
	CreateAdmin(ctx context.Context, admin *model.Admin) error
	GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error)
	HasAnyAdmin(ctx context.Context) (bool, error)
	UpdateAdminLastLogin(ctx context.Context, id int64) error
}

// JWTPrincipal identifies the admin behind a validated bearer token.
type JWTPrincipal struct {
	AdminID int64
	Email   string
}

// Auth handles admin login and bearer-token validation for the admin API.
type Auth struct {
	admins    AdminStore
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewAuth(admins AdminStore, jwtSecret string) *Auth {
	return &Auth{
		admins:    admins,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  DefaultTokenTTL,
	}
}

// Login verifies the email/password pair and returns a signed session
// token. Unknown emails and wrong passwords are indistinguishable.
func (s *Auth) Login(ctx context.Context, email, password string) (*model.Admin, string, error) {
	admin, err := s.admins.GetAdminByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn a comparison so the unknown-email path is not faster.
			VerifyPassword(password, "0000$0000")
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if !VerifyPassword(password, admin.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}
	if !admin.IsActive {
		return nil, "", ErrAdminDisabled
	}

	token, err := s.IssueJWT(admin.ID, admin.Email, s.tokenTTL)
	if err != nil {
		return nil, "", err
	}

	// Fire and forget; login does not block on bookkeeping.
	go s.admins.UpdateAdminLastLogin(context.Background(), admin.ID)

	return admin, token, nil
}

// CreateAdmin hashes the password and persists the account.
func (s *Auth) CreateAdmin(ctx context.Context, email, password, name string) (*model.Admin, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	admin := &model.Admin{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		Name:         name,
		IsActive:     true,
	}
	if err := s.admins.CreateAdmin(ctx, admin); err != nil {
		return nil, err
	}
	return admin, nil
}

// ValidateJWT verifies a bearer token and returns the admin identity.
func (s *Auth) ValidateJWT(tokenStr string) (*JWTPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &JWTPrincipal{
		AdminID: claims.AdminID,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a new signed session token for the given admin.
func (s *Auth) IssueJWT(adminID int64, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		AdminID: adminID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keygate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	jwt.RegisteredClaims
}

// HashPassword returns a salted SHA-256 hash in salt$digest form.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := sha256.Sum256(append(salt, []byte(password)...))
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(sum[:]), nil
}

// VerifyPassword checks a password against a salt$digest hash in constant
// time.
func VerifyPassword(password, stored string) bool {
	saltHex, digestHex, ok := strings.Cut(stored, "$")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(append(salt, []byte(password)...))
	return hmac.Equal([]byte(hex.EncodeToString(sum[:])), []byte(digestHex))
}

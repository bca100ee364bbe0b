package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/chipbank/backend/internal/config"
	"github.com/chipbank/backend/internal/models"
)

// AuthService issues the JWTs the middleware turns back into Principals.
// It only creates player accounts; admins are provisioned at boot.
type AuthService struct {
	accounts *AccountStore
	redis    *redis.Client
	jwtCfg   config.JWTConfig
}

func NewAuthService(accounts *AccountStore, rdb *redis.Client, jwtCfg config.JWTConfig) *AuthService {
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)

	return &AuthService{accounts: accounts, redis: rdb, jwtCfg: jwtCfg}
}

// Register creates a player account and signs it in.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.LoginResponse, error) {
	hashed, err := hashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account := &models.Account{
		Email:           req.Email,
		DisplayName:     req.DisplayName,
		Role:            models.RolePlayer,
		RecoveryEnabled: true,
		PasswordHash:    hashed,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	token, err := s.generateJWT(account)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	log.Info().Str("account_id", account.ID).Str("email", account.Email).Msg("account registered")
	return &models.LoginResponse{Token: token, Account: account}, nil
}

// Login authenticates by email and password.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	account, err := s.accounts.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !verifyPassword(req.Password, account.PasswordHash) {
		log.Warn().Str("account_id", account.ID).Msg("login rejected: bad password")
		return nil, ErrInvalidCredentials
	}

	token, err := s.generateJWT(account)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	log.Info().Str("account_id", account.ID).Msg("login successful")
	return &models.LoginResponse{Token: token, Account: account}, nil
}

// Logout revokes the presented token until it would have expired anyway.
// Without redis there is no blacklist and logout is a client-side affair.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	if s.redis == nil || token == "" {
		return nil
	}
	ttl := time.Duration(s.jwtCfg.ExpiryHours) * time.Hour
	if err := s.redis.Set(ctx, "blacklist:"+token, "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	log.Info().Msg("token revoked")
	return nil
}

// EnsureAdmin provisions the boot admin account if it does not exist yet.
func (s *AuthService) EnsureAdmin(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil
	}

	if _, err := s.accounts.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin := &models.Account{
		Email:        email,
		DisplayName:  "Administrator",
		Role:         models.RoleAdmin,
		PasswordHash: hashed,
	}
	if err := s.accounts.Create(ctx, admin); err != nil {
		return err
	}
	log.Info().Str("account_id", admin.ID).Str("email", email).Msg("boot admin provisioned")
	return nil
}

func (s *AuthService) generateJWT(account *models.Account) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": account.ID,
		"role":       account.Role,
		"exp":        time.Now().Add(time.Duration(s.jwtCfg.ExpiryHours) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(s.jwtCfg.SecretKey))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}

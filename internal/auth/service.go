package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/config"
)

type Permission string

const (
	PermOperator Permission = "operator"
	PermAdmin    Permission = "admin"
)

// Identity is the authenticated caller: an operator from the config or a
// named service token.
type Identity struct {
	Username string
	Role     string
}

// Service authenticates operators and service tokens declared in the
// server configuration. There is no user database; the config is the
// single source of accounts.
type Service struct {
	jwtHandler    *JWTHandler
	hasher        *Hasher
	operators     map[string]config.Operator
	serviceTokens map[string]config.ServiceToken
	refresh       *RefreshStore
	logger        *zap.Logger
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) *Service {
	operators := make(map[string]config.Operator, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op.Username] = op
	}

	serviceTokens := make(map[string]config.ServiceToken, len(cfg.ServiceTokens))
	for _, st := range cfg.ServiceTokens {
		serviceTokens[st.TokenHash] = st
	}

	return &Service{
		jwtHandler:    NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		hasher:        NewHasher(DefaultParams()),
		operators:     operators,
		serviceTokens: serviceTokens,
		refresh:       NewRefreshStore(),
		logger:        logger,
	}
}

// Login authenticates an operator and returns an access and a refresh
// token.
func (s *Service) Login(username, password string) (accessToken, refreshToken string, err error) {
	op, ok := s.operators[username]
	if !ok {
		s.logger.Warn("login failed", zap.String("username", username), zap.String("reason", "unknown operator"))
		return "", "", fmt.Errorf("invalid credentials")
	}

	valid, err := Verify(password, op.PasswordHash)
	if err != nil || !valid {
		s.logger.Warn("login failed", zap.String("username", username), zap.String("reason", "invalid password"))
		return "", "", fmt.Errorf("invalid credentials")
	}

	accessToken, err = s.jwtHandler.GenerateAccessToken(op.Username, op.Role)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err = s.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	expiresAt := time.Now().Add(s.jwtHandler.refreshTokenTTL)
	s.refresh.Store(hashRefreshToken(refreshToken), op.Username, expiresAt)

	s.logger.Info("operator logged in", zap.String("username", username))
	return accessToken, refreshToken, nil
}

// Refresh rotates a refresh token and issues a new access token.
func (s *Service) Refresh(refreshToken string) (string, string, error) {
	tokenHash := hashRefreshToken(refreshToken)

	username, ok := s.refresh.Lookup(tokenHash)
	if !ok {
		return "", "", fmt.Errorf("invalid refresh token")
	}

	op, ok := s.operators[username]
	if !ok {
		// operator removed from the config since login
		s.refresh.Revoke(tokenHash)
		return "", "", fmt.Errorf("invalid refresh token")
	}

	s.refresh.Revoke(tokenHash)

	accessToken, err := s.jwtHandler.GenerateAccessToken(op.Username, op.Role)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	newRefreshToken, err := s.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	expiresAt := time.Now().Add(s.jwtHandler.refreshTokenTTL)
	s.refresh.Store(hashRefreshToken(newRefreshToken), op.Username, expiresAt)

	return accessToken, newRefreshToken, nil
}

// RevokeRefreshToken invalidates a refresh token.
func (s *Service) RevokeRefreshToken(refreshToken string) {
	s.refresh.Revoke(hashRefreshToken(refreshToken))
}

// ValidateToken accepts either an operator access token or a service
// token and resolves the caller identity.
func (s *Service) ValidateToken(token string) (*Identity, error) {
	if claims, err := s.jwtHandler.ValidateAccessToken(token); err == nil {
		return &Identity{Username: claims.Username, Role: claims.Role}, nil
	}

	if !ValidServiceTokenFormat(token) {
		return nil, fmt.Errorf("invalid token")
	}

	st, ok := s.serviceTokens[HashToken(token)]
	if !ok {
		s.logger.Warn("unknown service token presented")
		return nil, fmt.Errorf("invalid token")
	}

	return &Identity{Username: st.Name, Role: st.Role}, nil
}

// HashPassword derives a config-storable operator password hash.
func (s *Service) HashPassword(password string) (string, error) {
	return s.hasher.Hash(password)
}

// RolePermissions expands a role into its permission set.
func RolePermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermAdmin}
	default:
		return []Permission{PermOperator}
	}
}

func hashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

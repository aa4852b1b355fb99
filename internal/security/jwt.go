// Package security implements the five facades of the Security Pipeline
// (§4.6): JWT lifecycle, rate limiting, content validation, directory
// guard, and audit batching, composed by pipeline.go into the single
// operation the router consumes.
package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hostbridge/agentd/internal/model"
)

var (
	// ErrTokenExpired distinguishes an expired token from any other
	// validation failure, mirroring the teacher's auth package.
	ErrTokenExpired = errors.New("security: token expired")
	// ErrTokenInvalid covers tampered signature, revoked jti, or a
	// malformed token — anything that isn't specifically expiry.
	ErrTokenInvalid = errors.New("security: token invalid")
)

// Claims holds the custom JWT claims carried by every agent token (§3).
type Claims struct {
	jwt.RegisteredClaims
	AgentID      string   `json:"agentId"`
	MachineID    string   `json:"machineId"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// JWTManager issues and validates HS256 tokens signed with a shared
// symmetric secret, adapted from the teacher's RS256/file-key-pair
// JWTManager (server/internal/auth/jwt.go) to the spec's single shared
// secret (§4.6): "symmetric-secret signed tokens".
type JWTManager struct {
	secret []byte
	cfg    model.JWTConfig

	mu       sync.Mutex
	revoked  map[string]time.Time // jti -> revoked-until
}

// NewJWTManager creates a JWTManager from the configured secret.
func NewJWTManager(cfg model.JWTConfig) *JWTManager {
	return &JWTManager{
		secret:  []byte(cfg.Secret),
		cfg:     cfg,
		revoked: make(map[string]time.Time),
	}
}

// CreateToken mints a token for (agentID, machineID, capabilities).
func (m *JWTManager) CreateToken(agentID, machineID string, capabilities []string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.Expiry())),
			ID:        uuid.NewString(),
		},
		AgentID:      agentID,
		MachineID:    machineID,
		Capabilities: capabilities,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("security: signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies tokenString. A tampered signature, an
// expired token, or a revoked jti all resolve to "not a token" per §4.6 —
// callers that need to distinguish expiry use errors.Is(err, ErrTokenExpired).
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("security: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if m.isRevoked(claims.ID) {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// RefreshToken issues a replacement token iff now >= iat + rotationInterval,
// otherwise returns the claims unchanged with the same token string.
func (m *JWTManager) RefreshToken(tokenString string) (string, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	if time.Since(claims.IssuedAt.Time) < m.cfg.RotationInterval() {
		return tokenString, nil
	}
	return m.CreateToken(claims.AgentID, claims.MachineID, claims.Capabilities)
}

// RevokeToken adds jti to the revocation list for the configured TTL.
func (m *JWTManager) RevokeToken(jti string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = time.Now().Add(m.cfg.RevocationTTL())
}

func (m *JWTManager) isRevoked(jti string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.revoked[jti]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(m.revoked, jti)
		return false
	}
	return true
}

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload of internal platform tokens. The scheduler
// mints one per queued execution so the worker's recursive A2A calls
// carry the originating tenant, run and task.
type Claims struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId,omitempty"`
	RunID          string `json:"runId,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies internal bearer tokens with a shared
// HS256 secret. The secret is read-only after startup; rotation is a
// restart.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewTokenService builds a token service. ttl bounds how long a minted
// token stays valid.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl, issuer: "shaman"}
}

// Mint signs a token for the given identity.
func (s *TokenService) Mint(id *Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		OrganizationID: id.OrgID,
		UserID:         id.UserID,
		RunID:          id.RunID,
		TaskID:         id.TaskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token and returns the identity it
// carries. Every failure mode collapses into ErrInvalidCredentials.
func (s *TokenService) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrInvalidCredentials
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.OrganizationID == "" {
		return nil, ErrInvalidCredentials
	}

	return &Identity{
		OrgID:   claims.OrganizationID,
		UserID:  claims.UserID,
		RunID:   claims.RunID,
		TaskID:  claims.TaskID,
		Persona: PersonaInternal,
	}, nil
}

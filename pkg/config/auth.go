package config

import "time"

// AuthConfig contains authentication settings shared by both personas.
type AuthConfig struct {
	// JWTSecret signs and verifies internal platform tokens (JWT_SECRET).
	// Required whenever the internal listener is enabled.
	JWTSecret string

	// JWTTTL is the lifetime of platform-minted JWTs handed to workers
	// for recursive agent-to-agent calls.
	JWTTTL time.Duration
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		JWTTTL: 1 * time.Hour,
	}
}

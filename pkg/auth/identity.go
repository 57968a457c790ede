// Package auth covers both credential types of the platform: opaque API
// keys for external callers on the public persona and HS256 JWTs minted
// for workers on the internal persona. Authentication resolves a
// credential to an Identity carrying the tenant every downstream call is
// scoped to.
package auth

import "errors"

// ErrInvalidCredentials is returned for any unusable credential: missing,
// malformed, unknown, disabled, or expired. Callers must not leak which.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Persona distinguishes the two server surfaces.
type Persona string

const (
	PersonaPublic   Persona = "public"
	PersonaInternal Persona = "internal"
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	// OrgID is the tenant every store call is scoped to. Always set.
	OrgID string

	// UserID identifies the human principal when known.
	UserID string

	// KeyID is the api_keys row that authenticated a public request.
	KeyID string

	// RunID and TaskID tie an internal token to the execution that
	// minted it, for recursion bookkeeping and audit logs.
	RunID  string
	TaskID string

	// Persona is the surface that authenticated the request.
	Persona Persona
}

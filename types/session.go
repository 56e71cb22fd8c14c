package types

import (
	"encoding/json"
	"time"
)

// SessionKind identifies the shape of stored authentication material.
type SessionKind string

const (
	// SessionCookies is a serialized HTTP cookie jar.
	SessionCookies SessionKind = "cookies"
	// SessionStorageState is opaque browser storage state owned by the executor.
	SessionStorageState SessionKind = "storage_state"
	// SessionOAuth2Token is an OAuth2 token (access + refresh).
	SessionOAuth2Token SessionKind = "oauth2_token"
)

// SessionState is reusable authentication material for one external service.
// Owned by exactly one component and never referenced by the ledger.
type SessionState struct {
	Service string          `json:"service"`
	Kind    SessionKind     `json:"kind"`
	Data    json.RawMessage `json:"data"`
	SavedAt time.Time       `json:"saved_at"`
}

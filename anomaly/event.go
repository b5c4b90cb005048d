package anomaly

import (
	"time"
)

// EventType classifies a security-relevant action.
type EventType string

const (
	EventLoginFailed     EventType = "login_failed"
	EventLoginSuccess    EventType = "login_success"
	EventUserNotFound    EventType = "user_not_found"
	EventEmailCheck      EventType = "email_check"
	EventTokenExpired    EventType = "token_expired"
	EventTokenRevoked    EventType = "token_revoked"
	EventRouteNotFound   EventType = "route_not_found"
	EventDataExport      EventType = "data_export"
	EventAccessDenied    EventType = "access_denied"
	EventSessionMismatch EventType = "session_mismatch"
	EventPinAttempt      EventType = "pin_attempt"

	// EventUnauthorized is a request without valid credentials. No default
	// pattern counts it: expired access tokens produce it routinely.
	EventUnauthorized EventType = "unauthorized"
)

// Metadata keys read by the default patterns.
const (
	MetaUsername  = "username"
	MetaLatitude  = "lat"
	MetaLongitude = "lon"
	MetaPath      = "path"
	MetaRecords   = "records"
	// MetaPin should carry a digest of the attempted PIN, never the PIN.
	MetaPin = "pin"
)

// Event is one observation. Events are immutable once tracked.
type Event struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id,omitempty"`
	IPAddress string            `json:"ip_address"`
	UserAgent string            `json:"user_agent,omitempty"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

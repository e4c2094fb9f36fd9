package session

import "time"

// Session is one browser-side pairing target identified by its code.
type Session struct {
	Code         string    `json:"code"`
	CreatedAt    time.Time `json:"createdAt"`
	TTLSeconds   int       `json:"ttl"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// Remaining returns how long the session has left relative to now.
func (s Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CreateResponse is the public shape returned on session creation.
type CreateResponse struct {
	Code      string    `json:"code"`
	TTL       int       `json:"ttl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateRequest carries the optional capability tags declared by the caller.
type CreateRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

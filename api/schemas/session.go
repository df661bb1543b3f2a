package schemas

import "time"

// -- Session Models --
// One operator maps to at most one live browser session. Authenticated state
// is carried entirely by cookies, which are persisted between runs so an
// operator does not re-authenticate on every job.

// Cookie is a browser cookie in a driver-neutral shape. A zero Expires means
// a session cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	SameSite string    `json:"same_site,omitempty"`
}

// SessionRecord is the persisted authenticated state for one operator.
// Records past Expiry are never used to seed a session.
type SessionRecord struct {
	UserID  string    `json:"user_id"`
	Cookies []Cookie  `json:"cookies"`
	SavedAt time.Time `json:"saved_at"`
	Expiry  time.Time `json:"expiry"`
}

// Expired reports whether the record must not be used at the given time.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !r.Expiry.IsZero() && !now.Before(r.Expiry)
}

// Credentials authenticate one operator against the target application.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// UserIdentity labels jobs and reports with a human-readable operator name.
type UserIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// ReleaseOutcome tells the session pool how a job run left the session.
type ReleaseOutcome string

const (
	// ReleaseHealthy keeps the session warm and refreshes its persisted
	// cookies.
	ReleaseHealthy ReleaseOutcome = "HEALTHY"
	// ReleaseEvict tears the session down and clears its persisted record.
	// Used after stale-session, auth and protocol-abort failures.
	ReleaseEvict ReleaseOutcome = "EVICT"
)

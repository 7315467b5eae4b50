// Package session implements the per-customer session store: sliding expiry, guarded state
// changes, the bounded AI context window and the periodic sweep.
package session

import "time"

// DefaultTTL is how long a session stays alive after its last touch.
const DefaultTTL = 30 * time.Minute

// DefaultContextLimit is the number of AI context turns kept per session.
const DefaultContextLimit = 10

// Policy decides session liveness. It holds no state besides the TTL.
type Policy struct {
	TTL time.Duration
}

// Alive reports whether a session expiring at expiresAt is still live at now. Liveness depends only
// on expiresAt; TTL matters when the deadline is set (see Deadline).
func (p Policy) Alive(expiresAt, now time.Time) bool {
	return now.Before(expiresAt)
}

// Deadline returns the expiry of a session touched at now.
func (p Policy) Deadline(now time.Time) time.Time {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.Add(ttl)
}

package domain

import "time"

// DistributedLock is an ephemeral coordination record claiming the exclusive
// right to perform one non-idempotent external call for a user. It is a
// correlation key, not an owned child of any entity: created on acquire,
// deleted on release, and treated as free by every reader once ExpiresAt has
// passed even if the row was never deleted (crash recovery).
type DistributedLock struct {
	ID        string    `bson:"_id,omitempty" json:"id,omitempty"`
	LockName  string    `bson:"lock_name" json:"lock_name"`
	UserID    string    `bson:"user_id" json:"user_id"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
}

// Expired reports whether the lock has outlived its TTL.
func (l *DistributedLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

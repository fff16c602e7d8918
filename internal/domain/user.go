package domain

import (
	"math"
	"time"
)

// DefaultStartingCredits is the allowance granted to a user record on first sign-in.
const DefaultStartingCredits = 20

const (
	// MaxTopOff is the largest amount a single credit operation may add.
	MaxTopOff = 100_000
	// MaxCredits is the balance ceiling. It fits a signed 32-bit column.
	MaxCredits = math.MaxInt32
)

// UserRecord is the durable per-user ledger record.
type UserRecord struct {
	UserID    string
	Email     string
	Name      string
	PhotoURL  string
	Credits   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Profile is the identity data handed over by the external identity provider.
type Profile struct {
	UserID   string
	Email    string
	Name     string
	PhotoURL string
}

// Purchase records a plan top-off together with the credits it granted.
type Purchase struct {
	ID        string
	UserID    string
	Plan      string
	Credits   int
	CreatedAt time.Time
}

// UsageEntry is the audit record of one debited chat request.
type UsageEntry struct {
	UserID     string
	RequestID  string
	Outcome    string
	Chunks     int
	OutputSize int
	StartedAt  time.Time
	FinishedAt time.Time
	TTL        int64
}

package models

import "time"

// Account status values. Blocked is terminal: the pool never promotes an
// account back out of it.
const (
	StatusActive  = "active"
	StatusBlocked = "blocked"
)

// Quota type classification, derived from the upstream request-limit info.
const (
	QuotaTypeUnlimited = "unlimited"
	QuotaTypeHigh      = "high"
	QuotaTypeNormal    = "normal"
	QuotaTypeUnknown   = "unknown"
)

// Account is one Warp credential row. Email is the pool-wide key. The lock
// columns back the leasing protocol and are only written through the store's
// compare-and-swap helpers, never with whole-row saves.
type Account struct {
	ID    uint   `gorm:"primaryKey"`
	Email string `gorm:"uniqueIndex"`

	// Credential bundle from Firebase.
	LocalID        string
	IDToken        string
	RefreshToken   string
	TokenExpiresAt time.Time `gorm:"index"`

	Status string `gorm:"index;default:active"`

	// Lock. Empty LockSessionID means unlocked; a row whose LockExpiresAt has
	// passed counts as unlocked even when LockSessionID is still set.
	LockSessionID string `gorm:"index"`
	LockExpiresAt time.Time

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastUsedAt    *time.Time
	LastRefreshAt *time.Time
	UseCount      int64

	// Quota snapshot, zero until the first credits refresh.
	RequestLimit      int64
	RequestsUsed      int64
	RequestsRemaining int64
	IsUnlimited       bool
	QuotaType         string
	RefreshDuration   string
	NextRefreshTime   *time.Time
	CreditsUpdatedAt  *time.Time

	// Opaque to the pool, carried through for the protocol bridge.
	ProxyInfo string
	UserAgent string
}

// Locked reports whether the row holds a live lock at the given instant.
func (a *Account) Locked(now time.Time) bool {
	return a.LockSessionID != "" && a.LockExpiresAt.After(now)
}

// Allocatable reports whether the row may be handed to a new lease.
func (a *Account) Allocatable(now time.Time) bool {
	return a.Status == StatusActive && !a.Locked(now)
}

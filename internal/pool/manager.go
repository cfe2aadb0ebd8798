package pool

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hulisang/warp-pool/internal/store"
)

// Lease is one allocation event: a set of accounts granted exclusively to one
// session until ExpiresAt. The durable exclusivity lives in the per-account
// lock rows; the Lease record itself is in-memory session bookkeeping.
type Lease struct {
	SessionID string
	Emails    []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager turns the store's single-account lock primitives into
// multi-account, all-or-nothing leasing.
type Manager struct {
	store *store.Store

	mu       sync.Mutex
	sessions map[string]*Lease
}

func NewManager(st *store.Store) *Manager {
	return &Manager{
		store:    st,
		sessions: make(map[string]*Lease),
	}
}

// Allocate locks count allocatable accounts under a fresh session ID.
// Candidates that lose a lock race are skipped and the next one is tried; if
// fewer than count end up locked every acquired lock is rolled back and
// ErrInsufficientAccounts is returned.
func (m *Manager) Allocate(count int, ttl time.Duration) (*Lease, error) {
	if count < 1 {
		return nil, fmt.Errorf("allocate: count must be at least 1, got %d", count)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("allocate: ttl must be positive, got %s", ttl)
	}

	candidates, err := m.store.ListAllocatable()
	if err != nil {
		return nil, fmt.Errorf("allocate: list candidates: %w", err)
	}

	sessionID := uuid.NewString()
	locked := make([]string, 0, count)
	for _, acc := range candidates {
		// A concurrent allocate may have claimed this row since the list;
		// a failed TryLock just drops the candidate.
		if m.store.TryLock(acc.Email, sessionID, ttl) {
			locked = append(locked, acc.Email)
			if len(locked) == count {
				break
			}
		}
	}

	if len(locked) < count {
		for _, email := range locked {
			m.store.Unlock(email, sessionID)
		}
		log.Printf("⚠️ Allocation failed: wanted %d, locked %d of %d candidates", count, len(locked), len(candidates))
		return nil, ErrInsufficientAccounts
	}

	now := time.Now()
	lease := &Lease{
		SessionID: sessionID,
		Emails:    locked,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	m.mu.Lock()
	m.sessions[sessionID] = lease
	m.mu.Unlock()

	if err := m.store.TouchUsage(locked); err != nil {
		log.Printf("⚠️ Failed to stamp usage for session %s: %v", sessionID, err)
	}
	log.Printf("✅ Allocated %d accounts, session %s (expires %s)", len(locked), sessionID, lease.ExpiresAt.Format(time.RFC3339))
	return lease, nil
}

// Release unlocks every account in the lease and discards it. Unlocks are
// best-effort per account: a lock whose TTL lapsed and was reclaimed by
// another session is simply skipped. A second Release of the same session
// returns ErrNotFound without touching anything.
func (m *Manager) Release(sessionID string) error {
	m.mu.Lock()
	lease, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	for _, email := range lease.Emails {
		m.store.Unlock(email, sessionID)
	}
	log.Printf("🔓 Released session %s (%d accounts)", sessionID, len(lease.Emails))
	return nil
}

// Extend pushes the lease and all its locks out to now+ttl without
// re-validating allocatability.
func (m *Manager) Extend(sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("extend: ttl must be positive, got %s", ttl)
	}

	m.mu.Lock()
	lease, ok := m.sessions[sessionID]
	if ok {
		lease.ExpiresAt = time.Now().Add(ttl)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	for _, email := range lease.Emails {
		m.store.ExtendLock(email, sessionID, ttl)
	}
	return nil
}

// SweepExpired drops leases past their expiry and unlocks whatever locks they
// still own. Lock rows would lapse on their own; the sweep keeps the session
// table from growing and is what makes Status's session count honest.
func (m *Manager) SweepExpired() int {
	now := time.Now()

	m.mu.Lock()
	var expired []*Lease
	for id, lease := range m.sessions {
		if now.After(lease.ExpiresAt) {
			expired = append(expired, lease)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, lease := range expired {
		for _, email := range lease.Emails {
			m.store.Unlock(email, lease.SessionID)
		}
		log.Printf("🧹 Swept expired session %s", lease.SessionID)
	}
	return len(expired)
}

// Evict removes the email from any live lease and clears its lock. Used when
// an account is blocked out from under a caller.
func (m *Manager) Evict(email string) {
	m.mu.Lock()
	for _, lease := range m.sessions {
		for i, e := range lease.Emails {
			if e == email {
				lease.Emails = append(lease.Emails[:i], lease.Emails[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if err := m.store.ClearLock(email); err != nil {
		log.Printf("⚠️ Failed to clear lock for %s: %v", email, err)
	}
}

// ActiveSessions counts leases that have not expired yet.
func (m *Manager) ActiveSessions() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, lease := range m.sessions {
		if lease.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}

// Sessions returns a snapshot of live leases for status reporting.
func (m *Manager) Sessions() []Lease {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lease, 0, len(m.sessions))
	for _, lease := range m.sessions {
		if lease.ExpiresAt.After(now) {
			cp := *lease
			cp.Emails = append([]string(nil), lease.Emails...)
			out = append(out, cp)
		}
	}
	return out
}

// Package store implements durable, concurrency-safe storage for pool
// accounts. Every cross-account guarantee in the pool is built from the
// single-row compare-and-swap primitives here (TryLock/Unlock/ExtendLock);
// there is no global lock across accounts.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/hulisang/warp-pool/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no account row exists for the email.
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate is returned by Create when the email is already registered.
	ErrDuplicate = errors.New("account already exists")
)

// Store is the account repository. All methods are safe for concurrent use;
// sqlite serializes writes, which is what makes TryLock linearizable per row.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CredentialUpdate carries the fields written after a token refresh.
// An empty RefreshToken keeps the stored one (Firebase only rotates
// refresh tokens occasionally).
type CredentialUpdate struct {
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// QuotaUpdate carries the quota snapshot fields written after a credits query.
type QuotaUpdate struct {
	RequestLimit      int64
	RequestsUsed      int64
	RequestsRemaining int64
	IsUnlimited       bool
	QuotaType         string
	RefreshDuration   string
	NextRefreshTime   *time.Time
}

// ListFilter narrows List. Zero values mean "no constraint".
type ListFilter struct {
	Status string
	Locked *bool
}

func (s *Store) Get(email string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.Where("email = ?", email).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// Create inserts a brand-new account row.
func (s *Store) Create(acc *models.Account) error {
	if err := s.db.Create(acc).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Upsert inserts or fully replaces the row for acc.Email. Used by the
// registrar; the daemon and façade use the targeted field updates instead.
func (s *Store) Upsert(acc *models.Account) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		UpdateAll: true,
	}).Create(acc).Error
}

func (s *Store) List(f ListFilter) ([]models.Account, error) {
	q := s.db.Model(&models.Account{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Locked != nil {
		now := time.Now()
		if *f.Locked {
			q = q.Where("lock_session_id <> '' AND lock_expires_at > ?", now)
		} else {
			q = q.Where("lock_session_id = '' OR lock_expires_at <= ?", now)
		}
	}
	var accounts []models.Account
	if err := q.Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListPage returns one page of accounts plus the unpaged total, newest first.
func (s *Store) ListPage(status string, limit, offset int) ([]models.Account, int64, error) {
	q := s.db.Model(&models.Account{})
	if status != "" && status != "all" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var accounts []models.Account
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&accounts).Error; err != nil {
		return nil, 0, err
	}
	return accounts, total, nil
}

// ListAllocatable returns active, unlocked rows ordered least-recently-used
// first, so allocation rotates through the pool.
func (s *Store) ListAllocatable() ([]models.Account, error) {
	now := time.Now()
	var accounts []models.Account
	err := s.db.
		Where("status = ? AND (lock_session_id = '' OR lock_expires_at <= ?)", models.StatusActive, now).
		Order("COALESCE(last_used_at, created_at) ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListExpiring returns active rows whose credential expires before the
// threshold, soonest first. Used by the refresh daemon's scan.
func (s *Store) ListExpiring(before time.Time) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.
		Where("status = ? AND token_expires_at <= ?", models.StatusActive, before).
		Order("token_expires_at ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// TryLock atomically claims the row for sessionID. It succeeds only when the
// row is active and unlocked (or its previous lock has lapsed); of any two
// concurrent calls on the same email at most one wins. Errors are treated as
// a lost race: the caller just moves on to the next candidate.
func (s *Store) TryLock(email, sessionID string, ttl time.Duration) bool {
	now := time.Now()
	res := s.db.Model(&models.Account{}).
		Where("email = ? AND status = ? AND (lock_session_id = '' OR lock_expires_at <= ?)",
			email, models.StatusActive, now).
		Updates(map[string]interface{}{
			"lock_session_id": sessionID,
			"lock_expires_at": now.Add(ttl),
		})
	return res.Error == nil && res.RowsAffected == 1
}

// Unlock clears the lock only if sessionID still owns it. Returns false
// (no-op) otherwise, including when the row is already unlocked or the lapsed
// lock was reclaimed by another session.
func (s *Store) Unlock(email, sessionID string) bool {
	res := s.db.Model(&models.Account{}).
		Where("email = ? AND lock_session_id = ?", email, sessionID).
		Updates(map[string]interface{}{
			"lock_session_id": "",
			"lock_expires_at": time.Time{},
		})
	return res.Error == nil && res.RowsAffected == 1
}

// ExtendLock pushes the lock expiry out to now+ttl without re-validating
// allocatability, provided sessionID still owns the lock.
func (s *Store) ExtendLock(email, sessionID string, ttl time.Duration) bool {
	res := s.db.Model(&models.Account{}).
		Where("email = ? AND lock_session_id = ?", email, sessionID).
		Update("lock_expires_at", time.Now().Add(ttl))
	return res.Error == nil && res.RowsAffected == 1
}

// ClearLock drops any lock on the row regardless of owner. Only the
// mark-blocked path uses this: a blocked account must not stay leased.
func (s *Store) ClearLock(email string) error {
	return s.db.Model(&models.Account{}).
		Where("email = ?", email).
		Updates(map[string]interface{}{
			"lock_session_id": "",
			"lock_expires_at": time.Time{},
		}).Error
}

func (s *Store) SetStatus(email, status string) error {
	res := s.db.Model(&models.Account{}).
		Where("email = ?", email).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCredential writes the refreshed token fields and nothing else, so a
// concurrent quota or status write is never clobbered.
func (s *Store) UpdateCredential(email string, cred CredentialUpdate) error {
	updates := map[string]interface{}{
		"id_token":         cred.IDToken,
		"token_expires_at": cred.ExpiresAt,
		"last_refresh_at":  time.Now(),
	}
	if cred.RefreshToken != "" {
		updates["refresh_token"] = cred.RefreshToken
	}
	res := s.db.Model(&models.Account{}).Where("email = ?", email).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateQuota writes the quota snapshot fields and nothing else.
func (s *Store) UpdateQuota(email string, q QuotaUpdate) error {
	res := s.db.Model(&models.Account{}).
		Where("email = ?", email).
		Updates(map[string]interface{}{
			"request_limit":      q.RequestLimit,
			"requests_used":      q.RequestsUsed,
			"requests_remaining": q.RequestsRemaining,
			"is_unlimited":       q.IsUnlimited,
			"quota_type":         q.QuotaType,
			"refresh_duration":   q.RefreshDuration,
			"next_refresh_time":  q.NextRefreshTime,
			"credits_updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchUsage stamps last_used_at and bumps use_count for freshly
// allocated accounts.
func (s *Store) TouchUsage(emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	return s.db.Model(&models.Account{}).
		Where("email IN ?", emails).
		Updates(map[string]interface{}{
			"last_used_at": time.Now(),
			"use_count":    gorm.Expr("use_count + 1"),
		}).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

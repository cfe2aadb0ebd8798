package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/hulisang/warp-pool/internal/db/models"
	"github.com/hulisang/warp-pool/internal/store"
	"github.com/hulisang/warp-pool/internal/warp"
)

// QuotaQuerier fetches an account's request-limit snapshot from upstream.
type QuotaQuerier interface {
	QueryQuota(ctx context.Context, idToken string) (*warp.QuotaInfo, error)
}

// EmailLinkSigner redeems a login-link oob code for a credential bundle.
type EmailLinkSigner interface {
	SignInWithEmailLink(ctx context.Context, email, oobCode string) (*warp.SignInResult, error)
}

// Pool is the façade external collaborators use. It owns no state of its own;
// everything delegates to the store and the lease manager.
type Pool struct {
	store  *store.Store
	leases *Manager
	quota  QuotaQuerier
	signer EmailLinkSigner
}

func New(st *store.Store, leases *Manager, quota QuotaQuerier, signer EmailLinkSigner) *Pool {
	return &Pool{store: st, leases: leases, quota: quota, signer: signer}
}

// AllocatedAccount is one leased account with the credential the caller
// presents upstream.
type AllocatedAccount struct {
	Email        string `json:"email"`
	LocalID      string `json:"local_id"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ProxyInfo    string `json:"proxy_info,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// Allocation is the caller-facing view of a fresh lease.
type Allocation struct {
	SessionID string             `json:"session_id"`
	Accounts  []AllocatedAccount `json:"accounts"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Allocate leases count accounts for ttl and returns their credentials.
func (p *Pool) Allocate(count int, ttl time.Duration) (*Allocation, error) {
	lease, err := p.leases.Allocate(count, ttl)
	if err != nil {
		return nil, err
	}

	alloc := &Allocation{
		SessionID: lease.SessionID,
		Accounts:  make([]AllocatedAccount, 0, len(lease.Emails)),
		ExpiresAt: lease.ExpiresAt,
	}
	for _, email := range lease.Emails {
		acc, err := p.store.Get(email)
		if err != nil {
			// A row vanished under a lock we hold; give everything back
			// rather than hand out a partial credential set.
			p.leases.Release(lease.SessionID)
			return nil, fmt.Errorf("allocate: load %s: %w", email, err)
		}
		alloc.Accounts = append(alloc.Accounts, AllocatedAccount{
			Email:        acc.Email,
			LocalID:      acc.LocalID,
			IDToken:      acc.IDToken,
			RefreshToken: acc.RefreshToken,
			ProxyInfo:    acc.ProxyInfo,
			UserAgent:    acc.UserAgent,
		})
	}
	return alloc, nil
}

// Release gives a lease's accounts back to the pool.
func (p *Pool) Release(sessionID string) error {
	return p.leases.Release(sessionID)
}

// Extend pushes a lease's expiry out to now+ttl.
func (p *Pool) Extend(sessionID string, ttl time.Duration) error {
	return p.leases.Extend(sessionID, ttl)
}

// MarkBlocked permanently removes the account from allocation candidacy and
// evicts it from any live lease. Idempotent when already blocked.
func (p *Pool) MarkBlocked(email string) error {
	if err := p.store.SetStatus(email, models.StatusBlocked); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	p.leases.Evict(email)
	log.Printf("⛔ Account marked blocked: %s", email)
	return nil
}

// Sessions exposes the live leases for status reporting.
func (p *Pool) Sessions() []Lease {
	return p.leases.Sessions()
}

// Status is a read-only snapshot of the pool. Counts are each independently
// consistent, not one transaction.
type Status struct {
	TotalActive    int `json:"total_active"`
	TotalBlocked   int `json:"total_blocked"`
	LockedCount    int `json:"locked"`
	Available      int `json:"available"`
	ActiveSessions int `json:"active_sessions"`
}

func (p *Pool) Status() (*Status, error) {
	accounts, err := p.store.List(store.ListFilter{})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	st := &Status{ActiveSessions: p.leases.ActiveSessions()}
	for i := range accounts {
		switch accounts[i].Status {
		case models.StatusActive:
			st.TotalActive++
			if accounts[i].Locked(now) {
				st.LockedCount++
			}
		case models.StatusBlocked:
			st.TotalBlocked++
		}
	}
	st.Available = st.TotalActive - st.LockedCount
	return st, nil
}

// CreditsResult is the outcome of one account's quota refresh.
type CreditsResult struct {
	Email   string          `json:"email"`
	Success bool            `json:"success"`
	Quota   *warp.QuotaInfo `json:"quota,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CreditsReport aggregates a refresh-credits batch. Every targeted account
// appears exactly once, success or not.
type CreditsReport struct {
	Total        int             `json:"total"`
	SuccessCount int             `json:"success_count"`
	Results      []CreditsResult `json:"results"`
}

// RefreshCredits queries upstream quota for one account (email non-empty) or
// every active account, and persists each successful snapshot. One account's
// failure never aborts the rest.
func (p *Pool) RefreshCredits(ctx context.Context, email string) (*CreditsReport, error) {
	var accounts []models.Account
	if email != "" {
		acc, err := p.store.Get(email)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		accounts = []models.Account{*acc}
	} else {
		var err error
		accounts, err = p.store.List(store.ListFilter{Status: models.StatusActive})
		if err != nil {
			return nil, err
		}
	}

	report := &CreditsReport{Total: len(accounts)}
	for i := range accounts {
		acc := &accounts[i]
		res := CreditsResult{Email: acc.Email}

		q, err := p.quota.QueryQuota(ctx, acc.IDToken)
		if err == nil {
			err = p.store.UpdateQuota(acc.Email, store.QuotaUpdate{
				RequestLimit:      q.RequestLimit,
				RequestsUsed:      q.RequestsUsed,
				RequestsRemaining: q.RequestsRemaining,
				IsUnlimited:       q.IsUnlimited,
				QuotaType:         classifyQuota(q),
				RefreshDuration:   q.RefreshDuration,
				NextRefreshTime:   nullableTime(q.NextRefreshTime),
			})
		}
		if err != nil {
			res.Error = err.Error()
			log.Printf("❌ Credits refresh failed for %s: %v", acc.Email, err)
		} else {
			res.Success = true
			res.Quota = q
			report.SuccessCount++
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

// AddFromLoginLink registers a new account by redeeming a Warp login link.
func (p *Pool) AddFromLoginLink(ctx context.Context, email, loginLink string) (*models.Account, error) {
	oobCode, err := extractOOBCode(loginLink)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	signin, err := p.signer.SignInWithEmailLink(ctx, email, oobCode)
	if err != nil {
		// oob codes are single-use; a spent or bogus code is a credential
		// problem, not an infrastructure one.
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	acc := &models.Account{
		Email:          email,
		LocalID:        signin.LocalID,
		IDToken:        signin.IDToken,
		RefreshToken:   signin.RefreshToken,
		TokenExpiresAt: signin.ExpiresAt,
		Status:         models.StatusActive,
	}
	if err := p.store.Create(acc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	log.Printf("✅ Account added from login link: %s", email)
	return acc, nil
}

// AccountSummary is one row of the paginated account listing.
type AccountSummary struct {
	Email           string     `json:"email"`
	LocalID         string     `json:"local_id"`
	Status          string     `json:"status"`
	Locked          bool       `json:"is_locked"`
	LockedBySession string     `json:"locked_by_session,omitempty"`
	LastUsedAt      *time.Time `json:"last_used,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	QuotaType       string     `json:"quota_type,omitempty"`
	RequestLimit    int64      `json:"request_limit"`
	UseCount        int64      `json:"use_count"`
}

// ListAccounts returns one page of accounts (status "" or "all" for every
// status) plus the unpaged total.
func (p *Pool) ListAccounts(status string, limit, offset int) ([]AccountSummary, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	accounts, total, err := p.store.ListPage(status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	now := time.Now()
	summaries := make([]AccountSummary, 0, len(accounts))
	for i := range accounts {
		acc := &accounts[i]
		s := AccountSummary{
			Email:        acc.Email,
			LocalID:      acc.LocalID,
			Status:       acc.Status,
			Locked:       acc.Locked(now),
			LastUsedAt:   acc.LastUsedAt,
			CreatedAt:    acc.CreatedAt,
			QuotaType:    acc.QuotaType,
			RequestLimit: acc.RequestLimit,
			UseCount:     acc.UseCount,
		}
		if s.Locked {
			s.LockedBySession = acc.LockSessionID
		}
		summaries = append(summaries, s)
	}
	return summaries, total, nil
}

// classifyQuota folds upstream limit info into the closed quota-type set.
func classifyQuota(q *warp.QuotaInfo) string {
	switch {
	case q == nil:
		return models.QuotaTypeUnknown
	case q.IsUnlimited:
		return models.QuotaTypeUnlimited
	case q.RequestLimit >= 2500:
		return models.QuotaTypeHigh
	case q.RequestLimit > 0:
		return models.QuotaTypeNormal
	default:
		return models.QuotaTypeUnknown
	}
}

func extractOOBCode(loginLink string) (string, error) {
	u, err := url.Parse(loginLink)
	if err != nil {
		return "", fmt.Errorf("unparseable login link")
	}
	code := u.Query().Get("oobCode")
	if code == "" {
		return "", fmt.Errorf("login link has no oobCode")
	}
	return code, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

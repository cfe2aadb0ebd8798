package pool

import (
	"context"
	"log"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/hulisang/warp-pool/internal/db/models"
	"github.com/hulisang/warp-pool/internal/store"
	"github.com/hulisang/warp-pool/internal/util"
	"github.com/hulisang/warp-pool/internal/warp"
)

// TokenRefresher exchanges a refresh token for a fresh credential. The
// returned token carries the new ID token in AccessToken.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// DaemonConfig tunes the refresh daemon. Zero fields get defaults.
type DaemonConfig struct {
	// Interval between maintenance cycles.
	Interval time.Duration
	// RefreshLead is how far before credential expiry an account becomes a
	// refresh candidate.
	RefreshLead time.Duration
	// MinRefreshInterval is the floor between two refreshes of the same
	// account (Firebase throttles aggressive refreshing).
	MinRefreshInterval time.Duration
	// CallTimeout bounds each upstream refresh call.
	CallTimeout time.Duration
	// MaxAttempts bounds refresh attempts per account per cycle.
	MaxAttempts uint64
}

func (c *DaemonConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.RefreshLead <= 0 {
		c.RefreshLead = 10 * time.Minute
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = time.Hour
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
}

// Daemon keeps credentials from expiring under active leases. Each cycle it
// sweeps expired sessions, then refreshes near-expiry credentials one account
// at a time, always skipping locked rows: refreshing a credential mid-use
// would invalidate the token an in-flight caller is presenting upstream.
//
// Accepted risk: a lease that outlives its account's credential expiry holds
// a stale token until released. The daemon never force-revokes a lease, so
// callers should keep lease TTLs well under the refresh lead.
type Daemon struct {
	store     *store.Store
	leases    *Manager
	refresher TokenRefresher
	cfg       DaemonConfig

	stop chan struct{}
	done chan struct{}
}

func NewDaemon(st *store.Store, leases *Manager, refresher TokenRefresher, cfg DaemonConfig) *Daemon {
	cfg.applyDefaults()
	return &Daemon{
		store:     st,
		leases:    leases,
		refresher: refresher,
		cfg:       cfg,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the maintenance loop in the background.
func (d *Daemon) Start() {
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		log.Printf("🔄 Refresh daemon started (interval: %s, lead: %s)", d.cfg.Interval, d.cfg.RefreshLead)
		for {
			select {
			case <-ticker.C:
				d.RunCycle(context.Background())
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the current cycle to finish.
func (d *Daemon) Stop() {
	close(d.stop)
	<-d.done
}

// RunCycle executes one maintenance pass. Failures are isolated per account:
// nothing in a cycle aborts the rest of it, and a failed cycle never stops
// the next one.
func (d *Daemon) RunCycle(ctx context.Context) {
	if swept := d.leases.SweepExpired(); swept > 0 {
		log.Printf("🧹 Swept %d expired sessions", swept)
	}

	threshold := time.Now().Add(d.cfg.RefreshLead)
	accounts, err := d.store.ListExpiring(threshold)
	if err != nil {
		log.Printf("❌ Refresh scan failed: %v", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	refreshed, skipped, failed := 0, 0, 0
	for i := range accounts {
		acc := &accounts[i]
		now := time.Now()
		if acc.Locked(now) {
			// Re-evaluated next cycle once the lease is gone.
			skipped++
			continue
		}
		if acc.LastRefreshAt != nil && now.Sub(*acc.LastRefreshAt) < d.cfg.MinRefreshInterval {
			skipped++
			continue
		}
		if err := d.refreshAccount(ctx, acc); err != nil {
			failed++
			continue
		}
		refreshed++
	}
	log.Printf("🔄 Refresh cycle done - refreshed: %d, skipped: %d, failed: %d", refreshed, skipped, failed)
}

// refreshAccount refreshes one credential with bounded backoff. Permanent
// upstream rejections stop the retries but the account stays active; blocking
// is an explicit operator decision, never the daemon's.
func (d *Daemon) refreshAccount(ctx context.Context, acc *models.Account) error {
	var tok *oauth2.Token
	backoff := retry.WithMaxRetries(d.cfg.MaxAttempts-1, retry.NewFibonacci(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()

		t, err := d.refresher.Refresh(callCtx, acc.RefreshToken)
		if err != nil {
			if warp.IsPermanentRefreshError(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		tok = t
		return nil
	})
	if err != nil {
		log.Printf("❌ Refresh failed for %s: %v", acc.Email, err)
		return err
	}

	err = d.store.UpdateCredential(acc.Email, store.CredentialUpdate{
		IDToken:      tok.AccessToken,
		RefreshToken: rotatedRefreshToken(acc.RefreshToken, tok.RefreshToken),
		ExpiresAt:    tok.Expiry,
	})
	if err != nil {
		log.Printf("⚠️ Failed to persist refreshed credential for %s: %v", acc.Email, err)
		return err
	}
	log.Printf("✅ Refreshed credential for %s (token %s, expires %s)",
		acc.Email, util.MaskToken(tok.AccessToken), tok.Expiry.Format(time.RFC3339))
	return nil
}

// rotatedRefreshToken returns the new refresh token only when the upstream
// actually rotated it, so UpdateCredential leaves the column alone otherwise.
func rotatedRefreshToken(current, next string) string {
	if next != "" && next != current {
		log.Printf("🔄 Upstream rotated a refresh token")
		return next
	}
	return ""
}

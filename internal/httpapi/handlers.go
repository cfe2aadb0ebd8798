package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hulisang/warp-pool/internal/pool"
	"github.com/hulisang/warp-pool/internal/version"
)

type allocateRequest struct {
	Count int `json:"count"`
	// SessionDuration is in seconds, matching the original wire shape.
	SessionDuration int `json:"session_duration"`
}

type sessionRequest struct {
	SessionID       string `json:"session_id"`
	SessionDuration int    `json:"session_duration"`
}

type markBlockedRequest struct {
	Email string `json:"email"`
}

type refreshCreditsRequest struct {
	Email string `json:"email"`
}

type addFromLinkRequest struct {
	Email     string `json:"email"`
	LoginLink string `json:"login_link"`
}

// RootHandler reports service identity.
func RootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"service": "Warp Account Pool",
			"version": version.Version,
			"status":  "running",
		})
	}
}

// HealthHandler is the liveness probe.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// AllocateHandler leases accounts to a caller.
func AllocateHandler(p *pool.Pool, defaultTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req allocateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Count < 1 {
			req.Count = 1
		}
		ttl := defaultTTL
		if req.SessionDuration > 0 {
			ttl = time.Duration(req.SessionDuration) * time.Second
		}

		alloc, err := p.Allocate(req.Count, ttl)
		if err != nil {
			if errors.Is(err, pool.ErrInsufficientAccounts) {
				writeDetail(w, http.StatusServiceUnavailable, "No available accounts")
				return
			}
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"session_id": alloc.SessionID,
			"accounts":   alloc.Accounts,
			"expires_at": alloc.ExpiresAt.Unix(),
		})
	}
}

// ReleaseHandler returns a lease's accounts to the pool.
func ReleaseHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeDetail(w, http.StatusBadRequest, "session_id is required")
			return
		}
		if err := p.Release(req.SessionID); err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				writeDetail(w, http.StatusNotFound, "Session not found")
				return
			}
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Session released",
		})
	}
}

// ExtendHandler pushes a lease's expiry forward.
func ExtendHandler(p *pool.Pool, defaultTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeDetail(w, http.StatusBadRequest, "session_id is required")
			return
		}
		ttl := defaultTTL
		if req.SessionDuration > 0 {
			ttl = time.Duration(req.SessionDuration) * time.Second
		}
		if err := p.Extend(req.SessionID, ttl); err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				writeDetail(w, http.StatusNotFound, "Session not found")
				return
			}
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

// MarkBlockedHandler permanently bans an account from allocation.
func MarkBlockedHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req markBlockedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			writeDetail(w, http.StatusBadRequest, "email is required")
			return
		}
		if err := p.MarkBlocked(req.Email); err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				writeDetail(w, http.StatusNotFound, "Account not found")
				return
			}
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"email":   req.Email,
			"message": "Account " + req.Email + " marked as blocked",
		})
	}
}

// StatusHandler reports pool-wide counters and live sessions.
func StatusHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := p.Status()
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		sessions := p.Sessions()
		views := make([]map[string]interface{}, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, map[string]interface{}{
				"session_id":    s.SessionID,
				"account_count": len(s.Emails),
				"created_at":    s.CreatedAt.Unix(),
				"expires_at":    s.ExpiresAt.Unix(),
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total_active":    st.TotalActive,
			"total_blocked":   st.TotalBlocked,
			"locked":          st.LockedCount,
			"available":       st.Available,
			"active_sessions": st.ActiveSessions,
			"sessions":        views,
		})
	}
}

// RefreshCreditsHandler re-queries upstream quota for one or all accounts.
func RefreshCreditsHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshCreditsRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeDetail(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		report, err := p.RefreshCredits(r.Context(), req.Email)
		if err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				writeDetail(w, http.StatusNotFound, "Account not found")
				return
			}
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// AddFromLinkHandler registers an account by redeeming a Warp login link.
func AddFromLinkHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addFromLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.LoginLink == "" {
			writeDetail(w, http.StatusBadRequest, "email and login_link are required")
			return
		}
		acc, err := p.AddFromLoginLink(r.Context(), req.Email, req.LoginLink)
		if err != nil {
			switch {
			case errors.Is(err, pool.ErrInvalidCredential):
				writeDetail(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, pool.ErrDuplicateEmail):
				writeDetail(w, http.StatusBadRequest, "Account "+req.Email+" already exists")
			default:
				writeDetail(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Account " + req.Email + " added successfully",
			"account": map[string]string{
				"email":    acc.Email,
				"local_id": acc.LocalID,
				"status":   acc.Status,
			},
		})
	}
}

// ListAccountsHandler returns one page of accounts with lock annotations.
func ListAccountsHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := queryInt(r, "limit", 100)
		offset := queryInt(r, "offset", 0)

		accounts, total, err := p.ListAccounts(status, limit, offset)
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"total":    total,
			"limit":    limit,
			"offset":   offset,
			"accounts": accounts,
		})
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeDetail mirrors the original service's error envelope.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hulisang/warp-pool/internal/db"
	"github.com/hulisang/warp-pool/internal/db/models"
	"github.com/hulisang/warp-pool/internal/pool"
	"github.com/hulisang/warp-pool/internal/store"
	"github.com/hulisang/warp-pool/internal/warp"
)

type stubQuota struct{}

func (stubQuota) QueryQuota(ctx context.Context, idToken string) (*warp.QuotaInfo, error) {
	return &warp.QuotaInfo{RequestLimit: 150, RequestsRemaining: 150, RefreshDuration: "WEEKLY"}, nil
}

type stubSigner struct{}

func (stubSigner) SignInWithEmailLink(ctx context.Context, email, oobCode string) (*warp.SignInResult, error) {
	if oobCode == "spent" {
		return nil, errors.New("HTTP 400: INVALID_OOB_CODE")
	}
	return &warp.SignInResult{
		LocalID:      "local-" + email,
		IDToken:      "token-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	st := store.New(gdb)
	p := pool.New(st, pool.NewManager(st), stubQuota{}, stubSigner{})
	srv := httptest.NewServer(NewRouter(p, 30*time.Minute))
	t.Cleanup(srv.Close)
	return srv, st
}

func seed(t *testing.T, st *store.Store, email string) {
	t.Helper()
	require.NoError(t, st.Create(&models.Account{
		Email:          email,
		IDToken:        "token-" + email,
		RefreshToken:   "refresh-" + email,
		TokenExpiresAt: time.Now().Add(time.Hour),
		Status:         models.StatusActive,
	}))
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, "a@test.com")
	seed(t, st, "b@test.com")

	resp, body := postJSON(t, srv.URL+"/api/accounts/allocate", `{"count":2,"session_duration":300}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	sessionID := body["session_id"].(string)
	require.NotEmpty(t, sessionID)
	require.Len(t, body["accounts"], 2)

	// Pool exhausted now.
	resp, body = postJSON(t, srv.URL+"/api/accounts/allocate", `{"count":1}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "No available accounts", body["detail"])

	resp, _ = postJSON(t, srv.URL+"/api/accounts/release", `{"session_id":"`+sessionID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Second release of the same session is a 404, never a crash.
	resp, _ = postJSON(t, srv.URL+"/api/accounts/release", `{"session_id":"`+sessionID+`"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarkBlockedEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, "a@test.com")

	resp, _ := postJSON(t, srv.URL+"/api/accounts/mark_blocked", `{"email":"a@test.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/api/accounts/mark_blocked", `{"email":"missing@test.com"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	acc, err := st.Get("a@test.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusBlocked, acc.Status)
}

func TestStatusEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, "a@test.com")
	seed(t, st, "b@test.com")

	_, allocBody := postJSON(t, srv.URL+"/api/accounts/allocate", `{"count":1}`)
	require.Equal(t, true, allocBody["success"])

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.EqualValues(t, 2, status["total_active"])
	require.EqualValues(t, 1, status["locked"])
	require.EqualValues(t, 1, status["available"])
	require.EqualValues(t, 1, status["active_sessions"])
	require.Len(t, status["sessions"], 1)
}

func TestRefreshCreditsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, "a@test.com")

	resp, body := postJSON(t, srv.URL+"/api/accounts/refresh_credits", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["total"])
	require.EqualValues(t, 1, body["success_count"])
}

func TestAddFromLinkEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/api/accounts/add_from_link",
		`{"email":"a@test.com","login_link":"https://app.warp.dev/login?oobCode=oob-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	acc, err := st.Get("a@test.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, acc.Status)

	// Missing oobCode in the link.
	resp, _ = postJSON(t, srv.URL+"/api/accounts/add_from_link",
		`{"email":"b@test.com","login_link":"https://app.warp.dev/login?token=x"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Consumed single-use code.
	resp, _ = postJSON(t, srv.URL+"/api/accounts/add_from_link",
		`{"email":"c@test.com","login_link":"https://app.warp.dev/login?oobCode=spent"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Duplicate email.
	resp, body := postJSON(t, srv.URL+"/api/accounts/add_from_link",
		`{"email":"a@test.com","login_link":"https://app.warp.dev/login?oobCode=oob-2"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["detail"], "already exists")
}

func TestListAccountsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seed(t, st, "a@test.com")
	seed(t, st, "b@test.com")

	resp, err := http.Get(srv.URL + "/api/accounts/list?status=active&limit=1&offset=0")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.EqualValues(t, 2, body["total"])
	require.Len(t, body["accounts"], 1)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

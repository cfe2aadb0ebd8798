package warp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedIDToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
		"sub": "local-1",
	})
	s, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func TestRefresh(t *testing.T) {
	exp := time.Now().Add(55 * time.Minute).Truncate(time.Second)
	idToken := signedIDToken(t, exp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key-123", r.URL.Query().Get("key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh_token", body["grant_type"])
		require.Equal(t, "refresh-1", body["refresh_token"])

		json.NewEncoder(w).Encode(map[string]string{
			"id_token":      idToken,
			"refresh_token": "refresh-2",
			"expires_in":    "3600",
		})
	}))
	defer srv.Close()

	c := NewClient("key-123", WithBaseURLs(srv.URL, "", ""))
	tok, err := c.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.Equal(t, idToken, tok.AccessToken)
	require.Equal(t, "refresh-2", tok.RefreshToken)
	// JWT exp wins over expires_in.
	require.WithinDuration(t, exp, tok.Expiry, time.Second)
}

func TestRefreshFallsBackToExpiresIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id_token":   "not-a-jwt",
			"expires_in": "1800",
		})
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURLs(srv.URL, "", ""))
	tok, err := c.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), tok.Expiry, 5*time.Second)
}

func TestRefreshUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"TOKEN_EXPIRED"}}`))
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURLs(srv.URL, "", ""))
	_, err := c.Refresh(context.Background(), "refresh-1")
	require.Error(t, err)
	require.True(t, IsPermanentRefreshError(err))
}

func TestRefreshTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURLs(srv.URL, "", ""))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Refresh(ctx, "refresh-1")
	require.Error(t, err)
	require.False(t, IsPermanentRefreshError(err))
}

func TestSignInWithEmailLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "a@test.com", body["email"])
		require.Equal(t, "oob-1", body["oobCode"])

		json.NewEncoder(w).Encode(map[string]string{
			"localId":      "local-1",
			"idToken":      "not-a-jwt",
			"refreshToken": "refresh-1",
			"expiresIn":    "3600",
		})
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURLs("", srv.URL, ""))
	res, err := c.SignInWithEmailLink(context.Background(), "a@test.com", "oob-1")
	require.NoError(t, err)
	require.Equal(t, "local-1", res.LocalID)
	require.Equal(t, "refresh-1", res.RefreshToken)
}

func TestSignInWithEmailLinkMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A consumed oob code yields a response without credentials.
		json.NewEncoder(w).Encode(map[string]string{"localId": "local-1"})
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURLs("", srv.URL, ""))
	_, err := c.SignInWithEmailLink(context.Background(), "a@test.com", "oob-used")
	require.Error(t, err)
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "expired", errText: "HTTP 400: TOKEN_EXPIRED", permanent: true},
		{name: "disabled", errText: "HTTP 400: USER_DISABLED", permanent: true},
		{name: "invalid grant", errText: "oauth2: invalid_grant", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "server error", errText: "HTTP 503: try later", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.permanent, IsPermanentRefreshError(errText(tt.errText)))
		})
	}
}

type errText string

func (e errText) Error() string { return string(e) }

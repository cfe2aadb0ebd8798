package warp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueryQuota(t *testing.T) {
	next := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer id-token-1", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"data":{"user":{"__typename":"UserOutput","user":{"requestLimitInfo":{
			"isUnlimited":false,
			"nextRefreshTime":%q,
			"requestLimit":2500,
			"requestsUsedSinceLastRefresh":100,
			"requestLimitRefreshDuration":"WEEKLY"
		}}}}}`, next.Format(time.RFC3339))
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURLs("", "", srv.URL))
	q, err := c.QueryQuota(context.Background(), "id-token-1")
	require.NoError(t, err)
	require.Equal(t, int64(2500), q.RequestLimit)
	require.Equal(t, int64(100), q.RequestsUsed)
	require.Equal(t, int64(2400), q.RequestsRemaining)
	require.False(t, q.IsUnlimited)
	require.Equal(t, "WEEKLY", q.RefreshDuration)
	require.WithinDuration(t, next, q.NextRefreshTime, time.Second)
}

func TestQueryQuotaUserFacingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"user":{"__typename":"UserFacingError","error":{"message":"account delinquent"}}}}`)
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURLs("", "", srv.URL))
	_, err := c.QueryQuota(context.Background(), "id-token-1")
	require.ErrorContains(t, err, "account delinquent")
}

func TestQueryQuotaGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"unauthorized"}]}`)
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURLs("", "", srv.URL))
	_, err := c.QueryQuota(context.Background(), "bad-token")
	require.ErrorContains(t, err, "unauthorized")
}

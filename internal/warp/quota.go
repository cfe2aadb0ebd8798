package warp

import (
	"context"
	"fmt"
	"time"
)

// requestLimitQuery is the subset of Warp's GetRequestLimitInfo document the
// pool cares about; the upstream schema tolerates narrower selections.
const requestLimitQuery = `query GetRequestLimitInfo($requestContext: RequestContext!) {
  user(requestContext: $requestContext) {
    __typename
    ... on UserOutput {
      user {
        requestLimitInfo {
          isUnlimited
          nextRefreshTime
          requestLimit
          requestsUsedSinceLastRefresh
          requestLimitRefreshDuration
        }
      }
    }
    ... on UserFacingError {
      error {
        __typename
        message
      }
    }
  }
}`

// QuotaInfo is the request-limit snapshot for one account.
type QuotaInfo struct {
	RequestLimit      int64
	RequestsUsed      int64
	RequestsRemaining int64
	IsUnlimited       bool
	RefreshDuration   string
	NextRefreshTime   time.Time
}

// QueryQuota fetches the account's request-limit info using its ID token.
func (c *Client) QueryQuota(ctx context.Context, idToken string) (*QuotaInfo, error) {
	payload := map[string]interface{}{
		"operationName": "GetRequestLimitInfo",
		"variables": map[string]interface{}{
			"requestContext": map[string]interface{}{
				"clientContext": map[string]interface{}{"version": "v0.2025.08.06.08.11.stable_02"},
				"osContext":     map[string]interface{}{"category": "Linux", "name": "Linux", "version": "6.8"},
			},
		},
		"query": requestLimitQuery,
	}

	var resp struct {
		Data struct {
			User struct {
				Typename string `json:"__typename"`
				User     struct {
					RequestLimitInfo struct {
						IsUnlimited                  bool   `json:"isUnlimited"`
						NextRefreshTime              string `json:"nextRefreshTime"`
						RequestLimit                 int64  `json:"requestLimit"`
						RequestsUsedSinceLastRefresh int64  `json:"requestsUsedSinceLastRefresh"`
						RequestLimitRefreshDuration  string `json:"requestLimitRefreshDuration"`
					} `json:"requestLimitInfo"`
				} `json:"user"`
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"user"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}

	if err := c.postJSON(ctx, c.graphqlURL+"?op=GetRequestLimitInfo", idToken, payload, &resp); err != nil {
		return nil, fmt.Errorf("query quota: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("query quota: graphql error: %s", resp.Errors[0].Message)
	}
	if resp.Data.User.Typename == "UserFacingError" {
		return nil, fmt.Errorf("query quota: %s", resp.Data.User.Error.Message)
	}

	info := resp.Data.User.User.RequestLimitInfo
	q := &QuotaInfo{
		RequestLimit:      info.RequestLimit,
		RequestsUsed:      info.RequestsUsedSinceLastRefresh,
		RequestsRemaining: info.RequestLimit - info.RequestsUsedSinceLastRefresh,
		IsUnlimited:       info.IsUnlimited,
		RefreshDuration:   info.RequestLimitRefreshDuration,
	}
	if q.RefreshDuration == "" {
		q.RefreshDuration = "WEEKLY"
	}
	if t, err := time.Parse(time.RFC3339, info.NextRefreshTime); err == nil {
		q.NextRefreshTime = t
	}
	return q, nil
}

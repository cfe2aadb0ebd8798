// Package warp holds the external collaborators the pool calls out to:
// Firebase token refresh and email-link sign-in, and the Warp GraphQL
// quota query. Nothing here touches the account store.
package warp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	securetokenURL     = "https://securetoken.googleapis.com/v1/token"
	identityToolkitURL = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithEmailLink"
	graphqlURL         = "https://app.warp.dev/graphql/v2"

	defaultUserAgent = "warp-pool/1.0"
)

// Client talks to Firebase and the Warp GraphQL API on behalf of pool
// accounts. Per-call deadlines come from the caller's context; the embedded
// http.Client timeout is only the backstop.
type Client struct {
	apiKey     string
	httpClient *http.Client
	userAgent  string

	tokenURL   string
	signinURL  string
	graphqlURL string
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests, custom TLS).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURLs points the client at alternate endpoints. Empty strings keep
// the defaults.
func WithBaseURLs(tokenURL, signinURL, graphqlURL string) Option {
	return func(c *Client) {
		if tokenURL != "" {
			c.tokenURL = tokenURL
		}
		if signinURL != "" {
			c.signinURL = signinURL
		}
		if graphqlURL != "" {
			c.graphqlURL = graphqlURL
		}
	}
}

// WithProxy routes all calls through an HTTP proxy.
func WithProxy(proxyURL string) Option {
	return func(c *Client) {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return
		}
		c.httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  defaultUserAgent,
		tokenURL:   securetokenURL,
		signinURL:  identityToolkitURL,
		graphqlURL: graphqlURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignInResult is the credential bundle minted by an email-link sign-in.
type SignInResult struct {
	LocalID      string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresh exchanges a Firebase refresh token for a fresh ID token. The
// returned token carries the ID token in AccessToken (Warp presents the ID
// token as its bearer credential) and the possibly-rotated refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	var resp struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := c.postJSON(ctx, c.tokenURL+"?key="+c.apiKey, "", payload, &resp); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if resp.IDToken == "" {
		return nil, fmt.Errorf("refresh token: response missing id_token")
	}

	expiry := time.Now().Add(parseExpiresIn(resp.ExpiresIn))
	// The JWT's own exp claim is authoritative when it parses.
	if exp, ok := idTokenExpiry(resp.IDToken); ok {
		expiry = exp
	}

	return &oauth2.Token{
		AccessToken:  resp.IDToken,
		TokenType:    "Bearer",
		RefreshToken: resp.RefreshToken,
		Expiry:       expiry,
	}, nil
}

// SignInWithEmailLink redeems a login-link oobCode for a full credential
// bundle. oob codes are single-use: a second redemption fails upstream.
func (c *Client) SignInWithEmailLink(ctx context.Context, email, oobCode string) (*SignInResult, error) {
	payload := map[string]string{
		"email":   email,
		"oobCode": oobCode,
	}
	var resp struct {
		LocalID      string `json:"localId"`
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    string `json:"expiresIn"`
	}
	if err := c.postJSON(ctx, c.signinURL+"?key="+c.apiKey, "", payload, &resp); err != nil {
		return nil, fmt.Errorf("sign in with email link: %w", err)
	}
	if resp.LocalID == "" || resp.IDToken == "" || resp.RefreshToken == "" {
		return nil, fmt.Errorf("sign in with email link: response missing required fields")
	}

	expiry := time.Now().Add(parseExpiresIn(resp.ExpiresIn))
	if exp, ok := idTokenExpiry(resp.IDToken); ok {
		expiry = exp
	}

	return &SignInResult{
		LocalID:      resp.LocalID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiry,
	}, nil
}

// postJSON posts a JSON body and decodes the JSON response. A bearer token
// is attached when non-empty. Non-2xx responses become errors carrying a
// truncated body so Firebase error codes stay greppable in logs.
func (c *Client) postJSON(ctx context.Context, rawURL, bearer string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateBody(data))
	}
	return json.Unmarshal(data, out)
}

func parseExpiresIn(s string) time.Duration {
	secs, err := strconv.Atoi(s)
	if err != nil || secs <= 0 {
		return time.Hour
	}
	return time.Duration(secs) * time.Second
}

// idTokenExpiry pulls the exp claim out of an ID token without verifying the
// signature; the pool only needs the timestamp, not trust.
func idTokenExpiry(idToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func truncateBody(data []byte) string {
	const max = 256
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// IsPermanentRefreshError reports whether a refresh failure will never
// succeed on retry (revoked or expired grant, disabled user). The daemon
// stops retrying these within a cycle but leaves the account active;
// blocking is an explicit operator action.
func IsPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	permanentMarkers := []string{
		"TOKEN_EXPIRED",
		"USER_DISABLED",
		"USER_NOT_FOUND",
		"INVALID_REFRESH_TOKEN",
		"INVALID_GRANT",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

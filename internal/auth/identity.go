package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// IdentityClient validates bearer tokens against the identity provider's
// auth endpoint. The provider is Supabase-shaped: GET {base}/auth/v1/user
// with an apikey header plus the user's bearer token.
type IdentityClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

func NewIdentityClient(baseURL, anonKey string) *IdentityClient {
	return &IdentityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// User is the subset of the identity record the client needs.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Validate checks the token with the identity provider and returns the
// authenticated user. 401/403 map to ErrSessionExpired.
func (c *IdentityClient) Validate(ctx context.Context, token string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return User{}, fmt.Errorf("creating identity request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return User{}, ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return User{}, fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return User{}, fmt.Errorf("decoding identity response: %w", err)
	}
	return u, nil
}

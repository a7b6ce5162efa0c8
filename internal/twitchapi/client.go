// Package twitchapi is a thin client for the Twitch Helix and OAuth
// endpoints the scanner needs. It holds no credential state beyond what the
// caller passes in; token lifecycle lives in the credentials package.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError carries a non-2xx response so callers can branch on status.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitchapi: status %d: %s", e.Status, e.Body)
}

// ParseError marks a response body the client could not decode.
type ParseError struct {
	Endpoint string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("twitchapi: parse %s response: %v", e.Endpoint, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Config carries the per-call credential set and endpoint bases.
type Config struct {
	AccessToken  string
	ClientID     string
	ClientSecret string
	BaseURL      string
	OAuthURL     string
}

// Client issues Helix and OAuth requests. Zero-value timeouts fall back to
// five seconds.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// FlexInt tolerates Twitch returning numeric fields as strings.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

// Stream is one live-stream descriptor from 'Get Streams'.
type Stream struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	UserLogin   string  `json:"user_login"`
	UserName    string  `json:"user_name"`
	GameID      string  `json:"game_id"`
	GameName    string  `json:"game_name"`
	Type        string  `json:"type"`
	Title       string  `json:"title"`
	ViewerCount FlexInt `json:"viewer_count"`
	StartedAt   string  `json:"started_at"`
	Language    string  `json:"language"`
	IsMature    bool    `json:"is_mature"`
}

// User is one account record from 'Get Users'.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	Type            string `json:"type"`
	BroadcasterType string `json:"broadcaster_type"`
	Description     string `json:"description"`
	ViewCount       int    `json:"view_count"`
	CreatedAt       string `json:"created_at"`
}

// Category is one game/category record from 'Get Games'.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TokenResponse is the OAuth token grant payload. Scope arrives as either a
// JSON list or a space-separated string depending on the grant.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	TokenType    string    `json:"token_type"`
	Scope        ScopeList `json:"scope"`
}

// ScopeList normalizes the two scope encodings into one string slice.
type ScopeList []string

func (s *ScopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*s = nil
		return nil
	}
	*s = strings.Fields(single)
	return nil
}

// StreamsPage is one page of 'Get Streams' results plus its forward cursor.
type StreamsPage struct {
	Streams []Stream
	Cursor  string
}

// GetStreamsParams narrows the stream enumeration.
type GetStreamsParams struct {
	GameIDs   []string
	Languages []string
	First     int
	After     string
}

func (c *Client) doJSON(req *http.Request, endpoint string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twitchapi: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("twitchapi: read %s response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ParseError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func (c *Client) helixGet(ctx context.Context, cfg Config, path string, query url.Values, out any) error {
	u := fmt.Sprintf("%s%s?%s", cfg.BaseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("twitchapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	req.Header.Set("Client-Id", cfg.ClientID)
	return c.doJSON(req, path, out)
}

// GetStreams fetches one page of live streams matching the params.
func (c *Client) GetStreams(ctx context.Context, cfg Config, params GetStreamsParams) (*StreamsPage, error) {
	query := url.Values{}
	for _, id := range params.GameIDs {
		query.Add("game_id", id)
	}
	for _, lang := range params.Languages {
		query.Add("language", lang)
	}
	if params.First > 0 {
		query.Set("first", strconv.Itoa(params.First))
	}
	if params.After != "" {
		query.Set("after", params.After)
	}

	var payload struct {
		Data       []Stream `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := c.helixGet(ctx, cfg, "/streams", query, &payload); err != nil {
		return nil, err
	}
	return &StreamsPage{Streams: payload.Data, Cursor: payload.Pagination.Cursor}, nil
}

// GetUsers resolves up to 100 login names to account records. Twitch rejects
// larger batches, so the client does too.
func (c *Client) GetUsers(ctx context.Context, cfg Config, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	if len(logins) > 100 {
		return nil, errors.New("twitchapi: get users accepts at most 100 logins per call")
	}
	query := url.Values{}
	for _, login := range logins {
		query.Add("login", login)
	}

	var payload struct {
		Data []User `json:"data"`
	}
	if err := c.helixGet(ctx, cfg, "/users", query, &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// GetCategories resolves game/category records by id and/or exact name.
// Twitch caps the combined lookup at 100 values per call.
func (c *Client) GetCategories(ctx context.Context, cfg Config, ids, names []string) ([]Category, error) {
	if len(ids)+len(names) == 0 {
		return nil, nil
	}
	if len(ids)+len(names) > 100 {
		return nil, errors.New("twitchapi: get categories accepts at most 100 ids and names combined per call")
	}
	query := url.Values{}
	for _, id := range ids {
		query.Add("id", id)
	}
	for _, name := range names {
		query.Add("name", name)
	}

	var payload struct {
		Data []Category `json:"data"`
	}
	if err := c.helixGet(ctx, cfg, "/games", query, &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

func (c *Client) tokenGrant(ctx context.Context, cfg Config, form url.Values) (*TokenResponse, error) {
	u := cfg.OAuthURL + "/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twitchapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token TokenResponse
	if err := c.doJSON(req, "/oauth2/token", &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// RefreshTokens exchanges a refresh token for a fresh access/refresh pair.
func (c *Client) RefreshTokens(ctx context.Context, cfg Config, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	return c.tokenGrant(ctx, cfg, form)
}

// GetAppAccessToken requests a client-credentials token. App tokens have no
// refresh token; callers re-request on expiry.
func (c *Client) GetAppAccessToken(ctx context.Context, cfg Config) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	return c.tokenGrant(ctx, cfg, form)
}

// TokenValidation is the /oauth2/validate payload for a live token.
type TokenValidation struct {
	ClientID  string    `json:"client_id"`
	Login     string    `json:"login"`
	UserID    string    `json:"user_id"`
	Scopes    ScopeList `json:"scopes"`
	ExpiresIn int       `json:"expires_in"`
}

// ValidateToken checks the access token against the OAuth validate endpoint.
// An expired or revoked token returns ok=false with no error; transport and
// unexpected statuses surface as errors.
func (c *Client) ValidateToken(ctx context.Context, cfg Config) (*TokenValidation, bool, error) {
	u := cfg.OAuthURL + "/oauth2/validate"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("twitchapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+cfg.AccessToken)

	var validation TokenValidation
	err = c.doJSON(req, "/oauth2/validate", &validation)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &validation, true, nil
}

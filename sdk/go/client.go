package echolinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Echoline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Sentinel errors matching the API error codes.
var (
	ErrNoTilesAvailable  = errors.New("no tiles available")
	ErrNotOwner          = errors.New("tile not assigned to user")
	ErrSkipLimitExceeded = errors.New("skip limit exceeded")
	ErrNoAnnotations     = errors.New("at least one annotation required")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
)

// Bounds is a tile's bounding box in WGS84.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// Tile represents the API tile model.
type Tile struct {
	ID                string       `json:"id"`
	MapID             string       `json:"mapId"`
	Name              string       `json:"name"`
	Bounds            Bounds       `json:"bounds"`
	Status            string       `json:"status"`
	AssignedTo        *string      `json:"assignedTo,omitempty"`
	CompletedBy       *string      `json:"completedBy,omitempty"`
	NoEcho            bool         `json:"noEcho"`
	ImageURL          string       `json:"imageUrl"`
	AnnotatedImageURL *string      `json:"annotatedImageUrl,omitempty"`
	Annotations       []Annotation `json:"annotations,omitempty"`
	CreatedAt         string       `json:"createdAt"`
	UpdatedAt         string       `json:"updatedAt"`
	CompletedAt       *string      `json:"completedAt,omitempty"`
}

// Annotation represents a polygon drawn on a tile.
type Annotation struct {
	ID        string          `json:"id"`
	TileID    string          `json:"tileId"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Geometry  json.RawMessage `json:"geometry"`
	Label     string          `json:"label"`
	Period    string          `json:"period"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

// User represents an account.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

// AuthResult is the token and account returned by register and login.
type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Map represents a registered LiDAR map.
type Map struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	SourceURL  string         `json:"sourceUrl,omitempty"`
	Rows       int            `json:"rows"`
	Cols       int            `json:"cols"`
	Status     string         `json:"status"`
	TileCounts map[string]int `json:"tileCounts,omitempty"`
	CreatedAt  string         `json:"createdAt"`
	UpdatedAt  string         `json:"updatedAt"`
}

// SkipSession reports the caller's skip budget.
type SkipSession struct {
	SkipsUsed int `json:"skipsUsed"`
	SkipLimit int `json:"skipLimit"`
}

// Stats is the deployment progress summary.
type Stats struct {
	Tiles              map[string]int `json:"tiles"`
	AnnotationsByUser  map[string]int `json:"annotationsByUser"`
	TotalTiles         int            `json:"totalTiles"`
	TotalAnnotations   int            `json:"totalAnnotations"`
	CompletionFraction float64        `json:"completionFraction"`
}

// TileIngest is one tile record for bulk ingest.
type TileIngest struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name,omitempty"`
	MinLat   float64 `json:"minLat"`
	MinLng   float64 `json:"minLng"`
	MaxLat   float64 `json:"maxLat"`
	MaxLng   float64 `json:"maxLng"`
	ImageURL string  `json:"imageUrl"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps well-known API codes onto sentinel errors so callers can
// use errors.Is against the typed conditions.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "no_tiles_available":
		return ErrNoTilesAvailable
	case "not_owner":
		return ErrNotOwner
	case "skip_limit_exceeded":
		return ErrSkipLimitExceeded
	case "no_annotations":
		return ErrNoAnnotations
	case "unauthorized", "invalid_credentials":
		return ErrUnauthorized
	case "not_found":
		return ErrNotFound
	}
	return nil
}

// Register creates an account and returns its token.
func (c *Client) Register(ctx context.Context, username, email, password string) (AuthResult, error) {
	body := map[string]any{"username": username, "email": email, "password": password}
	var resp AuthResult
	err := c.do(ctx, http.MethodPost, "v0/auth/register", body, &resp)
	return resp, err
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResult, error) {
	body := map[string]any{"email": email, "password": password}
	var resp AuthResult
	err := c.do(ctx, http.MethodPost, "v0/auth/login", body, &resp)
	return resp, err
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "v0/users/me", nil, &resp)
	return resp, err
}

// Assign requests a tile for the caller. Resumes the caller's current
// in-progress tile if one exists.
func (c *Client) Assign(ctx context.Context) (Tile, error) {
	var resp Tile
	err := c.do(ctx, http.MethodPost, "v0/tiles/assign", nil, &resp)
	return resp, err
}

// Assigned returns the caller's current in-progress tile with its annotations.
func (c *Client) Assigned(ctx context.Context) (Tile, error) {
	var resp Tile
	err := c.do(ctx, http.MethodGet, "v0/tiles/assigned", nil, &resp)
	return resp, err
}

// Skip returns the tile to the pool and reports the remaining skip budget.
func (c *Client) Skip(ctx context.Context, tileID string) (SkipSession, error) {
	var resp SkipSession
	endpoint := fmt.Sprintf("v0/tiles/%s/skip", url.PathEscape(tileID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Session reports the caller's skip budget without mutating anything.
func (c *Client) Session(ctx context.Context) (SkipSession, error) {
	var resp SkipSession
	err := c.do(ctx, http.MethodGet, "v0/tiles/session", nil, &resp)
	return resp, err
}

// Submit completes a tile with the given annotation IDs.
func (c *Client) Submit(ctx context.Context, tileID string, annotationIDs []string) (Tile, error) {
	body := map[string]any{"tileId": tileID, "annotationIds": annotationIDs}
	var resp Tile
	err := c.do(ctx, http.MethodPost, "v0/tiles/submit", body, &resp)
	return resp, err
}

// NoEcho completes a tile that contains no features.
func (c *Client) NoEcho(ctx context.Context, tileID string) (Tile, error) {
	var resp Tile
	endpoint := fmt.Sprintf("v0/tiles/%s/no-echo", url.PathEscape(tileID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetTile fetches a tile with its annotations.
func (c *Client) GetTile(ctx context.Context, tileID string) (Tile, error) {
	var resp Tile
	endpoint := fmt.Sprintf("v0/tiles/%s", url.PathEscape(tileID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateAnnotation records a polygon on the caller's tile.
func (c *Client) CreateAnnotation(ctx context.Context, tileID string, geometry json.RawMessage, label, period, notes string) (Annotation, error) {
	body := map[string]any{
		"tileId":   tileID,
		"geometry": geometry,
		"label":    label,
		"period":   period,
		"notes":    notes,
	}
	var resp Annotation
	err := c.do(ctx, http.MethodPost, "v0/annotations", body, &resp)
	return resp, err
}

// AnnotationsByUser lists a user's annotations. Empty userID means the caller.
func (c *Client) AnnotationsByUser(ctx context.Context, userID string) ([]Annotation, error) {
	endpoint := "v0/annotations"
	if userID != "" {
		endpoint += "?userId=" + url.QueryEscape(userID)
	}
	var resp []Annotation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RegisterMap records an uploaded map awaiting tiling.
func (c *Client) RegisterMap(ctx context.Context, name, sourceURL string) (Map, error) {
	body := map[string]any{"name": name, "sourceUrl": sourceURL}
	var resp Map
	err := c.do(ctx, http.MethodPost, "v0/maps", body, &resp)
	return resp, err
}

// MapByID fetches a map with its tile progress.
func (c *Client) MapByID(ctx context.Context, mapID string) (Map, error) {
	var resp Map
	endpoint := fmt.Sprintf("v0/maps/%s", url.PathEscape(mapID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetMapStatus reports tiling progress for a map. Pipeline credential only.
func (c *Client) SetMapStatus(ctx context.Context, mapID, status string) (Map, error) {
	body := map[string]any{"status": status}
	var resp Map
	endpoint := fmt.Sprintf("v0/maps/%s/status", url.PathEscape(mapID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// IngestTiles bulk-inserts pipeline-produced tiles for a map.
func (c *Client) IngestTiles(ctx context.Context, mapID string, tiles []TileIngest, rows, cols int) ([]Tile, error) {
	body := map[string]any{"tiles": tiles, "rows": rows, "cols": cols}
	var resp struct {
		Items []Tile `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/maps/%s/tiles", url.PathEscape(mapID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Items, err
}

// Stats returns the deployment progress summary.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"echoline/internal/domain"
)

// Request payloads

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type SetRoleRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role" enum:"SUPER_ADMIN,USER"`
}

type SubmitTileRequest struct {
	TileID        string   `json:"tileId"`
	AnnotationIDs []string `json:"annotationIds"`
	SubmittedBy   string   `json:"submittedBy,omitempty"`
}

type CreateAnnotationRequest struct {
	TileID   string          `json:"tileId"`
	Type     string          `json:"type,omitempty" enum:"polygon"`
	Geometry json.RawMessage `json:"geometry"`
	Label    string          `json:"label"`
	Period   string          `json:"period"`
	Notes    string          `json:"notes,omitempty"`
}

type RegisterMapRequest struct {
	Name      string `json:"name"`
	SourceURL string `json:"sourceUrl,omitempty"`
}

type SetMapStatusRequest struct {
	Status string `json:"status" enum:"processing,ready,failed"`
}

type IngestTileRequest struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name,omitempty"`
	MinLat   float64 `json:"minLat"`
	MinLng   float64 `json:"minLng"`
	MaxLat   float64 `json:"maxLat"`
	MaxLng   float64 `json:"maxLng"`
	ImageURL string  `json:"imageUrl"`
}

type IngestTilesRequest struct {
	Rows  int                 `json:"rows,omitempty"`
	Cols  int                 `json:"cols,omitempty"`
	Tiles []IngestTileRequest `json:"tiles"`
}

// Response payloads
//
// Tile and annotation responses keep the legacy wire shape: both `_id` and
// `id` carry the identifier, and field names are camelCase.

type BoundsResponse struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

type TileResponse struct {
	LegacyID          string               `json:"_id"`
	ID                string               `json:"id"`
	MapID             string               `json:"mapId"`
	Name              string               `json:"name"`
	Bounds            BoundsResponse       `json:"bounds"`
	Status            string               `json:"status" enum:"available,in_progress,completed"`
	AssignedTo        *string              `json:"assignedTo,omitempty"`
	CompletedBy       *string              `json:"completedBy,omitempty"`
	NoEcho            bool                 `json:"noEcho"`
	ImageURL          string               `json:"imageUrl"`
	AnnotatedImageURL *string              `json:"annotatedImageUrl,omitempty"`
	Annotations       []AnnotationResponse `json:"annotations,omitempty"`
	CreatedAt         string               `json:"createdAt" format:"date-time"`
	UpdatedAt         string               `json:"updatedAt" format:"date-time"`
	CompletedAt       *string              `json:"completedAt,omitempty" format:"date-time"`
}

type AnnotationResponse struct {
	LegacyID  string          `json:"_id"`
	ID        string          `json:"id"`
	TileID    string          `json:"tileId"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type" enum:"polygon"`
	Geometry  json.RawMessage `json:"geometry"`
	Label     string          `json:"label"`
	Period    string          `json:"period"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt string          `json:"createdAt" format:"date-time"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      string `json:"role" enum:"SUPER_ADMIN,USER"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type MapResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	SourceURL  string         `json:"sourceUrl,omitempty"`
	Rows       int            `json:"rows"`
	Cols       int            `json:"cols"`
	Status     string         `json:"status" enum:"processing,ready,failed"`
	TileCounts map[string]int `json:"tileCounts,omitempty"`
	CreatedAt  string         `json:"createdAt" format:"date-time"`
	UpdatedAt  string         `json:"updatedAt" format:"date-time"`
}

type StatsResponse struct {
	Tiles              map[string]int `json:"tiles"`
	AnnotationsByUser  map[string]int `json:"annotationsByUser"`
	TotalTiles         int            `json:"totalTiles"`
	TotalAnnotations   int            `json:"totalAnnotations"`
	CompletionFraction float64        `json:"completionFraction"`
}

type SkipSessionResponse struct {
	SkipsUsed int `json:"skipsUsed"`
	SkipLimit int `json:"skipLimit"`
}

type paginatedTiles struct {
	Items      []TileResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func tileResponse(t domain.Tile) TileResponse {
	return TileResponse{
		LegacyID: t.ID,
		ID:       t.ID,
		MapID:    t.MapID,
		Name:     t.Name,
		Bounds: BoundsResponse{
			MinLat: t.MinLat,
			MinLng: t.MinLng,
			MaxLat: t.MaxLat,
			MaxLng: t.MaxLng,
		},
		Status:            t.Status,
		AssignedTo:        t.AssignedTo,
		CompletedBy:       t.CompletedBy,
		NoEcho:            t.NoEcho,
		ImageURL:          t.ImageURL,
		AnnotatedImageURL: t.AnnotatedImageURL,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		CompletedAt:       t.CompletedAt,
	}
}

func annotationResponse(a domain.Annotation) AnnotationResponse {
	return AnnotationResponse{
		LegacyID:  a.ID,
		ID:        a.ID,
		TileID:    a.TileID,
		UserID:    a.UserID,
		Type:      a.Type,
		Geometry:  json.RawMessage(a.GeometryJSON),
		Label:     a.Label,
		Period:    a.Period,
		Notes:     a.Notes,
		CreatedAt: a.CreatedAt,
	}
}

func mapAnnotations(items []domain.Annotation) []AnnotationResponse {
	res := make([]AnnotationResponse, 0, len(items))
	for _, a := range items {
		res = append(res, annotationResponse(a))
	}
	return res
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

func mapResponse(m domain.Map, counts map[string]int) MapResponse {
	return MapResponse{
		ID:         m.ID,
		Name:       m.Name,
		SourceURL:  m.SourceURL,
		Rows:       m.Rows,
		Cols:       m.Cols,
		Status:     m.Status,
		TileCounts: counts,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// Cursor helpers

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

package domain

type Map struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SourceURL string `json:"source_url,omitempty"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
	Status    string `json:"status" enum:"processing,ready,failed"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Tile struct {
	ID                string  `json:"id"`
	MapID             string  `json:"map_id"`
	Name              string  `json:"name"`
	MinLat            float64 `json:"min_lat"`
	MinLng            float64 `json:"min_lng"`
	MaxLat            float64 `json:"max_lat"`
	MaxLng            float64 `json:"max_lng"`
	Status            string  `json:"status" enum:"available,in_progress,completed"`
	AssignedTo        *string `json:"assigned_to,omitempty"`
	CompletedBy       *string `json:"completed_by,omitempty"`
	NoEcho            bool    `json:"no_echo"`
	ImageURL          string  `json:"image_url"`
	AnnotatedImageURL *string `json:"annotated_image_url,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
}

type Annotation struct {
	ID           string `json:"id"`
	TileID       string `json:"tile_id"`
	UserID       string `json:"user_id"`
	Type         string `json:"type" enum:"polygon"`
	GeometryJSON string `json:"geometry_json"`
	Label        string `json:"label"`
	Period       string `json:"period"`
	Notes        string `json:"notes,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Role         string `json:"role" enum:"SUPER_ADMIN,USER"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// SkipSession tracks how many skips a user has spent since their last
// successful submission.
type SkipSession struct {
	UserID    string `json:"user_id"`
	SkipsUsed int    `json:"skips_used"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MapID      string `json:"map_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

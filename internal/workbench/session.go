package workbench

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	echolinesdk "echoline/sdk/go"
)

// Session is the locally cached working state for one annotator: the tile
// being worked on and the annotation drafts not yet submitted. It survives
// restarts so an annotator can resume without asking the server first.
type Session struct {
	UserID    string                   `json:"userId"`
	Tile      *echolinesdk.Tile        `json:"tile,omitempty"`
	Drafts    []echolinesdk.Annotation `json:"drafts,omitempty"`
	SkipsUsed int                      `json:"skipsUsed"`
}

// SessionStore persists the session as a JSON file in the workspace.
type SessionStore struct {
	Dir string
}

func (s SessionStore) path() string {
	return filepath.Join(s.Dir, "session.json")
}

// Load reads the cached session. A missing file yields an empty session.
func (s SessionStore) Load() (Session, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, nil
		}
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt cache is not fatal; start fresh.
		return Session{}, nil
	}
	return sess, nil
}

// Save writes the session atomically.
func (s SessionStore) Save(sess Session) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path())
}

// Purge removes the cached session.
func (s SessionStore) Purge() error {
	err := os.Remove(s.path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ValidFor reports whether the cached session still represents live server
// state for the given user: the tile must be in_progress and assigned to them.
func (sess Session) ValidFor(userID string) bool {
	if sess.UserID != userID || sess.Tile == nil {
		return false
	}
	if sess.Tile.Status != "in_progress" {
		return false
	}
	return sess.Tile.AssignedTo != nil && *sess.Tile.AssignedTo == userID
}

// DraftIDs returns the annotation IDs collected so far.
func (sess Session) DraftIDs() []string {
	ids := make([]string, 0, len(sess.Drafts))
	for _, d := range sess.Drafts {
		ids = append(ids, d.ID)
	}
	return ids
}

func (sess Session) String() string {
	if sess.Tile == nil {
		return "no active tile"
	}
	return fmt.Sprintf("tile %s (%d drafts, %d skips used)", sess.Tile.ID, len(sess.Drafts), sess.SkipsUsed)
}

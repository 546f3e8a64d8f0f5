package workbench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	echolinesdk "echoline/sdk/go"
)

// Workbench drives the annotator workflow against the API: fetch a tile,
// draw annotations, then submit, skip, or mark no-echo. It keeps the local
// session cache consistent with server state, purging it whenever the
// server says the cached tile no longer belongs to the user.
type Workbench struct {
	Client *echolinesdk.Client
	Store  SessionStore
	UserID string
}

func New(client *echolinesdk.Client, store SessionStore, userID string) *Workbench {
	return &Workbench{Client: client, Store: store, UserID: userID}
}

// Resume restores the cached session, falling back to the server when the
// cache is missing, invalid, or belongs to a different user.
func (w *Workbench) Resume(ctx context.Context) (Session, error) {
	sess, err := w.Store.Load()
	if err != nil {
		return Session{}, err
	}
	if sess.UserID != "" && sess.UserID != w.UserID {
		// Another account used this workspace; its drafts are not ours.
		if err := w.Store.Purge(); err != nil {
			return Session{}, err
		}
		sess = Session{}
	}
	if sess.ValidFor(w.UserID) {
		// A valid snapshot restores without a round trip; if the server
		// reclaimed the tile meanwhile, the next submit/skip/no-echo comes
		// back not_owner and purges then.
		return sess, nil
	}
	if sess.Tile != nil {
		// Snapshot exists but is no longer valid (completed or released).
		if err := w.Store.Purge(); err != nil {
			return Session{}, err
		}
	}
	tile, err := w.Client.Assigned(ctx)
	if err != nil {
		if errors.Is(err, echolinesdk.ErrNotFound) {
			return Session{UserID: w.UserID}, nil
		}
		return Session{}, err
	}
	sess = Session{UserID: w.UserID, Tile: &tile, Drafts: tile.Annotations}
	return sess, w.Store.Save(sess)
}

// Fetch asks the server for a tile and starts a fresh session around it.
func (w *Workbench) Fetch(ctx context.Context) (Session, error) {
	tile, err := w.Client.Assign(ctx)
	if err != nil {
		return Session{}, err
	}
	sess := Session{UserID: w.UserID, Tile: &tile, Drafts: tile.Annotations}
	return sess, w.Store.Save(sess)
}

// Annotate records a polygon on the current tile and adds it to the drafts.
func (w *Workbench) Annotate(ctx context.Context, geometry json.RawMessage, label, period, notes string) (Session, error) {
	sess, err := w.Store.Load()
	if err != nil {
		return Session{}, err
	}
	if !sess.ValidFor(w.UserID) {
		return Session{}, errors.New("no active tile; fetch one first")
	}
	a, err := w.Client.CreateAnnotation(ctx, sess.Tile.ID, geometry, label, period, notes)
	if err != nil {
		return Session{}, err
	}
	sess.Drafts = append(sess.Drafts, a)
	return sess, w.Store.Save(sess)
}

// Submit finalizes the current tile with its drafted annotations. The cache
// is purged only on success or when the server confirms the tile is no
// longer ours; transient failures keep the drafts so a retry loses nothing.
func (w *Workbench) Submit(ctx context.Context) (echolinesdk.Tile, error) {
	sess, err := w.Store.Load()
	if err != nil {
		return echolinesdk.Tile{}, err
	}
	if !sess.ValidFor(w.UserID) {
		return echolinesdk.Tile{}, errors.New("no active tile; fetch one first")
	}
	if len(sess.Drafts) == 0 {
		return echolinesdk.Tile{}, errors.New("no annotations drafted; use no-echo for empty tiles")
	}
	tile, err := w.Client.Submit(ctx, sess.Tile.ID, sess.DraftIDs())
	if err != nil {
		if errors.Is(err, echolinesdk.ErrNotOwner) {
			_ = w.Store.Purge()
		}
		return echolinesdk.Tile{}, err
	}
	if err := w.Store.Purge(); err != nil {
		return tile, fmt.Errorf("submitted but cache not cleared: %w", err)
	}
	return tile, nil
}

// Skip returns the current tile to the pool and claims a replacement. A
// denied skip (budget spent) keeps the session intact.
func (w *Workbench) Skip(ctx context.Context) (echolinesdk.SkipSession, error) {
	sess, err := w.Store.Load()
	if err != nil {
		return echolinesdk.SkipSession{}, err
	}
	if !sess.ValidFor(w.UserID) {
		return echolinesdk.SkipSession{}, errors.New("no active tile; fetch one first")
	}
	budget, err := w.Client.Skip(ctx, sess.Tile.ID)
	if err != nil {
		if errors.Is(err, echolinesdk.ErrNotOwner) {
			_ = w.Store.Purge()
		}
		return echolinesdk.SkipSession{}, err
	}
	next, err := w.Client.Assign(ctx)
	if err != nil {
		if purgeErr := w.Store.Purge(); purgeErr != nil {
			return budget, fmt.Errorf("skipped but cache not cleared: %w", purgeErr)
		}
		if errors.Is(err, echolinesdk.ErrNoTilesAvailable) {
			return budget, nil
		}
		return budget, err
	}
	sess = Session{UserID: w.UserID, Tile: &next, Drafts: next.Annotations, SkipsUsed: budget.SkipsUsed}
	return budget, w.Store.Save(sess)
}

// NoEcho completes the current tile as featureless.
func (w *Workbench) NoEcho(ctx context.Context) (echolinesdk.Tile, error) {
	sess, err := w.Store.Load()
	if err != nil {
		return echolinesdk.Tile{}, err
	}
	if !sess.ValidFor(w.UserID) {
		return echolinesdk.Tile{}, errors.New("no active tile; fetch one first")
	}
	tile, err := w.Client.NoEcho(ctx, sess.Tile.ID)
	if err != nil {
		if errors.Is(err, echolinesdk.ErrNotOwner) {
			_ = w.Store.Purge()
		}
		return echolinesdk.Tile{}, err
	}
	if err := w.Store.Purge(); err != nil {
		return tile, fmt.Errorf("completed but cache not cleared: %w", err)
	}
	return tile, nil
}

package workbench_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"echoline/internal/config"
	"echoline/internal/db"
	"echoline/internal/engine"
	"echoline/internal/migrate"
	"echoline/internal/server"
	"echoline/internal/workbench"
	echolinesdk "echoline/sdk/go"
)

type testStack struct {
	Engine engine.Engine
	URL    string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("echoline-test")
	e := engine.New(conn, cfg)
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testStack{Engine: e, URL: "http://" + ln.Addr().String()}
}

func (s *testStack) client(t *testing.T, username string) (*echolinesdk.Client, string) {
	t.Helper()
	c := echolinesdk.New(s.URL)
	auth, err := c.Register(context.Background(), username, username+"@example.com", "correct-horse-battery")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	c.BearerToken = auth.Token
	return c, auth.User.ID
}

func (s *testStack) seedTiles(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	m, err := s.Engine.RegisterMap(ctx, "survey", "", "admin")
	if err != nil {
		t.Fatalf("register map: %v", err)
	}
	ingest := make([]engine.TileIngest, 0, n)
	for i := 0; i < n; i++ {
		ingest = append(ingest, engine.TileIngest{
			ID:       fmt.Sprintf("tile-%02d", i),
			MinLat:   0, MinLng: 0, MaxLat: 1, MaxLng: 1,
			ImageURL: fmt.Sprintf("https://tiles.example.com/r0c%d.png", i),
		})
	}
	if _, err := s.Engine.IngestTiles(ctx, m.ID, ingest, 1, n, "pipeline"); err != nil {
		t.Fatalf("ingest tiles: %v", err)
	}
}

const triangle = `{"type":"Polygon","coordinates":[[[0.1,0.1],[0.3,0.1],[0.2,0.3],[0.1,0.1]]]}`

func TestFetchAnnotateSubmit(t *testing.T) {
	stack := newTestStack(t)
	stack.seedTiles(t, 2)
	client, userID := stack.client(t, "alice")
	store := workbench.SessionStore{Dir: t.TempDir()}
	wb := workbench.New(client, store, userID)
	ctx := context.Background()

	sess, err := wb.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if sess.Tile == nil || sess.Tile.Status != "in_progress" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	sess, err = wb.Annotate(ctx, json.RawMessage(triangle), "Road", "Medieval", "")
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if len(sess.Drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d", len(sess.Drafts))
	}

	tile, err := wb.Submit(ctx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tile.Status != "completed" {
		t.Fatalf("expected completed, got %s", tile.Status)
	}

	// submission clears the cache
	after, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if after.Tile != nil {
		t.Fatalf("expected purged session, got %+v", after)
	}
}

func TestSubmitWithoutDrafts(t *testing.T) {
	stack := newTestStack(t)
	stack.seedTiles(t, 1)
	client, userID := stack.client(t, "alice")
	wb := workbench.New(client, workbench.SessionStore{Dir: t.TempDir()}, userID)
	ctx := context.Background()

	if _, err := wb.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := wb.Submit(ctx); err == nil {
		t.Fatalf("expected submit without drafts to fail")
	}
}

func TestResumeSurvivesRestart(t *testing.T) {
	stack := newTestStack(t)
	stack.seedTiles(t, 2)
	client, userID := stack.client(t, "alice")
	dir := t.TempDir()
	ctx := context.Background()

	wb := workbench.New(client, workbench.SessionStore{Dir: dir}, userID)
	sess, err := wb.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// a fresh workbench over the same workspace resumes the same tile
	wb2 := workbench.New(client, workbench.SessionStore{Dir: dir}, userID)
	resumed, err := wb2.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Tile == nil || resumed.Tile.ID != sess.Tile.ID {
		t.Fatalf("expected resumed tile %s, got %+v", sess.Tile.ID, resumed.Tile)
	}
}

func TestResumePurgesOnUserSwitch(t *testing.T) {
	stack := newTestStack(t)
	stack.seedTiles(t, 2)
	alice, aliceID := stack.client(t, "alice")
	bob, bobID := stack.client(t, "bob")
	dir := t.TempDir()
	ctx := context.Background()

	wbAlice := workbench.New(alice, workbench.SessionStore{Dir: dir}, aliceID)
	aliceSess, err := wbAlice.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// bob signs in on the same machine; alice's drafts must not leak
	wbBob := workbench.New(bob, workbench.SessionStore{Dir: dir}, bobID)
	bobSess, err := wbBob.Resume(ctx)
	if err != nil {
		t.Fatalf("resume as bob: %v", err)
	}
	if bobSess.Tile != nil && bobSess.Tile.ID == aliceSess.Tile.ID {
		t.Fatalf("bob inherited alice's tile")
	}
	if bobSess.UserID != bobID {
		t.Fatalf("unexpected session owner %s", bobSess.UserID)
	}
}

func TestResumeWithValidCacheNeedsNoServer(t *testing.T) {
	store := workbench.SessionStore{Dir: t.TempDir()}
	owner := "user-1"
	tile := echolinesdk.Tile{ID: "tile-00", Status: "in_progress", AssignedTo: &owner}
	saved := workbench.Session{
		UserID: owner,
		Tile:   &tile,
		Drafts: []echolinesdk.Annotation{{ID: "a-1", TileID: tile.ID, UserID: owner}},
	}
	if err := store.Save(saved); err != nil {
		t.Fatal(err)
	}

	// nothing listens on this address; a valid snapshot must restore anyway
	client := echolinesdk.New("http://127.0.0.1:1")
	wb := workbench.New(client, store, owner)
	sess, err := wb.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess.Tile == nil || sess.Tile.ID != tile.ID {
		t.Fatalf("expected cached tile %s, got %+v", tile.ID, sess.Tile)
	}
	if len(sess.Drafts) != 1 || sess.Drafts[0].ID != "a-1" {
		t.Fatalf("expected cached drafts, got %+v", sess.Drafts)
	}
}

func TestStaleCachePurgedOnSubmit(t *testing.T) {
	stack := newTestStack(t)
	stack.seedTiles(t, 2)
	client, userID := stack.client(t, "alice")
	dir := t.TempDir()
	store := workbench.SessionStore{Dir: dir}
	ctx := context.Background()

	wb := workbench.New(client, store, userID)
	if _, err := wb.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	sess, err := wb.Annotate(ctx, json.RawMessage(triangle), "Road", "Medieval", "")
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}

	// server-side skip releases the tile behind the cache's back
	if err := stack.Engine.Skip(ctx, sess.Tile.ID, userID); err != nil {
		t.Fatalf("server-side skip: %v", err)
	}

	// resume still trusts the snapshot; submit learns the truth and purges
	resumed, err := wb.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Tile == nil || resumed.Tile.ID != sess.Tile.ID {
		t.Fatalf("expected cached tile %s, got %+v", sess.Tile.ID, resumed.Tile)
	}
	if _, err := wb.Submit(ctx); !errors.Is(err, echolinesdk.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	after, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if after.Tile != nil {
		t.Fatalf("expected purged session, got %+v", after)
	}
}

func TestWaitForMap(t *testing.T) {
	stack := newTestStack(t)
	client, _ := stack.client(t, "alice")
	ctx := context.Background()

	m, err := stack.Engine.RegisterMap(ctx, "survey", "", "admin")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		stack.Engine.SetMapStatus(ctx, m.ID, "ready", "pipeline")
	}()
	got, err := workbench.WaitForMap(ctx, client, m.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for map: %v", err)
	}
	if got.Status != "ready" {
		t.Fatalf("expected ready, got %s", got.Status)
	}

	failed, err := stack.Engine.RegisterMap(ctx, "bad-scan", "", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stack.Engine.SetMapStatus(ctx, failed.ID, "failed", "pipeline"); err != nil {
		t.Fatal(err)
	}
	if _, err := workbench.WaitForMap(ctx, client, failed.ID, 10*time.Millisecond); err == nil {
		t.Fatal("expected error for failed map")
	}
}

func TestSkipDeniedKeepsSession(t *testing.T) {
	stack := newTestStack(t)
	stack.seedTiles(t, 5)
	client, userID := stack.client(t, "alice")
	store := workbench.SessionStore{Dir: t.TempDir()}
	wb := workbench.New(client, store, userID)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := wb.Fetch(ctx); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if _, err := wb.Skip(ctx); err != nil {
			t.Fatalf("skip %d: %v", i, err)
		}
	}
	sess, err := wb.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = wb.Skip(ctx)
	if !errors.Is(err, echolinesdk.ErrSkipLimitExceeded) {
		t.Fatalf("expected ErrSkipLimitExceeded, got %v", err)
	}
	kept, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if kept.Tile == nil || kept.Tile.ID != sess.Tile.ID {
		t.Fatalf("denied skip lost the session")
	}
}

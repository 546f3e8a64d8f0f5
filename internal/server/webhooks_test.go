package server

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	srv := newTestServer(t)
	d := &webhookDispatcher{
		engine:  srv.Engine,
		client:  &http.Client{},
		cursors: make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after context cancel")
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("tile.assigned") {
		t.Fatal("empty filter should match everything")
	}
	some := newEventFilter([]string{"tile.completed", " tile.no_echo "})
	if !some.match("tile.completed") || !some.match("tile.no_echo") {
		t.Fatal("listed events should match")
	}
	if some.match("tile.assigned") {
		t.Fatal("unlisted event should not match")
	}
}

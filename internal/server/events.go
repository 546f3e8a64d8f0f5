package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"echoline/internal/engine"
)

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	MapID      string          `json:"mapId,omitempty"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId,omitempty"`
	ActorID    string          `json:"actorId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List event-log entries, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MapID      string `query:"mapId" required:"false"`
		Type       string `query:"type" required:"false"`
		EntityKind string `query:"entityKind" required:"false"`
		EntityID   string `query:"entityId" required:"false"`
		Limit      int    `query:"limit" required:"false"`
		Cursor     string `query:"cursor" required:"false"`
	}) (*struct {
		Body paginatedEvents
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = v
		}
		limit := normalizeLimit(input.Limit)
		events, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.MapID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(events) > limit {
			events = events[:limit]
			next = strconv.FormatInt(events[len(events)-1].ID, 10)
		}
		items := make([]EventResponse, 0, len(events))
		for _, evt := range events {
			item := EventResponse{
				ID:         evt.ID,
				TS:         evt.TS,
				Type:       evt.Type,
				MapID:      evt.MapID,
				EntityKind: evt.EntityKind,
				EntityID:   evt.EntityID,
				ActorID:    evt.ActorID,
			}
			if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
				item.Payload = json.RawMessage(evt.Payload)
			}
			items = append(items, item)
		}
		return &struct {
			Body paginatedEvents
		}{Body: paginatedEvents{Items: items, NextCursor: next}}, nil
	})
}

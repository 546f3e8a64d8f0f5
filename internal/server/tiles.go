package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"echoline/internal/engine"
	"echoline/internal/repo"
)

func registerTiles(api huma.API, e engine.Engine) {
	type tileOutput struct {
		Body TileResponse
	}

	huma.Register(api, huma.Operation{
		OperationID: "assign-tile",
		Method:      http.MethodPost,
		Path:        "/tiles/assign",
		Summary:     "Assign the oldest available tile to the caller",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*tileOutput, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		tile, err := e.Assign(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &tileOutput{Body: tileResponse(tile)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assigned-tile",
		Method:      http.MethodGet,
		Path:        "/tiles/assigned",
		Summary:     "Get the caller's current in-progress tile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*tileOutput, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		tile, err := e.Assigned(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := tileResponse(tile)
		anns, err := e.AnnotationsForTile(ctx, tile.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Annotations = mapAnnotations(anns)
		return &tileOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-tile",
		Method:      http.MethodPost,
		Path:        "/tiles/{id}/skip",
		Summary:     "Return a tile to the pool, spending one session skip",
		Errors:      []int{http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SkipSessionResponse
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := e.Skip(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		used, err := e.Repo.SkipsUsed(ctx, nil, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SkipSessionResponse
		}{Body: SkipSessionResponse{SkipsUsed: used, SkipLimit: e.Config.SkipLimit()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-skip-session",
		Method:      http.MethodGet,
		Path:        "/tiles/session",
		Summary:     "Get the caller's remaining skip budget",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SkipSessionResponse
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		used, err := e.Repo.SkipsUsed(ctx, nil, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SkipSessionResponse
		}{Body: SkipSessionResponse{SkipsUsed: used, SkipLimit: e.Config.SkipLimit()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-tile",
		Method:      http.MethodPost,
		Path:        "/tiles/submit",
		Summary:     "Submit a tile with its annotations",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitTileRequest
	}) (*tileOutput, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if input.Body.SubmittedBy != "" && input.Body.SubmittedBy != userID {
			return nil, newAPIError(http.StatusConflict, "not_owner", "submittedBy does not match the authenticated user", nil)
		}
		tile, err := e.Complete(ctx, input.Body.TileID, userID, input.Body.AnnotationIDs)
		if err != nil {
			return nil, handleError(err)
		}
		resp := tileResponse(tile)
		anns, err := e.AnnotationsForTile(ctx, tile.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Annotations = mapAnnotations(anns)
		return &tileOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-tile-no-echo",
		Method:      http.MethodPost,
		Path:        "/tiles/{id}/no-echo",
		Summary:     "Complete a tile that contains no features",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*tileOutput, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		tile, err := e.MarkNoEcho(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &tileOutput{Body: tileResponse(tile)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tiles",
		Method:      http.MethodGet,
		Path:        "/tiles",
		Summary:     "List tiles, newest first",
	}, func(ctx context.Context, input *struct {
		MapID      string `query:"mapId" required:"false"`
		Status     string `query:"status" required:"false" enum:"available,in_progress,completed"`
		AssignedTo string `query:"assignedTo" required:"false"`
		Limit      int    `query:"limit" required:"false"`
		Cursor     string `query:"cursor" required:"false"`
	}) (*struct {
		Body paginatedTiles
	}, error) {
		if _, herr := userIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		cursorCreatedAt, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		limit := normalizeLimit(input.Limit)
		tiles, err := e.Repo.ListTiles(ctx, repo.TileFilters{
			MapID:           input.MapID,
			Status:          input.Status,
			AssignedTo:      input.AssignedTo,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreatedAt,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(tiles) > limit {
			tiles = tiles[:limit]
			last := tiles[len(tiles)-1]
			next = composeCursor(last.CreatedAt, last.ID)
		}
		items := make([]TileResponse, 0, len(tiles))
		for _, t := range tiles {
			items = append(items, tileResponse(t))
		}
		return &struct {
			Body paginatedTiles
		}{Body: paginatedTiles{Items: items, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tile",
		Method:      http.MethodGet,
		Path:        "/tiles/{id}",
		Summary:     "Get a tile with its annotations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*tileOutput, error) {
		if _, herr := userIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		tile, err := e.Repo.GetTile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := tileResponse(tile)
		anns, err := e.AnnotationsForTile(ctx, tile.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Annotations = mapAnnotations(anns)
		return &tileOutput{Body: resp}, nil
	})
}

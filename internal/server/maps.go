package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"echoline/internal/engine"
)

func registerMaps(api huma.API, e engine.Engine) {
	type mapOutput struct {
		Body MapResponse
	}

	huma.Register(api, huma.Operation{
		OperationID: "register-map",
		Method:      http.MethodPost,
		Path:        "/maps",
		Summary:     "Register an uploaded map for tiling",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RegisterMapRequest
	}) (*mapOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actorID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		m, err := e.RegisterMap(ctx, input.Body.Name, input.Body.SourceURL, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &mapOutput{Body: mapResponse(m, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-maps",
		Method:      http.MethodGet,
		Path:        "/maps",
		Summary:     "List maps with tile progress",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []MapResponse
	}, error) {
		if _, herr := userIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		maps, err := e.Repo.ListMaps(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]MapResponse, 0, len(maps))
		for _, m := range maps {
			counts, err := e.Repo.CountTilesByStatus(ctx, m.ID)
			if err != nil {
				return nil, handleError(err)
			}
			items = append(items, mapResponse(m, counts))
		}
		return &struct {
			Body []MapResponse
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-map",
		Method:      http.MethodGet,
		Path:        "/maps/{id}",
		Summary:     "Get a map",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*mapOutput, error) {
		if _, herr := userIDFromContext(ctx); herr != nil {
			return nil, herr
		}
		m, err := e.Repo.GetMap(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTilesByStatus(ctx, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &mapOutput{Body: mapResponse(m, counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-map-status",
		Method:      http.MethodPatch,
		Path:        "/maps/{id}/status",
		Summary:     "Report tiling progress for a map",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SetMapStatusRequest
	}) (*mapOutput, error) {
		if err := requireService(ctx); err != nil {
			return nil, err
		}
		actorID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		m, err := e.SetMapStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &mapOutput{Body: mapResponse(m, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-tiles",
		Method:      http.MethodPost,
		Path:        "/maps/{id}/tiles",
		Summary:     "Bulk-insert pipeline-produced tiles",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body IngestTilesRequest
	}) (*struct {
		Body paginatedTiles
	}, error) {
		if err := requireService(ctx); err != nil {
			return nil, err
		}
		actorID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		ingest := make([]engine.TileIngest, 0, len(input.Body.Tiles))
		for _, t := range input.Body.Tiles {
			ingest = append(ingest, engine.TileIngest{
				ID:       t.ID,
				Name:     t.Name,
				MinLat:   t.MinLat,
				MinLng:   t.MinLng,
				MaxLat:   t.MaxLat,
				MaxLng:   t.MaxLng,
				ImageURL: t.ImageURL,
			})
		}
		tiles, err := e.IngestTiles(ctx, input.ID, ingest, input.Body.Rows, input.Body.Cols, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]TileResponse, 0, len(tiles))
		for _, t := range tiles {
			items = append(items, tileResponse(t))
		}
		return &struct {
			Body paginatedTiles
		}{Body: paginatedTiles{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-map",
		Method:      http.MethodDelete,
		Path:        "/maps/{id}",
		Summary:     "Delete a map and its tiles",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteMap(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

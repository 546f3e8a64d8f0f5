package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"echoline/internal/engine"
)

func registerAnnotations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-annotation",
		Method:      http.MethodPost,
		Path:        "/annotations",
		Summary:     "Create an annotation on the caller's tile",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateAnnotationRequest
	}) (*struct {
		Body AnnotationResponse
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		a, err := e.CreateAnnotation(ctx, engine.AnnotationCreateOptions{
			TileID:       input.Body.TileID,
			UserID:       userID,
			Type:         input.Body.Type,
			GeometryJSON: string(input.Body.Geometry),
			Label:        input.Body.Label,
			Period:       input.Body.Period,
			Notes:        input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnnotationResponse
		}{Body: annotationResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-annotations",
		Method:      http.MethodGet,
		Path:        "/annotations",
		Summary:     "List annotations by user",
	}, func(ctx context.Context, input *struct {
		UserID string `query:"userId" required:"false"`
	}) (*struct {
		Body []AnnotationResponse
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		target := input.UserID
		if target == "" {
			target = userID
		}
		anns, err := e.AnnotationsByUser(ctx, target)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AnnotationResponse
		}{Body: mapAnnotations(anns)}, nil
	})
}

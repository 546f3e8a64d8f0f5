package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"echoline/internal/engine"
)

func registerAuth(api huma.API, e engine.Engine, auth AuthConfig) {
	type authOutput struct {
		Body AuthResponse
	}

	huma.Register(api, huma.Operation{
		OperationID: "register-user",
		Method:      http.MethodPost,
		Path:        "/auth/register",
		Summary:     "Create an account",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest
	}) (*authOutput, error) {
		u, err := e.RegisterUser(ctx, input.Body.Username, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := auth.IssueToken(u, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &authOutput{Body: AuthResponse{Token: token, User: userResponse(u)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a bearer token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*authOutput, error) {
		u, err := e.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := auth.IssueToken(u, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &authOutput{Body: AuthResponse{Token: token, User: userResponse(u)}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	type userOutput struct {
		Body UserResponse
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/users/me",
		Summary:     "Get the authenticated user",
	}, func(ctx context.Context, _ *struct{}) (*userOutput, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		u, err := e.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]UserResponse, 0, len(users))
		for _, u := range users {
			items = append(items, userResponse(u))
		}
		return &struct {
			Body []UserResponse
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-role",
		Method:      http.MethodPut,
		Path:        "/users/role",
		Summary:     "Change a user's role",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SetRoleRequest
	}) (*userOutput, error) {
		actorID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		u, err := e.SetUserRole(ctx, input.Body.UserID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/users/api-keys",
		Summary:     "Issue a pipeline API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name"`
		}
	}) (*struct {
		Body struct {
			ID   string `json:"id"`
			Name string `json:"name,omitempty"`
			Key  string `json:"key"`
		}
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actorID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		key, plaintext, err := e.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ID   string `json:"id"`
				Name string `json:"name,omitempty"`
				Key  string `json:"key"`
			}
		}{}
		out.Body.ID = key.ID
		out.Body.Name = key.Name
		out.Body.Key = plaintext
		return out, nil
	})
}

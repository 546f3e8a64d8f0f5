package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"echoline/internal/domain"
	"echoline/internal/events"
	"echoline/internal/repo"
)

// ErrInvalidCredentials is returned for unknown users and wrong passwords alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

const minPasswordLength = 8

// RegisterUser creates an account. The very first account becomes
// SUPER_ADMIN so a fresh deployment always has an administrator.
func (e Engine) RegisterUser(ctx context.Context, username, email, password string) (domain.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" {
		return domain.User{}, errors.New("username is required")
	}
	if !strings.Contains(email, "@") {
		return domain.User{}, errors.New("valid email is required")
	}
	if len(password) < minPasswordLength {
		return domain.User{}, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	count, err := e.Repo.CountUsers(ctx)
	if err != nil {
		return domain.User{}, err
	}
	role := "USER"
	if count == 0 {
		role = "SUPER_ADMIN"
	}
	u := domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.User{}, errors.New("username or email already taken")
		}
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.registered", "", "user", u.ID, u.ID, events.EventPayload{"username": u.Username, "role": u.Role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Authenticate verifies an email/password pair.
func (e Engine) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// SetUserRole promotes or demotes a user. Only SUPER_ADMIN may call this.
func (e Engine) SetUserRole(ctx context.Context, userID, role, actorID string) (domain.User, error) {
	if role != "SUPER_ADMIN" && role != "USER" {
		return domain.User{}, fmt.Errorf("invalid role %s", role)
	}
	actor, err := e.Repo.GetUser(ctx, actorID)
	if err != nil {
		return domain.User{}, err
	}
	if actor.Role != "SUPER_ADMIN" {
		return domain.User{}, ForbiddenError{Role: "SUPER_ADMIN"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUserRole(ctx, tx, userID, role); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.role.changed", "", "user", userID, actorID, events.EventPayload{"role": role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

// CreateAPIKey issues a service credential for the tiling pipeline. The
// plaintext key is returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor required")
	}
	plaintext := "elk_" + strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrDuplicateUsername = errors.New("username already taken")

// MemoryRepository backs a single-process deployment without Postgres.
type MemoryRepository struct {
	mu       sync.Mutex
	users    map[string]User
	canvases map[string]Canvas
	created  map[string]time.Time
	roles    map[string]map[string]string
	refresh  map[string]RefreshToken
	Now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    map[string]User{},
		canvases: map[string]Canvas{},
		created:  map[string]time.Time{},
		roles:    map[string]map[string]string{},
		refresh:  map[string]RefreshToken{},
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) EnsureSchema(ctx context.Context) error { return nil }

func (r *MemoryRepository) CreateUser(ctx context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == user.Username {
			return ErrDuplicateUsername
		}
	}
	r.users[user.ID] = user
	return nil
}

func (r *MemoryRepository) FindUserByUsername(ctx context.Context, username string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *MemoryRepository) FindUserByID(ctx context.Context, userID string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepository) CreateCanvas(ctx context.Context, canvas Canvas, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canvases[canvas.ID] = canvas
	r.created[canvas.ID] = r.Now()
	r.roles[canvas.ID] = map[string]string{ownerID: RoleOwner}
	return nil
}

func (r *MemoryRepository) SetCollaboratorByUsername(ctx context.Context, canvasID, username, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.canvases[canvasID]; !ok {
		return ErrNotFound
	}
	for _, u := range r.users {
		if u.Username == username {
			r.roles[canvasID][u.ID] = role
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) GetRole(ctx context.Context, userID, canvasID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role := r.roles[canvasID][userID]
	if role == "" {
		return "", ErrNotFound
	}
	return role, nil
}

func (r *MemoryRepository) ListCanvasesForUser(ctx context.Context, userID string) ([]Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Membership, 0)
	for canvasID, members := range r.roles {
		if role := members[userID]; role != "" {
			out = append(out, Membership{CanvasID: canvasID, CanvasName: r.canvases[canvasID].Name, Role: role})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.created[out[i].CanvasID].After(r.created[out[j].CanvasID])
	})
	return out, nil
}

func (r *MemoryRepository) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh[token.TokenHash] = token
	return nil
}

func (r *MemoryRepository) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.refresh[tokenHash]
	if !ok || rt.RevokedAt != nil || !rt.ExpiresAt.After(r.Now()) {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (r *MemoryRepository) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, rt := range r.refresh {
		if rt.TokenID == tokenID {
			now := r.Now()
			rt.RevokedAt = &now
			r.refresh[hash] = rt
		}
	}
	return nil
}

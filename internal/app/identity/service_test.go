package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sharedcanvas/project/internal/platform/auth"
)

type failingRepo struct {
	*MemoryRepository
	findErr error
}

func (f *failingRepo) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if f.findErr != nil {
		return User{}, f.findErr
	}
	return f.MemoryRepository.FindUserByUsername(ctx, username)
}

func newTestService(repo Repository) *Service {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	tokens := auth.NewManager("secret", time.Hour)
	tokens.Now = func() time.Time { return now }
	svc := NewService(repo, tokens)
	n := 0
	svc.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	svc.Now = func() time.Time { return now }
	return svc
}

func newMemoryRepo() *MemoryRepository {
	repo := NewMemoryRepository()
	repo.Now = func() time.Time { return time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC) }
	return repo
}

func TestService_RegisterAndLogin(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	reg, err := svc.Register(ctx, "  Alice ", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if reg.Username != "alice" || reg.AccessToken == "" || reg.RefreshToken == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	login, err := svc.Login(ctx, "ALICE", "password123")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	claims, err := svc.AuthToken.Parse(login.AccessToken)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if claims.Subject != reg.UserID {
		t.Fatalf("expected subject %s, got %s", reg.UserID, claims.Subject)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	if _, err := svc.Register(ctx, " ", "password123"); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "short"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "password123"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if _, err := svc.Register(ctx, "BOB", "password123"); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
}

func TestService_LoginFailures(t *testing.T) {
	repo := &failingRepo{MemoryRepository: newMemoryRepo()}
	svc := newTestService(repo)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "password123"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	boom := errors.New("db down")
	repo.findErr = boom
	if _, err := svc.Login(ctx, "alice", "password123"); !errors.Is(err, boom) {
		t.Fatalf("expected repository error, got %v", err)
	}
}

func TestService_RefreshRotatesToken(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()
	reg, _ := svc.Register(ctx, "alice", "password123")

	next, err := svc.Refresh(ctx, reg.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if next.RefreshToken == reg.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
	if _, err := svc.Refresh(ctx, reg.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected reused token to be rejected, got %v", err)
	}

	if err := svc.Logout(ctx, next.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, err := svc.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected logged out token to be rejected, got %v", err)
	}
	if _, err := svc.Refresh(ctx, " "); !errors.Is(err, ErrRefreshTokenMissing) {
		t.Fatalf("expected ErrRefreshTokenMissing, got %v", err)
	}
}

func TestService_CanvasSharingAndRoles(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()
	alice, _ := svc.Register(ctx, "alice", "password123")
	bob, _ := svc.Register(ctx, "bob", "password123")

	canvas, err := svc.CreateCanvas(ctx, alice.UserID, " Board ")
	if err != nil {
		t.Fatalf("CreateCanvas error: %v", err)
	}
	if canvas.Name != "Board" {
		t.Fatalf("unexpected canvas: %+v", canvas)
	}

	if _, err := svc.Role(ctx, bob.UserID, canvas.ID); !errors.Is(err, ErrForbiddenCanvas) {
		t.Fatalf("expected ErrForbiddenCanvas, got %v", err)
	}
	if err := svc.Share(ctx, alice.UserID, canvas.ID, "BOB", RoleViewer); err != nil {
		t.Fatalf("Share error: %v", err)
	}
	role, err := svc.Role(ctx, bob.UserID, canvas.ID)
	if err != nil || role != RoleViewer || CanEdit(role) {
		t.Fatalf("expected read-only viewer, got %q %v", role, err)
	}

	if err := svc.Share(ctx, bob.UserID, canvas.ID, "alice", RoleEditor); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole for non-owner, got %v", err)
	}
	if err := svc.Share(ctx, alice.UserID, canvas.ID, "bob", RoleOwner); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if err := svc.Share(ctx, alice.UserID, canvas.ID, "carol", RoleEditor); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	list, err := svc.ListCanvases(ctx, bob.UserID)
	if err != nil || len(list) != 1 || list[0].CanvasID != canvas.ID {
		t.Fatalf("unexpected list: %+v %v", list, err)
	}
}

func TestService_CreateCanvasValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	if _, err := svc.CreateCanvas(context.Background(), "u1", "  "); !errors.Is(err, ErrInvalidCanvasName) {
		t.Fatalf("expected ErrInvalidCanvasName, got %v", err)
	}
}

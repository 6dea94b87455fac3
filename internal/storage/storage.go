package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/xaenox/chatd/internal/models"
)

var (
	// ErrNotFound is returned when the referenced user or thread does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on unique-constraint collisions
	// (username, email, or (user, thread_id)).
	ErrAlreadyExists = errors.New("already exists")
)

type Storage interface {
	// Users
	CreateUser(ctx context.Context, username string, email *string) (*models.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUserProfile(ctx context.Context, id uuid.UUID, update *models.ProfileUpdate) (*models.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error

	// Threads
	CreateThread(ctx context.Context, userID uuid.UUID, threadID, title string) (*models.Thread, error)
	GetThread(ctx context.Context, userID uuid.UUID, threadID string, withMessages bool) (*models.Thread, error)
	ListThreads(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Thread, error)
	UpdateThreadTitle(ctx context.Context, userID uuid.UUID, threadID, title string) (*models.Thread, error)
	DeleteThread(ctx context.Context, userID uuid.UUID, threadID string) error

	// Messages. AppendMessage resolves the thread by (userID, threadID),
	// inserts the message and bumps the thread's updated_at to the message
	// creation time in a single transaction. Each call runs in its own
	// transaction, so a caller can persist a message after the request that
	// started the conversation turn is gone.
	AppendMessage(ctx context.Context, userID uuid.UUID, threadID, role, content string, metadata map[string]any) (*models.Message, error)
	GetMessages(ctx context.Context, userID uuid.UUID, threadID string, limit int) ([]*models.Message, error)

	Close() error
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/chatd/internal/models"
)

// MemoryStorage is an in-memory Storage used by tests and the
// use_in_memory config mode. It mirrors the Postgres semantics: unique
// usernames/emails, unique (user, thread_id), cascading deletes, and the
// updated_at bump on message append.
type MemoryStorage struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*models.User
	threads  map[uuid.UUID]*models.Thread
	messages map[uuid.UUID][]models.Message // keyed by thread surrogate id
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:    make(map[uuid.UUID]*models.User),
		threads:  make(map[uuid.UUID]*models.Thread),
		messages: make(map[uuid.UUID][]models.Message),
	}
}

// User methods

func (s *MemoryStorage) CreateUser(ctx context.Context, username string, email *string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return nil, ErrAlreadyExists
		}
		if email != nil && u.Email != nil && *u.Email == *email {
			return nil, ErrAlreadyExists
		}
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:        uuid.New(),
		Username:  username,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[user.ID] = user

	copied := *user
	return &copied, nil
}

func (s *MemoryStorage) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Username == username {
			copied := *user
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Email != nil && *user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) UpdateUserProfile(ctx context.Context, id uuid.UUID, update *models.ProfileUpdate) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return nil, ErrNotFound
	}

	if update.Email != nil {
		for _, u := range s.users {
			if u.ID != id && u.Email != nil && *u.Email == *update.Email {
				return nil, ErrAlreadyExists
			}
		}
		user.Email = update.Email
	}
	if update.DisplayName != nil {
		user.DisplayName = update.DisplayName
	}
	if update.Bio != nil {
		user.Bio = update.Bio
	}
	if update.AvatarURL != nil {
		user.AvatarURL = update.AvatarURL
	}
	if update.Phone != nil {
		user.Phone = update.Phone
	}
	if update.Timezone != nil {
		user.Timezone = update.Timezone
	}
	if update.Preferences != nil {
		user.Preferences = update.Preferences
	}
	user.UpdatedAt = time.Now().UTC()

	copied := *user
	return &copied, nil
}

func (s *MemoryStorage) DeleteUser(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[id]; !exists {
		return ErrNotFound
	}
	delete(s.users, id)

	// Cascade to threads and their messages
	for threadPK, thread := range s.threads {
		if thread.UserID == id {
			delete(s.threads, threadPK)
			delete(s.messages, threadPK)
		}
	}
	return nil
}

// Thread methods

func (s *MemoryStorage) findThread(userID uuid.UUID, threadID string) *models.Thread {
	for _, thread := range s.threads {
		if thread.UserID == userID && thread.ThreadID == threadID {
			return thread
		}
	}
	return nil
}

func (s *MemoryStorage) CreateThread(ctx context.Context, userID uuid.UUID, threadID, title string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; !exists {
		return nil, ErrNotFound
	}
	if s.findThread(userID, threadID) != nil {
		return nil, ErrAlreadyExists
	}

	now := time.Now().UTC()
	thread := &models.Thread{
		ID:        uuid.New(),
		UserID:    userID,
		ThreadID:  threadID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.threads[thread.ID] = thread

	copied := *thread
	return &copied, nil
}

func (s *MemoryStorage) GetThread(ctx context.Context, userID uuid.UUID, threadID string, withMessages bool) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread := s.findThread(userID, threadID)
	if thread == nil {
		return nil, ErrNotFound
	}

	copied := *thread
	if withMessages {
		messages := s.messages[thread.ID]
		copied.Messages = append([]models.Message(nil), messages...)
		copied.MessageCount = len(messages)
	}
	return &copied, nil
}

func (s *MemoryStorage) ListThreads(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var threads []*models.Thread
	for _, thread := range s.threads {
		if thread.UserID != userID {
			continue
		}
		copied := *thread
		copied.MessageCount = len(s.messages[thread.ID])
		threads = append(threads, &copied)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	if limit > 0 && len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

func (s *MemoryStorage) UpdateThreadTitle(ctx context.Context, userID uuid.UUID, threadID, title string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.findThread(userID, threadID)
	if thread == nil {
		return nil, ErrNotFound
	}

	thread.Title = title
	thread.UpdatedAt = time.Now().UTC()

	copied := *thread
	return &copied, nil
}

func (s *MemoryStorage) DeleteThread(ctx context.Context, userID uuid.UUID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.findThread(userID, threadID)
	if thread == nil {
		return ErrNotFound
	}

	delete(s.threads, thread.ID)
	delete(s.messages, thread.ID)
	return nil
}

// Message methods

func (s *MemoryStorage) AppendMessage(ctx context.Context, userID uuid.UUID, threadID, role, content string, metadata map[string]any) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.findThread(userID, threadID)
	if thread == nil {
		return nil, ErrNotFound
	}

	message := models.Message{
		ID:        uuid.New(),
		ThreadID:  thread.ID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[thread.ID] = append(s.messages[thread.ID], message)
	thread.UpdatedAt = message.CreatedAt

	copied := message
	return &copied, nil
}

func (s *MemoryStorage) GetMessages(ctx context.Context, userID uuid.UUID, threadID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread := s.findThread(userID, threadID)
	if thread == nil {
		return nil, ErrNotFound
	}

	messages := s.messages[thread.ID]
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}

	result := make([]*models.Message, 0, len(messages))
	for i := range messages {
		copied := messages[i]
		result = append(result, &copied)
	}
	return result, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Message roles persisted in chat_messages.role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidRole reports whether role is one of the persisted message roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// User represents a registered account that owns chat threads
type User struct {
	ID          uuid.UUID      `json:"id"`
	Username    string         `json:"username"`
	Email       *string        `json:"email,omitempty"`
	DisplayName *string        `json:"display_name,omitempty"`
	Bio         *string        `json:"bio,omitempty"`
	AvatarURL   *string        `json:"avatar_url,omitempty"`
	Phone       *string        `json:"phone,omitempty"`
	Timezone    *string        `json:"timezone,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Thread represents a conversation thread. ThreadID is the caller-chosen
// identifier, unique per owning user; ID is the surrogate key.
type Thread struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Messages     []Message `json:"messages,omitempty"`
	MessageCount int       `json:"message_count"`
}

// Message represents a single turn in a thread. Messages are immutable once
// written; creation time defines their order within the thread.
type Message struct {
	ID        uuid.UUID      `json:"id"`
	ThreadID  uuid.UUID      `json:"-"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProfileUpdate carries the mutable user profile fields. A nil field means
// "leave unchanged".
type ProfileUpdate struct {
	Email       *string        `json:"email,omitempty"`
	DisplayName *string        `json:"display_name,omitempty"`
	Bio         *string        `json:"bio,omitempty"`
	AvatarURL   *string        `json:"avatar_url,omitempty"`
	Phone       *string        `json:"phone,omitempty"`
	Timezone    *string        `json:"timezone,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

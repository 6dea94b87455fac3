package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/xaenox/chatd/internal/models"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema embed.FS

// pq unique_violation
const uniqueViolation = "23505"

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	schemaSQL, err := schema.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("error reading schema file: %w", err)
	}

	if _, err := s.db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	return json.Marshal(metadata)
}

func unmarshalMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// User methods

func (s *PostgresStorage) CreateUser(ctx context.Context, username string, email *string) (*models.User, error) {
	user := &models.User{
		ID:       uuid.New(),
		Username: username,
		Email:    email,
	}

	query := `
		INSERT INTO users (id, username, email)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, user.ID, username, email).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("error creating user: %w", err)
	}

	return user, nil
}

const userColumns = `id, username, email, display_name, bio, avatar_url, phone, timezone, preferences, created_at, updated_at`

func (s *PostgresStorage) scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var preferences []byte
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.DisplayName,
		&user.Bio,
		&user.AvatarURL,
		&user.Phone,
		&user.Timezone,
		&preferences,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error scanning user: %w", err)
	}

	user.Preferences, err = unmarshalMetadata(preferences)
	if err != nil {
		return nil, fmt.Errorf("error decoding user preferences: %w", err)
	}
	return user, nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, email))
}

func (s *PostgresStorage) UpdateUserProfile(ctx context.Context, id uuid.UUID, update *models.ProfileUpdate) (*models.User, error) {
	preferences, err := marshalMetadata(update.Preferences)
	if err != nil {
		return nil, fmt.Errorf("error encoding user preferences: %w", err)
	}

	query := `
		UPDATE users
		SET email = COALESCE($2, email),
		    display_name = COALESCE($3, display_name),
		    bio = COALESCE($4, bio),
		    avatar_url = COALESCE($5, avatar_url),
		    phone = COALESCE($6, phone),
		    timezone = COALESCE($7, timezone),
		    preferences = COALESCE($8, preferences),
		    updated_at = $9
		WHERE id = $1
		RETURNING ` + userColumns

	row := s.db.QueryRowContext(ctx, query, id,
		update.Email,
		update.DisplayName,
		update.Bio,
		update.AvatarURL,
		update.Phone,
		update.Timezone,
		preferences,
		time.Now().UTC(),
	)

	user, err := s.scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return user, nil
}

func (s *PostgresStorage) DeleteUser(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Thread methods

func (s *PostgresStorage) CreateThread(ctx context.Context, userID uuid.UUID, threadID, title string) (*models.Thread, error) {
	thread := &models.Thread{
		ID:       uuid.New(),
		UserID:   userID,
		ThreadID: threadID,
		Title:    title,
	}

	query := `
		INSERT INTO chat_threads (id, user_id, thread_id, title)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, thread.ID, userID, threadID, title).
		Scan(&thread.CreatedAt, &thread.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("error creating thread: %w", err)
	}

	return thread, nil
}

func (s *PostgresStorage) getThreadRow(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, userID uuid.UUID, threadID string) (*models.Thread, error) {
	query := `
		SELECT id, user_id, thread_id, title, created_at, updated_at
		FROM chat_threads
		WHERE user_id = $1 AND thread_id = $2`

	thread := &models.Thread{}
	err := q.QueryRowContext(ctx, query, userID, threadID).Scan(
		&thread.ID,
		&thread.UserID,
		&thread.ThreadID,
		&thread.Title,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error querying thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStorage) GetThread(ctx context.Context, userID uuid.UUID, threadID string, withMessages bool) (*models.Thread, error) {
	thread, err := s.getThreadRow(ctx, s.db, userID, threadID)
	if err != nil {
		return nil, err
	}

	if withMessages {
		messages, err := s.messagesForThread(ctx, thread.ID, 0)
		if err != nil {
			return nil, err
		}
		thread.Messages = messages
		thread.MessageCount = len(messages)
	}

	return thread, nil
}

func (s *PostgresStorage) ListThreads(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Thread, error) {
	query := `
		SELECT t.id, t.user_id, t.thread_id, t.title, t.created_at, t.updated_at,
		       COUNT(m.id) AS message_count
		FROM chat_threads t
		LEFT JOIN chat_messages m ON m.thread_id = t.id
		WHERE t.user_id = $1
		GROUP BY t.id
		ORDER BY t.updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread := &models.Thread{}
		err := rows.Scan(
			&thread.ID,
			&thread.UserID,
			&thread.ThreadID,
			&thread.Title,
			&thread.CreatedAt,
			&thread.UpdatedAt,
			&thread.MessageCount,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning thread: %w", err)
		}
		threads = append(threads, thread)
	}

	return threads, rows.Err()
}

func (s *PostgresStorage) UpdateThreadTitle(ctx context.Context, userID uuid.UUID, threadID, title string) (*models.Thread, error) {
	query := `
		UPDATE chat_threads
		SET title = $3, updated_at = $4
		WHERE user_id = $1 AND thread_id = $2
		RETURNING id, user_id, thread_id, title, created_at, updated_at`

	thread := &models.Thread{}
	err := s.db.QueryRowContext(ctx, query, userID, threadID, title, time.Now().UTC()).Scan(
		&thread.ID,
		&thread.UserID,
		&thread.ThreadID,
		&thread.Title,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error updating thread title: %w", err)
	}
	return thread, nil
}

func (s *PostgresStorage) DeleteThread(ctx context.Context, userID uuid.UUID, threadID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_threads WHERE user_id = $1 AND thread_id = $2`, userID, threadID)
	if err != nil {
		return fmt.Errorf("error deleting thread: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Message methods

// AppendMessage inserts the message and bumps the thread's updated_at to the
// message creation time, both inside one transaction. The transaction is
// scoped to this call alone: the relay relies on that to persist the
// assistant turn after the request that started the turn has ended.
func (s *PostgresStorage) AppendMessage(ctx context.Context, userID uuid.UUID, threadID, role, content string, metadata map[string]any) (*models.Message, error) {
	rawMetadata, err := marshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("error encoding message metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	thread, err := s.getThreadRow(ctx, tx, userID, threadID)
	if err != nil {
		return nil, err
	}

	message := &models.Message{
		ID:       uuid.New(),
		ThreadID: thread.ID,
		Role:     role,
		Content:  content,
		Metadata: metadata,
	}

	insertQuery := `
		INSERT INTO chat_messages (id, thread_id, role, content, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err = tx.QueryRowContext(ctx, insertQuery, message.ID, thread.ID, role, content, rawMetadata).
		Scan(&message.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chat_threads SET updated_at = $2 WHERE id = $1`, thread.ID, message.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error updating thread timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing message: %w", err)
	}

	return message, nil
}

func (s *PostgresStorage) messagesForThread(ctx context.Context, threadPK uuid.UUID, limit int) ([]models.Message, error) {
	query := `
		SELECT id, thread_id, role, content, metadata, created_at
		FROM chat_messages
		WHERE thread_id = $1
		ORDER BY created_at`
	args := []any{threadPK}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var message models.Message
		var rawMetadata []byte
		err := rows.Scan(
			&message.ID,
			&message.ThreadID,
			&message.Role,
			&message.Content,
			&rawMetadata,
			&message.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		message.Metadata, err = unmarshalMetadata(rawMetadata)
		if err != nil {
			return nil, fmt.Errorf("error decoding message metadata: %w", err)
		}
		messages = append(messages, message)
	}

	return messages, rows.Err()
}

func (s *PostgresStorage) GetMessages(ctx context.Context, userID uuid.UUID, threadID string, limit int) ([]*models.Message, error) {
	thread, err := s.getThreadRow(ctx, s.db, userID, threadID)
	if err != nil {
		return nil, err
	}

	messages, err := s.messagesForThread(ctx, thread.ID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]*models.Message, len(messages))
	for i := range messages {
		result[i] = &messages[i]
	}
	return result, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

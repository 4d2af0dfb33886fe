package convstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/floegence/offline-doctor/internal/kvstore"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	defaultTitle   = "New Conversation"
	titleMaxRunes  = 50
	titleKeepRunes = 47
	titleEllipsis  = "..."
)

var (
	// ErrNotFound indicates the referenced conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrStorage classifies every failure of the underlying key-value store.
	ErrStorage = errors.New("storage error")
	// ErrInvalidRole rejects message roles other than user/assistant.
	ErrInvalidRole = errors.New("invalid message role")
)

// KV is the ordered key-value store the conversation schema is built on.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error
	ScanPrefix(ctx context.Context, prefix []byte) ([]kvstore.Entry, error)
	DeletePrefix(ctx context.Context, prefix []byte) (int64, error)
	Clear(ctx context.Context) error
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// StorageError wraps a key-value failure (I/O, corruption, undecodable record).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// TitleFromMessage derives a conversation title from its first user message.
func TitleFromMessage(message string) string {
	r := []rune(message)
	if len(r) <= titleMaxRunes {
		return message
	}
	return string(r[:titleKeepRunes]) + titleEllipsis
}

func validRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	conversationPrefix = "conversation:"
	messagePrefix      = "message:"
)

// Store persists conversations and messages on an ordered key-value store.
//
// Layout:
//
//	conversation:{id}                     -> Conversation JSON
//	message:{conversation_id}:{message_id} -> Message JSON
//
// Listing a conversation's messages is one prefix scan; the cascade delete is
// not atomic across keys.
type Store struct {
	kv KV

	// mu serializes read-modify-write of conversation records and the clock.
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

type Options struct {
	// Now overrides the clock (tests).
	Now func() time.Time
}

func New(kv KV, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.New("missing kv store")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{kv: kv, now: now}, nil
}

func conversationKey(id string) []byte {
	return []byte(conversationPrefix + id)
}

func messageKeyPrefix(conversationID string) []byte {
	return []byte(messagePrefix + conversationID + ":")
}

func messageKey(conversationID string, messageID string) []byte {
	return []byte(messagePrefix + conversationID + ":" + messageID)
}

// tick returns a UTC timestamp strictly after every previous one handed out
// by this store. Callers must hold s.mu.
func (s *Store) tick() time.Time {
	t := s.now().UTC().Round(0)
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *Store) CreateConversation(ctx context.Context, title string) (string, error) {
	if s == nil || s.kv == nil {
		return "", errors.New("store not initialized")
	}
	if strings.TrimSpace(title) == "" {
		title = defaultTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tick()
	c := Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putConversation(ctx, c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// GetConversation returns nil with a nil error when the conversation is absent.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if s == nil || s.kv == nil {
		return nil, errors.New("store not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, nil
	}
	return s.getConversation(ctx, conversationID)
}

// ListConversations returns every conversation, most recently active first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	if s == nil || s.kv == nil {
		return nil, errors.New("store not initialized")
	}
	entries, err := s.kv.ScanPrefix(ctx, []byte(conversationPrefix))
	if err != nil {
		return nil, storageErr("scan conversations", err)
	}

	out := make([]Conversation, 0, len(entries))
	for _, e := range entries {
		var c Conversation
		if err := json.Unmarshal(e.Value, &c); err != nil {
			return nil, storageErr("decode conversation "+string(e.Key), err)
		}
		out = append(out, c)
	}
	// Key order is by id; recency must be imposed here.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendMessage stores a message and bumps the owning conversation's
// updated_at. The conversation must exist.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role string, content string) (string, error) {
	if s == nil || s.kv == nil {
		return "", errors.New("store not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", ErrNotFound
	}
	if !validRole(role) {
		return "", ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", ErrNotFound
	}

	now := s.tick()
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      now,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", storageErr("encode message", err)
	}
	if err := s.kv.Put(ctx, messageKey(conversationID, m.ID), b); err != nil {
		return "", storageErr("put message", err)
	}

	c.UpdatedAt = now
	if err := s.putConversation(ctx, *c); err != nil {
		return "", err
	}
	return m.ID, nil
}

// ListMessages returns the conversation's messages in chronological order.
// An unknown conversation yields an empty list.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.kv == nil {
		return nil, errors.New("store not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return []Message{}, nil
	}

	entries, err := s.kv.ScanPrefix(ctx, messageKeyPrefix(conversationID))
	if err != nil {
		return nil, storageErr("scan messages", err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		var m Message
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, storageErr("decode message "+string(e.Key), err)
		}
		out = append(out, m)
	}
	// Key order is by message id; chronology must be imposed here.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// DeleteConversation removes the conversation record and then every message
// under its prefix in one range delete. If the message delete fails the record
// stays removed and the error is returned.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.kv == nil {
		return errors.New("store not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, conversationKey(conversationID)); err != nil {
		return storageErr("delete conversation", err)
	}

	if _, err := s.kv.DeletePrefix(ctx, messageKeyPrefix(conversationID)); err != nil {
		return storageErr("delete messages", err)
	}
	return nil
}

func (s *Store) UpdateTitle(ctx context.Context, conversationID string, title string) error {
	if s == nil || s.kv == nil {
		return errors.New("store not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = s.tick()
	return s.putConversation(ctx, *c)
}

// ClearAll wipes every conversation and message.
func (s *Store) ClearAll(ctx context.Context) error {
	if s == nil || s.kv == nil {
		return errors.New("store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Clear(ctx); err != nil {
		return storageErr("clear", err)
	}
	return nil
}

func (s *Store) getConversation(ctx context.Context, id string) (*Conversation, error) {
	b, ok, err := s.kv.Get(ctx, conversationKey(id))
	if err != nil {
		return nil, storageErr("get conversation", err)
	}
	if !ok {
		return nil, nil
	}
	var c Conversation
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, storageErr("decode conversation "+id, err)
	}
	return &c, nil
}

func (s *Store) putConversation(ctx context.Context, c Conversation) error {
	b, err := json.Marshal(c)
	if err != nil {
		return storageErr("encode conversation", err)
	}
	if err := s.kv.Put(ctx, conversationKey(c.ID), b); err != nil {
		return storageErr("put conversation", err)
	}
	return nil
}

// Package chat runs one chat turn: persist the user message, build a prompt
// from the conversation history, generate a reply, and persist the reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/floegence/offline-doctor/internal/convstore"
	"github.com/floegence/offline-doctor/internal/prompt"
)

var ErrEmptyMessage = errors.New("message is empty")

// Store is the subset of the conversation store used by a turn.
type Store interface {
	CreateConversation(ctx context.Context, title string) (string, error)
	AppendMessage(ctx context.Context, conversationID string, role string, content string) (string, error)
	ListMessages(ctx context.Context, conversationID string) ([]convstore.Message, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Request struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type Response struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserMessageID  string `json:"user_message_id"`
}

type Orchestrator struct {
	store Store
	gen   Generator
	log   *slog.Logger
}

func New(store Store, gen Generator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Orchestrator{store: store, gen: gen, log: logger}
}

// Send runs one turn. Writes that already succeeded are kept when a later
// step fails; the returned error names the failed step.
//
// The history handed to the prompt excludes the user message just stored:
// prompt.Build appends the current message itself, so including it would put
// it in the prompt twice.
func (o *Orchestrator) Send(ctx context.Context, req Request) (*Response, error) {
	if o == nil || o.store == nil || o.gen == nil {
		return nil, errors.New("chat orchestrator not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		id, err := o.store.CreateConversation(ctx, convstore.TitleFromMessage(req.Message))
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		convID = id
	}

	userMsgID, err := o.store.AppendMessage(ctx, convID, convstore.RoleUser, req.Message)
	if err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}

	msgs, err := o.store.ListMessages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]convstore.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == userMsgID {
			continue
		}
		history = append(history, m)
	}

	text, err := o.gen.Generate(ctx, prompt.Build(req.Message, history))
	if err != nil {
		o.log.Warn("generate failed", "conversation_id", convID, "error", err)
		return nil, fmt.Errorf("generate response: %w", err)
	}

	replyID, err := o.store.AppendMessage(ctx, convID, convstore.RoleAssistant, text)
	if err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}

	o.log.Debug("chat turn complete", "conversation_id", convID, "history_len", len(history), "reply_len", len(text))
	return &Response{
		Message:        text,
		ConversationID: convID,
		MessageID:      replyID,
		UserMessageID:  userMsgID,
	}, nil
}

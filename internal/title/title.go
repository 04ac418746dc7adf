// ABOUTME: Derives a short conversation title from its stored turns
// ABOUTME: Asks the completion model for {"title": ...} and upserts the result

package title

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-rag/internal/completion"
	"github.com/2389/coven-rag/internal/store"
	"github.com/2389/coven-rag/internal/turns"
)

var (
	// ErrAlreadyTitled is returned when overwrite is false and a title exists.
	ErrAlreadyTitled = errors.New("conversation already has a title")
	// ErrNoMessages is returned for a conversation with no stored turns.
	ErrNoMessages = errors.New("conversation has no messages")
	// ErrMalformedTitle is returned when the model output is not {"title": "..."}.
	ErrMalformedTitle = errors.New("malformed title response")
)

// Instruction is the turn appended to the history when asking for a title.
const Instruction = "Summarize the conversation so far into a 4-word or less title. " +
	"Do not use any quotation marks or punctuation. " +
	"Respond with a json object in the format {\"title\": string}. " +
	"Do not include any other commentary or description."

// Config tunes the title request.
type Config struct {
	Temperature float64
	MaxTokens   int
}

// DefaultConfig returns temperature 1 and 64 max tokens.
func DefaultConfig() Config {
	return Config{Temperature: 1, MaxTokens: 64}
}

// Generator titles conversations.
type Generator struct {
	store     store.Store
	completer completion.Completer
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Generator. Pass nil logger for default.
func New(s store.Store, c completion.Completer, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	return &Generator{
		store:     s,
		completer: c,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "title"),
	}
}

type titleResponse struct {
	Title string `json:"title"`
}

// Generate titles the conversation and persists it.
func (g *Generator) Generate(ctx context.Context, userID, conversationID string, overwrite bool) (*store.Conversation, error) {
	conv, err := g.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if !overwrite && conv.Title != "" {
		return nil, ErrAlreadyTitled
	}

	msgs, err := g.store.GetMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNoMessages
	}

	history := turns.ToCompletion(store.Records(msgs))
	history = append(history, turns.Completion{Role: turns.RoleUser, Content: Instruction})

	resp, err := g.completer.Complete(ctx, &completion.Request{
		Messages:    history,
		Temperature: completion.Float(g.cfg.Temperature),
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting title: %w", err)
	}

	title, err := Parse(resp.Content)
	if err != nil {
		return nil, err
	}

	conv.Title = title
	conv.UpdatedAt = g.now().UTC()
	saved, err := g.store.UpsertConversation(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("saving title: %w", err)
	}

	g.logger.Debug("generated title", "conversation_id", conversationID, "title", title)
	return saved, nil
}

// Parse extracts the title from the model output. Code fences around the
// JSON object are tolerated.
func Parse(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var tr titleResponse
	if err := json.Unmarshal([]byte(s), &tr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTitle, err)
	}
	t := strings.TrimSpace(tr.Title)
	if t == "" {
		return "", fmt.Errorf("%w: empty title", ErrMalformedTitle)
	}
	return t, nil
}

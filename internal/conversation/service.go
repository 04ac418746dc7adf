// ABOUTME: Service orchestrates conversation turns: approach dispatch, persistence and titling
// ABOUTME: Record first, then act - the user turn is stored before the approach runs

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-rag/internal/approach"
	"github.com/2389/coven-rag/internal/store"
	"github.com/2389/coven-rag/internal/title"
	"github.com/2389/coven-rag/internal/turns"
)

const (
	// persistTimeout bounds writes made after a stream has drained.
	persistTimeout = 5 * time.Second
	// titleTimeout bounds title generation after a stream has drained.
	titleTimeout = 30 * time.Second
)

// Titler generates conversation titles.
type Titler interface {
	Generate(ctx context.Context, userID, conversationID string, overwrite bool) (*store.Conversation, error)
}

// Service is the conversation orchestrator. It holds no per-request state.
type Service struct {
	store      store.Store
	approaches *approach.Registry
	titles     Titler
	events     EventPublisher
	logger     *slog.Logger
}

// New creates a Service. events may be nil. Pass nil logger for default.
func New(s store.Store, approaches *approach.Registry, titles Titler, events EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		approaches: approaches,
		titles:     titles,
		events:     events,
		logger:     logger.With("component", "conversation"),
	}
}

// AddRequest is one conversation turn.
type AddRequest struct {
	Approach       string
	ConversationID string
	GenerateTitle  bool
	History        []turns.Pair
	Overrides      approach.Overrides
	Stream         bool
}

// AddResponse carries the answer. For single results Result.Answer() has
// ConversationID set; for streams the final event does.
type AddResponse struct {
	ConversationID string
	Kind           approach.Kind
	Created        bool
	Result         approach.Result
}

// handle applies the failure policy for step. It returns nil when the
// failure is swallowed.
func (s *Service) handle(step Step, err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	if PolicyFor(step) == LogAndIgnore {
		s.logger.Warn("ignoring failure", append([]any{"step", step, "error", err}, attrs...)...)
		return nil
	}
	s.logger.Debug("step failed", append([]any{"step", step, "error", err, "kind", Classify(err)}, attrs...)...)
	return err
}

// AddTurn records the latest user turn, runs the approach and records its answer.
func (s *Service) AddTurn(ctx context.Context, userID string, req *AddRequest) (*AddResponse, error) {
	// 1. resolve approach
	a, kind, err := s.approaches.Resolve(req.Approach)
	if err != nil {
		return nil, s.handle(StepResolveApproach, newError(KindUnknownApproach, err, "unknown approach"))
	}

	question, ok := turns.LastUser(req.History)
	if !ok || strings.TrimSpace(question) == "" {
		return nil, s.handle(StepPersistUser, newError(KindValidation, ErrValidation, "history must end with a user message"))
	}

	// 2. resolve conversation
	conv, created, err := s.resolveConversation(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, s.handle(StepResolveConversation, err, "conversation_id", req.ConversationID)
	}
	needsTitle := created || req.GenerateTitle

	// 3. record the user turn before acting
	if _, err := s.store.CreateMessage(ctx, conv.ID, userID, turns.Completion{Role: turns.RoleUser, Content: question}); err != nil {
		return nil, s.handle(StepPersistUser, fmt.Errorf("recording user turn: %w", err), "conversation_id", conv.ID)
	}
	s.publishMessage(ctx, userID, conv.ID, turns.RoleUser, question)

	s.logger.Debug("user turn recorded",
		"conversation_id", conv.ID,
		"approach", kind.Describe(),
		"created", created)

	// 4. invoke approach
	res, err := a.Run(ctx, &approach.Request{
		History:   req.History,
		Overrides: req.Overrides,
		Stream:    req.Stream,
	})
	if err != nil {
		return nil, s.handle(StepInvokeApproach, err, "conversation_id", conv.ID, "approach", kind.Describe())
	}

	resp := &AddResponse{ConversationID: conv.ID, Kind: kind, Created: created}

	if res.IsStream() {
		resp.Result = approach.Streamed(s.persistStream(ctx, userID, conv.ID, needsTitle, res.Events()))
		return resp, nil
	}

	// 5. record the assistant turn
	answer := res.Answer()
	if err := s.recordAnswer(ctx, userID, conv.ID, answer.Answer); err != nil {
		return nil, s.handle(StepPersistAssistant, err, "conversation_id", conv.ID)
	}

	// 6. title
	if needsTitle {
		s.generateTitle(ctx, userID, conv.ID)
	}

	// 7. shape
	answer.ConversationID = conv.ID
	resp.Result = approach.Single(answer)
	return resp, nil
}

func (s *Service) resolveConversation(ctx context.Context, userID, conversationID string) (*store.Conversation, bool, error) {
	if conversationID == "" {
		conv, err := s.store.CreateConversation(ctx, userID)
		if err != nil {
			return nil, false, fmt.Errorf("creating conversation: %w", err)
		}
		s.logger.Debug("conversation created", "conversation_id", conv.ID, "user_id", userID)
		return conv, true, nil
	}

	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, false, s.notFound(conversationID, err)
	}
	return conv, false, nil
}

func (s *Service) notFound(conversationID string, err error) error {
	if Classify(err) != KindNotFound {
		return err
	}
	return newError(KindNotFound, err, fmt.Sprintf(
		"Conversation %s was not found. It either does not exist or the logged in user does not have access to it.",
		conversationID))
}

func (s *Service) recordAnswer(ctx context.Context, userID, conversationID, text string) error {
	if _, err := s.store.CreateMessage(ctx, conversationID, userID, turns.Completion{Role: turns.RoleAssistant, Content: text}); err != nil {
		return fmt.Errorf("recording assistant turn: %w", err)
	}
	s.publishMessage(ctx, userID, conversationID, turns.RoleAssistant, text)
	return nil
}

func (s *Service) generateTitle(ctx context.Context, userID, conversationID string) {
	conv, err := s.titles.Generate(ctx, userID, conversationID, true)
	if s.handle(StepGenerateTitle, err, "conversation_id", conversationID) != nil || conv == nil {
		return
	}
	s.publishTitle(ctx, conv)
}

// persistStream forwards events while accumulating answer text. The
// assistant turn is recorded once the stream finishes successfully, before
// the final event is forwarded.
func (s *Service) persistStream(ctx context.Context, userID, conversationID string, needsTitle bool, in <-chan approach.Event) <-chan approach.Event {
	out := make(chan approach.Event, 16)

	go func() {
		defer close(out)

		var text strings.Builder
		for ev := range in {
			switch ev.Kind {
			case approach.EventDelta:
				text.WriteString(ev.Delta)

			case approach.EventFinal:
				answer := ev.Answer
				if answer == nil {
					answer = &approach.Answer{}
				}
				if answer.Answer == "" {
					answer.Answer = text.String()
				}
				answer.ConversationID = conversationID

				saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				err := s.recordAnswer(saveCtx, userID, conversationID, answer.Answer)
				cancel()
				if err := s.handle(StepPersistAssistant, err, "conversation_id", conversationID); err != nil {
					ev = approach.ErrorEvent(err)
					break
				}

				if needsTitle {
					titleCtx, cancel := context.WithTimeout(context.Background(), titleTimeout)
					s.generateTitle(titleCtx, userID, conversationID)
					cancel()
				}
				ev = approach.FinalEvent(answer)

			case approach.EventError:
				s.logger.Warn("stream failed",
					"conversation_id", conversationID,
					"error", ev.Err,
					"kind", Classify(ev.Err))
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				s.logger.Debug("context cancelled during answer streaming", "conversation_id", conversationID)
				go func() {
					for range in {
					}
				}()
				return
			}
		}
	}()

	return out
}

// AskRequest is a stateless question.
type AskRequest struct {
	Messages  []turns.Completion
	Overrides approach.Overrides
	Stream    bool
}

// Ask runs the configured single-shot approach without touching the store.
func (s *Service) Ask(ctx context.Context, req *AskRequest) (approach.Result, error) {
	a, kind, err := s.approaches.Ask()
	if err != nil {
		return approach.Result{}, err
	}
	return s.runStateless(ctx, a, kind, req)
}

// Chat runs the configured chat approach without touching the store.
func (s *Service) Chat(ctx context.Context, req *AskRequest) (approach.Result, error) {
	a, kind, err := s.approaches.Chat()
	if err != nil {
		return approach.Result{}, err
	}
	return s.runStateless(ctx, a, kind, req)
}

func (s *Service) runStateless(ctx context.Context, a approach.Approach, kind approach.Kind, req *AskRequest) (approach.Result, error) {
	history := pairsFromMessages(req.Messages)
	if q, ok := turns.LastUser(history); !ok || strings.TrimSpace(q) == "" {
		return approach.Result{}, newError(KindValidation, ErrValidation, "messages must end with a user message")
	}
	s.logger.Debug("stateless request", "approach", kind.Describe(), "turns", len(req.Messages), "stream", req.Stream)
	return a.Run(ctx, &approach.Request{History: history, Overrides: req.Overrides, Stream: req.Stream})
}

// pairsFromMessages folds completion messages into display pairs. A trailing
// user message becomes an open pair.
func pairsFromMessages(msgs []turns.Completion) []turns.Pair {
	records := make([]turns.Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, turns.Record{Role: m.Role, Content: m.Content})
	}
	return turns.ToDisplay(records)
}

// DeleteConversation removes the conversation's messages, then the
// conversation. The two steps are not atomic.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return newError(KindValidation, ErrValidation, "conversation_id is required")
	}

	n, err := s.store.DeleteMessages(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if err := s.store.DeleteConversation(ctx, userID, conversationID); err != nil {
		return s.notFound(conversationID, err)
	}

	s.logger.Info("conversation deleted", "conversation_id", conversationID, "messages", n)
	s.publish(ctx, newEvent(EventConversationDeleted, userID, conversationID))
	return nil
}

// ListConversations returns the user's conversations in store order. A user
// with no conversations gets a not-found error rather than an empty list.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if len(convs) == 0 {
		return nil, newError(KindNotFound, store.ErrNotFound, fmt.Sprintf("No conversations for %s were found", userID))
	}
	return convs, nil
}

// ReadResponse is a conversation rendered for display.
type ReadResponse struct {
	ConversationID string       `json:"conversation_id"`
	Messages       []turns.Pair `json:"messages"`
}

// ReadConversation returns the conversation as user/bot pairs.
func (s *Service) ReadConversation(ctx context.Context, userID, conversationID string) (*ReadResponse, error) {
	if conversationID == "" {
		return nil, newError(KindValidation, ErrValidation, "conversation_id is required")
	}
	if _, err := s.store.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, s.notFound(conversationID, err)
	}

	msgs, err := s.store.GetMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, newError(KindNotFound, ErrNoMessages, fmt.Sprintf("No messages for %s were found", conversationID))
	}

	return &ReadResponse{
		ConversationID: conversationID,
		Messages:       turns.ToDisplay(store.Records(msgs)),
	}, nil
}

// GenerateTitle titles a conversation on request. Unlike AddTurn, failures
// including an existing title are returned to the caller.
func (s *Service) GenerateTitle(ctx context.Context, userID, conversationID string, overwrite bool) (*store.Conversation, error) {
	if conversationID == "" {
		return nil, newError(KindValidation, ErrValidation, "conversation_id is required")
	}
	conv, err := s.titles.Generate(ctx, userID, conversationID, overwrite)
	if err != nil {
		if errors.Is(err, title.ErrNoMessages) {
			return nil, newError(KindNotFound, err, fmt.Sprintf("No messages for %s were found", conversationID))
		}
		switch Classify(err) {
		case KindNotFound:
			return nil, s.notFound(conversationID, err)
		case KindAlreadyTitled:
			return nil, newError(KindAlreadyTitled, err, fmt.Sprintf("Conversation %s already has a title", conversationID))
		default:
			return nil, err
		}
	}
	s.publishTitle(ctx, conv)
	return conv, nil
}

// UpdateConversation is not supported.
func (s *Service) UpdateConversation(ctx context.Context, userID, conversationID string) error {
	return ErrNotImplemented
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) publishMessage(ctx context.Context, userID, conversationID string, role turns.Role, content string) {
	ev := newEvent(EventMessageAdded, userID, conversationID)
	ev.Role = string(role)
	ev.Content = content
	s.publish(ctx, ev)
}

func (s *Service) publishTitle(ctx context.Context, conv *store.Conversation) {
	ev := newEvent(EventTitleUpdated, conv.UserID, conv.ID)
	ev.Title = conv.Title
	s.publish(ctx, ev)
}

func (s *Service) publish(ctx context.Context, ev *Event) {
	if s.events == nil {
		return
	}
	_ = s.handle(StepPublishEvent, s.events.PublishEvent(ctx, ev), "event_type", ev.Type)
}

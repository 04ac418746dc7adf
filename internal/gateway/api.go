// ABOUTME: HTTP handlers for the conversation API
// ABOUTME: JSON request decoding, error kind to status mapping and NDJSON streaming

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/2389/coven-rag/internal/approach"
	"github.com/2389/coven-rag/internal/auth"
	"github.com/2389/coven-rag/internal/conversation"
	"github.com/2389/coven-rag/internal/stream"
	"github.com/2389/coven-rag/internal/turns"
)

// headerConversationID carries the conversation id on streamed responses,
// where the body has not reached the final record yet.
const headerConversationID = "X-Conversation-Id"

// errNotJSON is returned for POST bodies without a JSON content type.
var errNotJSON = errors.New("request must be json")

// AddTurnRequest is the JSON request body for POST /conversation/add.
type AddTurnRequest struct {
	Approach       string             `json:"approach"`
	ConversationID string             `json:"conversation_id,omitempty"`
	GenerateTitle  bool               `json:"generate_title,omitempty"`
	History        []turns.Pair       `json:"history"`
	Overrides      approach.Overrides `json:"overrides"`
	Stream         bool               `json:"stream,omitempty"`
}

// ChatRequest is the JSON request body for POST /ask and POST /chat.
type ChatRequest struct {
	Messages []turns.Completion `json:"messages"`
	Context  struct {
		Overrides approach.Overrides `json:"overrides"`
	} `json:"context"`
	SessionState any  `json:"session_state,omitempty"`
	Stream       bool `json:"stream,omitempty"`
}

// ConversationRequest is the JSON request body for routes that name a conversation.
type ConversationRequest struct {
	ConversationID         string `json:"conversation_id"`
	OverwriteExistingTitle bool   `json:"overwrite_existing_title,omitempty"`
}

// DeleteResponse is the JSON response for POST /conversation/delete.
type DeleteResponse struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// decodeJSON enforces a JSON content type and decodes the body into v.
func decodeJSON(r *http.Request, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errNotJSON
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// sendDecodeError writes 415 for a wrong content type and 400 otherwise.
func (g *Gateway) sendDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotJSON) {
		g.sendJSONError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}
	g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

// handleAddTurn handles POST /conversation/add.
func (g *Gateway) handleAddTurn(w http.ResponseWriter, r *http.Request) {
	var req AddTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendDecodeError(w, err)
		return
	}

	userID := auth.UserID(r.Context())
	resp, err := g.conversation.AddTurn(r.Context(), userID, &conversation.AddRequest{
		Approach:       req.Approach,
		ConversationID: req.ConversationID,
		GenerateTitle:  req.GenerateTitle,
		History:        req.History,
		Overrides:      req.Overrides,
		Stream:         req.Stream,
	})
	if err != nil {
		g.countTurn(string(approach.ParseKind(req.Approach)), err)
		g.writeError(w, err)
		return
	}
	g.countTurn(string(resp.Kind), nil)

	if resp.Result.IsStream() {
		w.Header().Set(headerConversationID, resp.ConversationID)
		g.writeStream(r.Context(), w, resp.Result.Events())
		return
	}
	g.sendJSON(w, http.StatusOK, resp.Result.Answer())
}

// handleAsk handles POST /ask.
func (g *Gateway) handleAsk(w http.ResponseWriter, r *http.Request) {
	g.handleStateless(w, r, g.conversation.Ask)
}

// handleChat handles POST /chat.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	g.handleStateless(w, r, g.conversation.Chat)
}

func (g *Gateway) handleStateless(w http.ResponseWriter, r *http.Request, run func(context.Context, *conversation.AskRequest) (approach.Result, error)) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendDecodeError(w, err)
		return
	}

	result, err := run(r.Context(), &conversation.AskRequest{
		Messages:  req.Messages,
		Overrides: req.Context.Overrides,
		Stream:    req.Stream,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	if result.IsStream() {
		g.writeStream(r.Context(), w, result.Events())
		return
	}
	g.sendJSON(w, http.StatusOK, result.Answer())
}

// handleDeleteConversation handles POST /conversation/delete.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendDecodeError(w, err)
		return
	}

	if err := g.conversation.DeleteConversation(r.Context(), auth.UserID(r.Context()), req.ConversationID); err != nil {
		g.writeError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, DeleteResponse{
		Message:        "Successfully deleted conversation and messages",
		ConversationID: req.ConversationID,
	})
}

// handleUpdateConversation handles POST /conversation/update, which is not supported.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	g.writeError(w, g.conversation.UpdateConversation(r.Context(), auth.UserID(r.Context()), ""))
}

// handleListConversations handles POST /conversation/list.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.conversation.ListConversations(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, convs)
}

// handleReadConversation handles POST /conversation/read.
func (g *Gateway) handleReadConversation(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendDecodeError(w, err)
		return
	}

	resp, err := g.conversation.ReadConversation(r.Context(), auth.UserID(r.Context()), req.ConversationID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGenerateTitle handles POST /conversation/gen_title.
func (g *Gateway) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendDecodeError(w, err)
		return
	}

	conv, err := g.conversation.GenerateTitle(r.Context(), auth.UserID(r.Context()), req.ConversationID, req.OverwriteExistingTitle)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conv)
}

// handleAuthSetup handles GET /auth_setup.
func (g *Gateway) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, auth.SetupFor(g.authOptions))
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store (and the relay, when enabled) answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.relay != nil {
		if err := g.relay.Ping(r.Context()); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("event relay unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// writeStream sends events as NDJSON, flushing after every record.
func (g *Gateway) writeStream(ctx context.Context, w http.ResponseWriter, events <-chan approach.Event) {
	flush := func() {}
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	}

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flush()

	if g.metrics != nil {
		events = g.observeStream(ctx, events)
	}
	if err := stream.Write(ctx, w, flush, events); err != nil {
		g.logger.Debug("stream aborted", "error", err)
	}
}

// observeStream forwards events unchanged and counts how the stream ended.
func (g *Gateway) observeStream(ctx context.Context, in <-chan approach.Event) <-chan approach.Event {
	out := make(chan approach.Event)
	go func() {
		defer close(out)
		result := "cancelled"
		defer func() { g.metrics.Stream(result) }()

		for ev := range in {
			switch ev.Kind {
			case approach.EventFinal:
				result = "complete"
			case approach.EventError:
				result = "error"
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				result = "cancelled"
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

// writeError maps a classified error onto a status code and a caller-safe body.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	kind := conversation.Classify(err)
	switch kind {
	case conversation.KindValidation:
		g.sendJSONError(w, http.StatusBadRequest, message(err))
	case conversation.KindNotFound:
		g.sendJSONError(w, http.StatusNotFound, message(err))
	case conversation.KindUnknownApproach:
		g.sendJSONError(w, http.StatusBadRequest, "unknown approach")
	case conversation.KindAlreadyTitled:
		g.sendJSONError(w, http.StatusConflict, message(err))
	case conversation.KindContentFiltered:
		g.sendJSONError(w, http.StatusBadRequest, stream.ContentFilterMessage)
	case conversation.KindNotImplemented:
		g.sendJSONError(w, http.StatusNotImplemented, "not implemented")
	default:
		g.logger.Error("request failed", "kind", kind.String(), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, stream.ErrorMessage(err))
	}
}

// message returns the caller-safe text of a classified error.
func message(err error) string {
	var ce *conversation.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}

func (g *Gateway) countTurn(approachName string, err error) {
	if g.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = conversation.Classify(err).String()
	}
	if approachName == "" {
		approachName = "unknown"
	}
	g.metrics.Turn(approachName, outcome)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

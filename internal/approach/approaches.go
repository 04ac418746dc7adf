// ABOUTME: Concrete approaches: retrieve-then-read, chat-read-retrieve-read and plain chat
// ABOUTME: Each grounds or continues a conversation through the completion and search clients

package approach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/2389/coven-rag/internal/completion"
	"github.com/2389/coven-rag/internal/search"
	"github.com/2389/coven-rag/internal/turns"
)

// Model is a completion backend that can answer in one shot or stream.
type Model interface {
	completion.Completer
	completion.Streamer
}

const defaultTop = 3

const answerSystemPrompt = `You are a helpful assistant answering questions about company documents.
Answer ONLY with facts listed in the sources below. If there isn't enough information, say you don't know.
Each source has a name followed by a colon and the actual content. Cite the source name in square brackets
for every fact you use, for example [info1.txt]. Don't combine sources; list each one separately.`

const queryPrompt = `Below is the history of a conversation and a new question from the user.
Generate a short keyword search query that would find documents answering the new question.
Do not include cited source names or the words "sources" or "search" in the query.
Return only the query text.`

const chatSystemPrompt = `You are a helpful assistant. Keep answers short and conversational.`

var citationPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// Citations returns the distinct bracketed source names in answer, in order of appearance.
func Citations(answer string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func dataPoints(docs []search.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		content := strings.ReplaceAll(strings.ReplaceAll(d.Content, "\r", " "), "\n", " ")
		out = append(out, d.SourcePage+": "+content)
	}
	return out
}

func top(o Overrides) int {
	if o.Top > 0 {
		return o.Top
	}
	return defaultTop
}

func systemPrompt(o Overrides, fallback string) string {
	if o.PromptTemplate != "" {
		return o.PromptTemplate
	}
	return fallback
}

func lastQuestion(history []turns.Pair) (string, error) {
	q, ok := turns.LastUser(history)
	if !ok || strings.TrimSpace(q) == "" {
		return "", errors.New("history has no user question")
	}
	return q, nil
}

// answer runs the final completion, streamed or not. base carries retrieval
// metadata and receives the answer text.
func answer(ctx context.Context, model Model, req *Request, messages []turns.Completion, base *Answer, logger *slog.Logger) (Result, error) {
	creq := &completion.Request{
		Messages:    messages,
		Temperature: req.Overrides.Temperature,
	}

	if !req.Stream {
		resp, err := model.Complete(ctx, creq)
		if err != nil {
			return Result{}, err
		}
		base.Answer = resp.Content
		base.Citations = Citations(resp.Content)
		return Single(base), nil
	}

	chunks, err := model.Stream(ctx, creq)
	if err != nil {
		return Result{}, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)

		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var text strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				send(ErrorEvent(chunk.Err))
				return
			}
			if chunk.Delta == "" {
				continue
			}
			text.WriteString(chunk.Delta)
			if !send(DeltaEvent(chunk.Delta)) {
				logger.Debug("stream consumer went away")
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		base.Answer = text.String()
		base.Citations = Citations(base.Answer)
		send(FinalEvent(base))
	}()

	return Streamed(out), nil
}

// RetrieveThenRead answers the last user question from the top search hits.
type RetrieveThenRead struct {
	model    Model
	searcher search.Searcher
	logger   *slog.Logger
}

// NewRetrieveThenRead creates the single-shot retrieval approach.
func NewRetrieveThenRead(model Model, searcher search.Searcher, logger *slog.Logger) *RetrieveThenRead {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrieveThenRead{model: model, searcher: searcher, logger: logger.With("approach", KindRetrieveThenRead.Describe())}
}

// Run searches with the question verbatim, then asks the model to answer from the results.
func (a *RetrieveThenRead) Run(ctx context.Context, req *Request) (Result, error) {
	q, err := lastQuestion(req.History)
	if err != nil {
		return Result{}, err
	}

	docs, err := a.searcher.Search(ctx, q, top(req.Overrides))
	if err != nil {
		return Result{}, fmt.Errorf("searching: %w", err)
	}
	points := dataPoints(docs)

	messages := []turns.Completion{
		{Role: turns.RoleSystem, Content: systemPrompt(req.Overrides, answerSystemPrompt)},
		{Role: turns.RoleUser, Content: q + "\n\nSources:\n" + strings.Join(points, "\n")},
	}

	base := &Answer{
		DataPoints: points,
		Thoughts:   fmt.Sprintf("Question: %s\nSearched for %q and found %d sources.", q, q, len(docs)),
	}
	return answer(ctx, a.model, req, messages, base, a.logger)
}

// ChatReadRetrieveRead rewrites the conversation into a search query, searches,
// then answers the last question with the history and sources in the prompt.
type ChatReadRetrieveRead struct {
	model    Model
	searcher search.Searcher
	logger   *slog.Logger
}

// NewChatReadRetrieveRead creates the multi-turn retrieval approach.
func NewChatReadRetrieveRead(model Model, searcher search.Searcher, logger *slog.Logger) *ChatReadRetrieveRead {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatReadRetrieveRead{model: model, searcher: searcher, logger: logger.With("approach", KindChatReadRetrieveRead.Describe())}
}

// Run executes the query-rewrite, search and answer steps.
func (a *ChatReadRetrieveRead) Run(ctx context.Context, req *Request) (Result, error) {
	q, err := lastQuestion(req.History)
	if err != nil {
		return Result{}, err
	}

	prior := turns.HistoryToCompletion(req.History[:len(req.History)-1])
	queryMessages := make([]turns.Completion, 0, len(prior)+2)
	queryMessages = append(queryMessages, turns.Completion{Role: turns.RoleSystem, Content: queryPrompt})
	queryMessages = append(queryMessages, prior...)
	queryMessages = append(queryMessages, turns.Completion{Role: turns.RoleUser, Content: "Generate search query for: " + q})

	qresp, err := a.model.Complete(ctx, &completion.Request{
		Messages:    queryMessages,
		Temperature: completion.Float(0),
		MaxTokens:   32,
	})
	if err != nil {
		return Result{}, fmt.Errorf("generating search query: %w", err)
	}
	query := strings.Trim(strings.TrimSpace(qresp.Content), `"`)
	if query == "" {
		query = q
	}

	docs, err := a.searcher.Search(ctx, query, top(req.Overrides))
	if err != nil {
		return Result{}, fmt.Errorf("searching: %w", err)
	}
	points := dataPoints(docs)

	messages := make([]turns.Completion, 0, len(prior)+2)
	messages = append(messages, turns.Completion{
		Role:    turns.RoleSystem,
		Content: systemPrompt(req.Overrides, answerSystemPrompt) + "\n\nSources:\n" + strings.Join(points, "\n"),
	})
	messages = append(messages, prior...)
	messages = append(messages, turns.Completion{Role: turns.RoleUser, Content: q})

	a.logger.Debug("rewrote question", "question", q, "query", query, "results", len(docs))

	base := &Answer{
		DataPoints: points,
		Thoughts:   fmt.Sprintf("Searched for %q and found %d sources.", query, len(docs)),
	}
	return answer(ctx, a.model, req, messages, base, a.logger)
}

// ChatConversation continues the conversation with no retrieval step.
type ChatConversation struct {
	model  Model
	logger *slog.Logger
}

// NewChatConversation creates the plain chat approach.
func NewChatConversation(model Model, logger *slog.Logger) *ChatConversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatConversation{model: model, logger: logger.With("approach", KindChat.Describe())}
}

// Run sends the whole history to the model.
func (a *ChatConversation) Run(ctx context.Context, req *Request) (Result, error) {
	if _, err := lastQuestion(req.History); err != nil {
		return Result{}, err
	}

	history := turns.HistoryToCompletion(req.History)
	messages := make([]turns.Completion, 0, len(history)+1)
	messages = append(messages, turns.Completion{Role: turns.RoleSystem, Content: systemPrompt(req.Overrides, chatSystemPrompt)})
	messages = append(messages, history...)

	return answer(ctx, a.model, req, messages, &Answer{}, a.logger)
}

var (
	_ Approach = (*RetrieveThenRead)(nil)
	_ Approach = (*ChatReadRetrieveRead)(nil)
	_ Approach = (*ChatConversation)(nil)
)

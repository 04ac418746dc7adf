package approach

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rag/internal/completion"
	"github.com/2389/coven-rag/internal/search"
	"github.com/2389/coven-rag/internal/turns"
)

type fakeModel struct {
	mu        sync.Mutex
	responses []string
	chunks    []completion.Chunk
	err       error
	requests  []*completion.Request
}

func (m *fakeModel) Complete(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &completion.Response{Content: ""}, nil
	}
	out := m.responses[0]
	m.responses = m.responses[1:]
	return &completion.Response{Content: out, FinishReason: "stop"}, nil
}

func (m *fakeModel) Stream(ctx context.Context, req *completion.Request) (<-chan completion.Chunk, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	chunks := m.chunks
	m.mu.Unlock()

	ch := make(chan completion.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fakeSearcher struct {
	docs    []search.Document
	queries []string
	err     error
}

func (s *fakeSearcher) Search(ctx context.Context, query string, top int) ([]search.Document, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	if top < len(s.docs) {
		return s.docs[:top], nil
	}
	return s.docs, nil
}

func collect(t *testing.T, r Result) []Event {
	t.Helper()
	require.True(t, r.IsStream())
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindRetrieveThenRead, ParseKind("rtr"))
	assert.Equal(t, KindChatReadRetrieveRead, ParseKind("rrr"))
	assert.Equal(t, KindChat, ParseKind("chat"))
	assert.Equal(t, KindUnknown, ParseKind("xyz"))
	assert.Equal(t, KindUnknown, ParseKind(""))
	assert.Equal(t, KindUnknown, ParseKind("RTR"))
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()
	chat := NewChatConversation(&fakeModel{}, nil)
	require.NoError(t, reg.Register(KindChat, chat))

	a, k, err := reg.Resolve("chat")
	require.NoError(t, err)
	assert.Equal(t, KindChat, k)
	assert.Same(t, chat, a)

	_, k, err = reg.Resolve("xyz")
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Equal(t, KindUnknown, k)

	// known kind, not configured
	_, k, err = reg.Resolve("rtr")
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Equal(t, KindRetrieveThenRead, k)
}

func TestRegistry_RegisterUnknownRejected(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register(KindUnknown, NewChatConversation(&fakeModel{}, nil)), ErrUnknown)
	assert.Error(t, reg.Register(KindChat, nil))
}

func TestRegistry_Defaults(t *testing.T) {
	reg := NewRegistry()
	model := &fakeModel{}
	require.NoError(t, reg.Register(KindChat, NewChatConversation(model, nil)))
	require.NoError(t, reg.Register(KindRetrieveThenRead, NewRetrieveThenRead(model, &fakeSearcher{}, nil)))

	assert.ErrorIs(t, reg.SetDefaults(KindRetrieveThenRead, KindChatReadRetrieveRead), ErrUnknown)
	require.NoError(t, reg.SetDefaults(KindRetrieveThenRead, KindChat))

	_, k, err := reg.Ask()
	require.NoError(t, err)
	assert.Equal(t, KindRetrieveThenRead, k)

	_, k, err = reg.Chat()
	require.NoError(t, err)
	assert.Equal(t, KindChat, k)

	assert.Equal(t, []Kind{KindChat, KindRetrieveThenRead}, reg.Kinds())
}

func TestResult_Variants(t *testing.T) {
	single := Single(&Answer{Answer: "x"})
	assert.False(t, single.IsStream())
	assert.Equal(t, "x", single.Answer().Answer)
	assert.Nil(t, single.Events())

	ch := make(chan Event)
	streamed := Streamed(ch)
	assert.True(t, streamed.IsStream())
	assert.Nil(t, streamed.Answer())
}

func TestCitations(t *testing.T) {
	got := Citations("Plan A [benefits.pdf#page=2] covers eyes [handbook.pdf] and teeth [benefits.pdf#page=2].")
	assert.Equal(t, []string{"benefits.pdf#page=2", "handbook.pdf"}, got)
	assert.Empty(t, Citations("no sources here"))
}

func TestChatConversation_Single(t *testing.T) {
	model := &fakeModel{responses: []string{"Hi!"}}
	a := NewChatConversation(model, nil)

	res, err := a.Run(context.Background(), &Request{History: []turns.Pair{{User: "Hello"}}})
	require.NoError(t, err)
	require.False(t, res.IsStream())
	assert.Equal(t, "Hi!", res.Answer().Answer)

	require.Len(t, model.requests, 1)
	msgs := model.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, turns.RoleSystem, msgs[0].Role)
	assert.Equal(t, turns.Completion{Role: turns.RoleUser, Content: "Hello"}, msgs[1])
}

func TestChatConversation_EmptyHistory(t *testing.T) {
	a := NewChatConversation(&fakeModel{}, nil)
	_, err := a.Run(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestChatConversation_Stream(t *testing.T) {
	model := &fakeModel{chunks: []completion.Chunk{{Delta: "Hel"}, {Delta: "lo"}, {FinishReason: "stop"}}}
	a := NewChatConversation(model, nil)

	res, err := a.Run(context.Background(), &Request{History: []turns.Pair{{User: "Hi"}}, Stream: true})
	require.NoError(t, err)

	events := collect(t, res)
	require.Len(t, events, 3)
	assert.Equal(t, DeltaEvent("Hel"), events[0])
	assert.Equal(t, DeltaEvent("lo"), events[1])
	assert.Equal(t, EventFinal, events[2].Kind)
	assert.Equal(t, "Hello", events[2].Answer.Answer)
}

func TestChatConversation_StreamError(t *testing.T) {
	model := &fakeModel{chunks: []completion.Chunk{{Delta: "Hel"}, {Err: completion.ErrContentFiltered}}}
	a := NewChatConversation(model, nil)

	res, err := a.Run(context.Background(), &Request{History: []turns.Pair{{User: "Hi"}}, Stream: true})
	require.NoError(t, err)

	events := collect(t, res)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, completion.ErrContentFiltered)
}

func TestChatConversation_StreamCancelled(t *testing.T) {
	model := &fakeModel{chunks: []completion.Chunk{{Delta: "a"}, {Delta: "b"}, {Delta: "c"}}}
	a := NewChatConversation(model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := a.Run(ctx, &Request{History: []turns.Pair{{User: "Hi"}}, Stream: true})
	require.NoError(t, err)

	first := <-res.Events()
	assert.Equal(t, "a", first.Delta)
	cancel()

	// channel must close without a final event once the consumer cancels
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-res.Events():
			if !ok {
				return
			}
			assert.NotEqual(t, EventFinal, ev.Kind)
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestRetrieveThenRead(t *testing.T) {
	model := &fakeModel{responses: []string{"Plan A covers eyes [benefits.pdf]."}}
	searcher := &fakeSearcher{docs: []search.Document{
		{SourcePage: "benefits.pdf", Content: "Plan A\ncovers eyes"},
		{SourcePage: "other.pdf", Content: "unrelated"},
	}}
	a := NewRetrieveThenRead(model, searcher, nil)

	res, err := a.Run(context.Background(), &Request{
		History:   []turns.Pair{{User: "What does Plan A cover?"}},
		Overrides: Overrides{Top: 1},
	})
	require.NoError(t, err)

	ans := res.Answer()
	assert.Equal(t, "Plan A covers eyes [benefits.pdf].", ans.Answer)
	assert.Equal(t, []string{"benefits.pdf"}, ans.Citations)
	assert.Equal(t, []string{"benefits.pdf: Plan A covers eyes"}, ans.DataPoints)
	assert.Contains(t, ans.Thoughts, "found 1 sources")
	assert.Equal(t, []string{"What does Plan A cover?"}, searcher.queries)
}

func TestRetrieveThenRead_SearchFailure(t *testing.T) {
	a := NewRetrieveThenRead(&fakeModel{}, &fakeSearcher{err: errors.New("index down")}, nil)
	_, err := a.Run(context.Background(), &Request{History: []turns.Pair{{User: "q"}}})
	assert.ErrorContains(t, err, "index down")
}

func TestChatReadRetrieveRead(t *testing.T) {
	model := &fakeModel{responses: []string{`"plan a vision coverage"`, "Yes [benefits.pdf]."}}
	searcher := &fakeSearcher{docs: []search.Document{{SourcePage: "benefits.pdf", Content: "Vision is covered."}}}
	a := NewChatReadRetrieveRead(model, searcher, nil)

	res, err := a.Run(context.Background(), &Request{History: []turns.Pair{
		{User: "Tell me about Plan A", Bot: "It is a health plan."},
		{User: "Does it cover vision?"},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"plan a vision coverage"}, searcher.queries)
	assert.Equal(t, "Yes [benefits.pdf].", res.Answer().Answer)
	assert.Equal(t, []string{"benefits.pdf"}, res.Answer().Citations)

	require.Len(t, model.requests, 2)
	final := model.requests[1].Messages
	assert.Equal(t, turns.RoleSystem, final[0].Role)
	assert.Contains(t, final[0].Content, "benefits.pdf: Vision is covered.")
	assert.Equal(t, turns.Completion{Role: turns.RoleUser, Content: "Tell me about Plan A"}, final[1])
	assert.Equal(t, turns.Completion{Role: turns.RoleAssistant, Content: "It is a health plan."}, final[2])
	assert.Equal(t, turns.Completion{Role: turns.RoleUser, Content: "Does it cover vision?"}, final[3])
}

func TestChatReadRetrieveRead_EmptyQueryFallsBack(t *testing.T) {
	model := &fakeModel{responses: []string{"  ", "ok"}}
	searcher := &fakeSearcher{}
	a := NewChatReadRetrieveRead(model, searcher, nil)

	_, err := a.Run(context.Background(), &Request{History: []turns.Pair{{User: "raw question"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"raw question"}, searcher.queries)
}

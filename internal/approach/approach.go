// ABOUTME: Approach contract, closed kind enum and the single-or-streamed Result type
// ABOUTME: An approach turns turn history plus overrides into an answer

package approach

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/2389/coven-rag/internal/turns"
)

// ErrUnknown is returned when a request names an approach that isn't registered.
var ErrUnknown = errors.New("unknown approach")

// Kind identifies an approach. The set is closed; anything else parses to KindUnknown.
type Kind string

const (
	KindUnknown              Kind = ""
	KindRetrieveThenRead     Kind = "rtr"
	KindChatReadRetrieveRead Kind = "rrr"
	KindChat                 Kind = "chat"
)

// ParseKind maps a wire name onto a Kind.
func ParseKind(name string) Kind {
	switch Kind(name) {
	case KindRetrieveThenRead:
		return KindRetrieveThenRead
	case KindChatReadRetrieveRead:
		return KindChatReadRetrieveRead
	case KindChat:
		return KindChat
	default:
		return KindUnknown
	}
}

// Describe returns a human-readable name for logs.
func (k Kind) Describe() string {
	switch k {
	case KindRetrieveThenRead:
		return "retrieve-then-read"
	case KindChatReadRetrieveRead:
		return "chat-read-retrieve-read"
	case KindChat:
		return "chat"
	case KindUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// Overrides are caller-supplied tuning knobs. Unknown keys are ignored.
type Overrides struct {
	Temperature    *float64 `json:"temperature,omitempty"`
	Top            int      `json:"top,omitempty"`
	PromptTemplate string   `json:"prompt_template,omitempty"`
}

// Request is everything an approach sees.
type Request struct {
	History   []turns.Pair
	Overrides Overrides
	Stream    bool
}

// Answer is a complete response.
type Answer struct {
	Answer         string   `json:"answer"`
	Citations      []string `json:"citations,omitempty"`
	DataPoints     []string `json:"data_points,omitempty"`
	Thoughts       string   `json:"thoughts,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// EventKind distinguishes streamed events.
type EventKind string

const (
	EventDelta EventKind = "delta"
	EventFinal EventKind = "final"
	EventError EventKind = "error"
)

// Event is one increment of a streamed answer. An error event is always last.
type Event struct {
	Kind   EventKind
	Delta  string
	Answer *Answer
	Err    error
}

// DeltaEvent carries a fragment of answer text.
func DeltaEvent(text string) Event {
	return Event{Kind: EventDelta, Delta: text}
}

// FinalEvent carries the assembled answer and its metadata.
func FinalEvent(a *Answer) Event {
	return Event{Kind: EventFinal, Answer: a}
}

// ErrorEvent reports a failure after streaming began.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// Result is either a single Answer or a stream of Events, never both.
type Result struct {
	answer *Answer
	events <-chan Event
}

// Single wraps a complete answer.
func Single(a *Answer) Result {
	return Result{answer: a}
}

// Streamed wraps an event channel. The producer closes it when done.
func Streamed(events <-chan Event) Result {
	return Result{events: events}
}

// IsStream reports whether the result is a stream.
func (r Result) IsStream() bool {
	return r.events != nil
}

// Answer returns the single answer, or nil for streams.
func (r Result) Answer() *Answer {
	return r.answer
}

// Events returns the event stream, or nil for single answers.
func (r Result) Events() <-chan Event {
	return r.events
}

// Approach answers a request.
type Approach interface {
	Run(ctx context.Context, req *Request) (Result, error)
}

// Registry maps kinds to approaches. It is built once at startup and read-only afterwards.
type Registry struct {
	approaches map[Kind]Approach
	ask        Kind
	chat       Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{approaches: make(map[Kind]Approach)}
}

// Register adds an approach under k.
func (r *Registry) Register(k Kind, a Approach) error {
	if k == KindUnknown {
		return fmt.Errorf("%w: cannot register the unknown kind", ErrUnknown)
	}
	if a == nil {
		return fmt.Errorf("approach %q is nil", k)
	}
	r.approaches[k] = a
	return nil
}

// SetDefaults picks the approaches behind the stateless ask and chat routes.
func (r *Registry) SetDefaults(ask, chat Kind) error {
	for _, k := range []Kind{ask, chat} {
		if _, ok := r.approaches[k]; !ok {
			return fmt.Errorf("%w: %q is not registered", ErrUnknown, k)
		}
	}
	r.ask, r.chat = ask, chat
	return nil
}

// Resolve looks up an approach by wire name.
func (r *Registry) Resolve(name string) (Approach, Kind, error) {
	k := ParseKind(name)
	if k == KindUnknown {
		return nil, KindUnknown, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	a, ok := r.approaches[k]
	if !ok {
		return nil, k, fmt.Errorf("%w: %q is not configured", ErrUnknown, name)
	}
	return a, k, nil
}

// Ask returns the default approach for single-shot questions.
func (r *Registry) Ask() (Approach, Kind, error) {
	return r.Resolve(string(r.ask))
}

// Chat returns the default approach for multi-turn chat.
func (r *Registry) Chat() (Approach, Kind, error) {
	return r.Resolve(string(r.chat))
}

// Kinds lists registered kinds in name order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.approaches))
	for k := range r.approaches {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

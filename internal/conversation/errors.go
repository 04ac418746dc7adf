// ABOUTME: Error taxonomy for conversation operations and the per-step failure policy
// ABOUTME: Classify maps any error onto a Kind; Policy says which steps may swallow failures

package conversation

import (
	"errors"

	"github.com/2389/coven-rag/internal/approach"
	"github.com/2389/coven-rag/internal/completion"
	"github.com/2389/coven-rag/internal/store"
	"github.com/2389/coven-rag/internal/title"
)

var (
	// ErrValidation is a missing or malformed request field.
	ErrValidation = errors.New("validation failed")
	// ErrNoMessages is returned when reading a conversation with no turns.
	ErrNoMessages = errors.New("no messages")
	// ErrNotImplemented is returned by operations that exist only as placeholders.
	ErrNotImplemented = errors.New("not implemented")
)

// Kind is the coarse category of a failure.
type Kind int

const (
	KindUnavailable Kind = iota
	KindValidation
	KindNotFound
	KindUnknownApproach
	KindAlreadyTitled
	KindContentFiltered
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnknownApproach:
		return "unknown_approach"
	case KindAlreadyTitled:
		return "already_titled"
	case KindContentFiltered:
		return "content_filtered"
	case KindNotImplemented:
		return "not_implemented"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unavailable"
	}
}

// Error is a classified failure whose Message is safe to show the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Classify returns the Kind of err. Unrecognised errors are KindUnavailable.
func Classify(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, approach.ErrUnknown):
		return KindUnknownApproach
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ErrNoMessages),
		errors.Is(err, title.ErrNoMessages):
		return KindNotFound
	case errors.Is(err, title.ErrAlreadyTitled):
		return KindAlreadyTitled
	case errors.Is(err, completion.ErrContentFiltered):
		return KindContentFiltered
	case errors.Is(err, ErrNotImplemented):
		return KindNotImplemented
	default:
		return KindUnavailable
	}
}

// Step is one stage of handling a conversation turn.
type Step string

const (
	StepResolveApproach     Step = "resolve_approach"
	StepResolveConversation Step = "resolve_conversation"
	StepPersistUser         Step = "persist_user_turn"
	StepInvokeApproach      Step = "invoke_approach"
	StepPersistAssistant    Step = "persist_assistant_turn"
	StepGenerateTitle       Step = "generate_title"
	StepPublishEvent        Step = "publish_event"
)

// Action is what happens to a failure at a given step.
type Action int

const (
	Propagate Action = iota
	LogAndIgnore
)

func (a Action) String() string {
	if a == LogAndIgnore {
		return "log_and_ignore"
	}
	return "propagate"
}

// PolicyFor returns the failure action for a step.
func PolicyFor(step Step) Action {
	switch step {
	case StepResolveApproach, StepResolveConversation, StepPersistUser,
		StepInvokeApproach, StepPersistAssistant:
		return Propagate
	case StepGenerateTitle, StepPublishEvent:
		return LogAndIgnore
	default:
		return Propagate
	}
}

// PolicyEntry pairs a step with its failure action.
type PolicyEntry struct {
	Step   Step
	Action Action
}

// Policy lists every step with its action, in handling order.
func Policy() []PolicyEntry {
	steps := []Step{
		StepResolveApproach,
		StepResolveConversation,
		StepPersistUser,
		StepInvokeApproach,
		StepPersistAssistant,
		StepGenerateTitle,
		StepPublishEvent,
	}
	out := make([]PolicyEntry, 0, len(steps))
	for _, s := range steps {
		out = append(out, PolicyEntry{Step: s, Action: PolicyFor(s)})
	}
	return out
}

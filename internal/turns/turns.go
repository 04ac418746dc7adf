// ABOUTME: Conversions between stored turns, model completion messages and display pairs
// ABOUTME: Store format is canonical; completion and display are projections of it

package turns

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Format names one of the three turn representations.
type Format string

const (
	FormatStore      Format = "store"
	FormatCompletion Format = "completion"
	FormatDisplay    Format = "display"
)

// ErrUnsupportedFormat is returned when asked to convert into a format that
// cannot be derived from stored turns.
var ErrUnsupportedFormat = errors.New("unsupported turn format")

// Record is a turn as persisted by the history store.
type Record struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Completion is a turn in the shape a chat completion model expects.
type Completion struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Pair is one user prompt and the assistant reply that followed it.
// Bot is empty while the pair is still open.
type Pair struct {
	User string `json:"user"`
	Bot  string `json:"bot,omitempty"`
}

// Convert projects chronological store records into the target format.
// The result is a []Completion or a []Pair.
func Convert(records []Record, target Format) (any, error) {
	switch target {
	case FormatCompletion:
		return ToCompletion(records), nil
	case FormatDisplay:
		return ToDisplay(records), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, target)
	}
}

// ToCompletion keeps store order and drops timestamps.
func ToCompletion(records []Record) []Completion {
	out := make([]Completion, 0, len(records))
	for _, r := range records {
		out = append(out, Completion{Role: r.Role, Content: r.Content})
	}
	return out
}

// ToDisplay pairs user turns with the assistant turn that follows them.
//
// A turn with the same role as the previous surviving turn is dropped and
// does not open a pair. An assistant turn with nothing to close is dropped.
func ToDisplay(records []Record) []Pair {
	out := make([]Pair, 0, len(records)/2+1)
	var last Role
	for _, r := range records {
		if last != "" && r.Role == last {
			continue
		}
		switch r.Role {
		case RoleUser:
			out = append(out, Pair{User: r.Content})
		case RoleAssistant:
			if len(out) == 0 {
				continue
			}
			out[len(out)-1].Bot = r.Content
		default:
			continue
		}
		last = r.Role
	}
	return out
}

// HistoryToCompletion flattens client display history into completion turns.
// Pairs without a reply contribute only their user turn.
func HistoryToCompletion(history []Pair) []Completion {
	out := make([]Completion, 0, len(history)*2)
	for _, p := range history {
		out = append(out, Completion{Role: RoleUser, Content: p.User})
		if p.Bot != "" {
			out = append(out, Completion{Role: RoleAssistant, Content: p.Bot})
		}
	}
	return out
}

// LastUser returns the user text of the final pair in history.
func LastUser(history []Pair) (string, bool) {
	if len(history) == 0 {
		return "", false
	}
	u := history[len(history)-1].User
	return u, u != ""
}

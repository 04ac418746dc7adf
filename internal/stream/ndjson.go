// ABOUTME: Newline-delimited JSON formatter for streamed approach answers
// ABOUTME: Mid-stream failures become one final in-band error record

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/2389/coven-rag/internal/approach"
	"github.com/2389/coven-rag/internal/completion"
)

// ContentType is the media type of a formatted stream.
const ContentType = "application/x-ndjson"

// ContentFilterMessage is shown when the model refused the content.
const ContentFilterMessage = "Your message contains content that was flagged by the OpenAI content filter."

const genericMessage = "The app encountered an error processing your request.\n" +
	"If you are an administrator of the app, view the full error in the logs.\n" +
	"Error type: %s\n"

type deltaRecord struct {
	Delta string `json:"delta"`
}

type errorRecord struct {
	Error string `json:"error"`
}

// ErrorMessage returns the caller-facing text for err. Only the coarse error
// type is exposed; the detail belongs in the server log.
func ErrorMessage(err error) string {
	if errors.Is(err, completion.ErrContentFiltered) {
		return ContentFilterMessage
	}
	return fmt.Sprintf(genericMessage, errorType(err))
}

// errorType names the innermost error in the chain.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// ErrorRecord encodes the final record emitted for a failed stream.
func ErrorRecord(err error) []byte {
	line, _ := json.Marshal(errorRecord{Error: ErrorMessage(err)})
	return append(line, '\n')
}

func encode(ev approach.Event) ([]byte, error) {
	var v any
	switch ev.Kind {
	case approach.EventDelta:
		v = deltaRecord{Delta: ev.Delta}
	case approach.EventFinal:
		v = ev.Answer
	default:
		return nil, fmt.Errorf("unexpected event kind %q", ev.Kind)
	}
	line, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Lines formats events as newline-terminated JSON records.
//
// An error event, or an event that cannot be encoded, yields one error record
// and ends the sequence. When ctx is cancelled the sequence ends without an
// error record. In every case events is drained after the output closes.
func Lines(ctx context.Context, events <-chan approach.Event) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer func() {
			close(out)
			for range events {
			}
		}()

		send := func(line []byte) bool {
			select {
			case out <- line:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind == approach.EventError || ev.Err != nil {
					send(ErrorRecord(ev.Err))
					return
				}
				line, err := encode(ev)
				if err != nil {
					send(ErrorRecord(err))
					return
				}
				if !send(line) {
					return
				}
			}
		}
	}()
	return out
}

// Write copies formatted records to w, calling flush after each one.
// It returns only transport errors from w.
func Write(ctx context.Context, w io.Writer, flush func(), events <-chan approach.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := Lines(ctx, events)
	for line := range lines {
		if _, err := w.Write(line); err != nil {
			cancel()
			for range lines {
			}
			return fmt.Errorf("writing stream record: %w", err)
		}
		if flush != nil {
			flush()
		}
	}
	return nil
}

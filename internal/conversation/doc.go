// Package conversation orchestrates conversation turns.
//
// # Overview
//
// The Service sits between the HTTP handlers and the approaches. It resolves
// the requested approach, manages the conversation lifecycle in the store,
// records turns, triggers title generation and shapes the response.
//
//	svc := conversation.New(store, registry, titles, broadcaster, logger)
//
// # Turn Handling
//
// AddTurn follows a fixed sequence:
//
//  1. Resolve the approach by name (unknown names fail)
//  2. Create a conversation, or load the caller's existing one
//  3. Record the latest user turn
//  4. Run the approach
//  5. Record the assistant turn
//  6. Generate a title for new conversations, or when asked
//  7. Attach the conversation id to the answer
//
// The user turn is written before the approach runs, so a failed generation
// still leaves the prompt in history.
//
// # Failure Policy
//
// PolicyFor names the action for each step. Steps 1 to 5 propagate their
// failures. Title generation and event publication log and continue.
// Classify maps any error onto a Kind that the HTTP layer turns into a
// status code.
//
// # Streaming
//
// When the approach streams, the event channel is wrapped. Deltas are
// accumulated and the assistant turn is recorded when the final event
// arrives, before it is forwarded. A failed stream records nothing.
//
// # Events
//
// Message, title and deletion changes are published as Events keyed by user
// id. EventBroadcaster fans them out in process; RedisRelay additionally
// shares them with other instances over a Redis channel.
package conversation

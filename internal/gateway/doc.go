// Package gateway wires the coven-rag server together and serves its HTTP API.
//
// # Overview
//
// The gateway owns the store, the approach registry, the conversation
// service and the HTTP server. New builds every dependency from a
// config.Config; NewWithDeps accepts a pre-built store, model and searcher
// so tests and embedders can substitute their own.
//
// # HTTP API
//
// Routes are mounted on a chi router in router.go:
//
//   - POST /conversation/add - Record a user turn and answer it (JSON or NDJSON)
//   - POST /conversation/delete - Delete a conversation and its messages
//   - POST /conversation/update - Not implemented, always 501
//   - POST /conversation/list - List the caller's conversations
//   - POST /conversation/read - Read a conversation as display pairs
//   - POST /conversation/gen_title - Generate a title on request
//   - GET /conversation/events - Server-sent events for the caller's conversations
//   - POST /ask, POST /chat - Stateless question answering
//   - GET /auth_setup - Client authentication settings
//   - GET /health, GET /health/ready - Liveness and readiness
//
// Errors from the conversation service are classified and mapped onto a
// status code in writeError. Unclassified failures return 500 with a generic
// message; details only reach the log.
//
// # Streaming
//
// When a request sets "stream": true the response is application/x-ndjson.
// Every record is flushed as soon as it is written. If the client goes away,
// the request context is cancelled and the approach stops producing.
//
// # Middleware
//
// Every request passes through RequestID, the slog request logger,
// Recoverer and the Prometheus middleware. CORS is added when origins are
// configured. Authenticated routes also pass through auth.Middleware and the
// per-user rate limiter.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run returns after ctx is cancelled and the graceful shutdown completes.
// The listener is a plain TCP socket, or a tsnet listener when tailscale is
// enabled.
package gateway

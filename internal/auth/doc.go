// Package auth resolves who is calling the conversation API.
//
// # Identity Sources
//
// The Middleware tries, in order:
//
//   - Bearer JWT: HS256 tokens signed with auth.jwt_secret. The "sub" claim
//     is the user id. A present but invalid token is rejected with 401.
//   - Easy-auth headers: when auth.trust_easy_auth is set, the
//     X-Ms-Client-Principal-Id header set by a fronting proxy is accepted.
//   - Default user: when auth is not required, anonymous callers share
//     auth.default_user_id.
//
// Handlers read the result with FromContext or UserID. The user id is an
// opaque string; conversations are scoped by it.
//
// # Tokens
//
//	v, err := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("user-123", 24*time.Hour)
//	userID, err := v.Verify(token)
//
// The coven-rag token command mints tokens for local testing.
package auth

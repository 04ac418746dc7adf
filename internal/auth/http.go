// ABOUTME: HTTP middleware that resolves the caller identity for conversation endpoints
// ABOUTME: Bearer JWT first, then App Service easy-auth headers, then the configured default user

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Easy-auth headers injected by Azure App Service authentication.
const (
	HeaderPrincipalID   = "X-Ms-Client-Principal-Id"
	HeaderPrincipalName = "X-Ms-Client-Principal-Name"
)

// DefaultUserID is used for anonymous callers when no default is configured.
const DefaultUserID = "00000000-0000-0000-0000-000000000000"

// Options configures the identity middleware.
type Options struct {
	// Verifier validates bearer tokens. Nil disables token auth.
	Verifier TokenVerifier
	// TrustEasyAuth accepts identity headers set by a fronting proxy.
	TrustEasyAuth bool
	// Required rejects callers with no token and no trusted header.
	Required bool
	// DefaultUserID identifies anonymous callers when Required is false.
	DefaultUserID string
	Logger        *slog.Logger
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware attaches an Identity to every request it lets through.
func Middleware(opts Options) func(http.Handler) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	defaultUser := opts.DefaultUserID
	if defaultUser == "" {
		defaultUser = DefaultUserID
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")

			if opts.Verifier != nil && header != "" {
				token, errMsg := extractBearerToken(header)
				if errMsg != "" {
					http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
					return
				}
				userID, err := opts.Verifier.Verify(token)
				if err != nil {
					logger.Debug("rejected token", "error", err)
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{UserID: userID, Source: SourceToken})))
				return
			}

			if opts.TrustEasyAuth {
				if userID := r.Header.Get(HeaderPrincipalID); userID != "" {
					id := &Identity{UserID: userID, Name: r.Header.Get(HeaderPrincipalName), Source: SourceEasyAuth}
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			if opts.Required {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{UserID: defaultUser, Source: SourceDefault})))
		})
	}
}

// Setup is what the client needs to know to configure its login flow.
type Setup struct {
	UseLogin             bool `json:"use_login"`
	RequireAccessControl bool `json:"require_access_control"`
}

// SetupFor describes the middleware options to clients.
func SetupFor(opts Options) Setup {
	return Setup{
		UseLogin:             opts.Verifier != nil || opts.TrustEasyAuth,
		RequireAccessControl: opts.Required,
	}
}

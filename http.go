package authfilter

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request ID in and out of the HTTP adapter.
const RequestIDHeader = "X-Request-ID"

// HTTPOption customizes NewHTTPMiddleware.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	cookieName  string
	devIdentity *DevIdentity
	logger      *zap.Logger
}

// WithTokenCookie reads the token from the named cookie when the request has
// no Authorization header.
func WithTokenCookie(name string) HTTPOption {
	return func(o *httpOptions) {
		o.cookieName = name
	}
}

// WithDevIdentity skips verification and publishes identity for every request.
// Local development only.
func WithDevIdentity(identity DevIdentity) HTTPOption {
	return func(o *httpOptions) {
		o.devIdentity = &identity
	}
}

// WithHTTPLogger sets the logger used by the adapter itself.
func WithHTTPLogger(logger *zap.Logger) HTTPOption {
	return func(o *httpOptions) {
		o.logger = logger
	}
}

// NewHTTPMiddleware runs stage for every request. Halts become 401 responses
// whose body is the halt reason; otherwise next is served with the request's
// SecurityContext bound to its context.
func NewHTTPMiddleware(stage *AuthorizationStage, opts ...HTTPOption) func(http.Handler) http.Handler {
	options := httpOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.devIdentity != nil {
		options.logger.Warn("auth dev bypass enabled",
			zap.String("sub", options.devIdentity.Subject),
			zap.String("aud", options.devIdentity.Audience))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			sc := NewSecurityContext()
			ctx := WithRequestID(r.Context(), requestID)
			ctx = BindSecurityContext(ctx, sc)

			if options.devIdentity != nil {
				sc.SetAuthentication(options.devIdentity.Authentication())
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			state := RequestState{stage.tokenKey: extractToken(r, options.cookieName)}
			if _, err := stage.Execute(ctx, state, sc); err != nil {
				reason := HaltReason(err)
				if reason == "" {
					reason = ReasonTokenInvalid
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, reason, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken reads a bearer token from the Authorization header, falling back
// to cookieName when set.
func extractToken(r *http.Request, cookieName string) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil {
			return cookie.Value
		}
	}
	return ""
}

package authfilter

import (
	"context"
	"sync"
)

type (
	securityContextKey struct{}
	requestIDKey       struct{}
)

// Authentication is the identity published for a request together with the
// authorities granted to it.
type Authentication struct {
	Principal   AuthInfo
	Authorities []string
}

// HasAuthority reports whether authority was granted.
func (a Authentication) HasAuthority(authority string) bool {
	for _, granted := range a.Authorities {
		if granted == authority {
			return true
		}
	}
	return false
}

// SecurityContext is the per-request slot later stages read the caller's
// identity from. Create one per request; the zero value is ready to use.
type SecurityContext struct {
	mu   sync.RWMutex
	auth *Authentication
}

// NewSecurityContext returns an empty security context.
func NewSecurityContext() *SecurityContext {
	return &SecurityContext{}
}

// SetAuthentication replaces any authentication stored for the request.
func (s *SecurityContext) SetAuthentication(auth Authentication) {
	stored := Authentication{
		Principal:   auth.Principal,
		Authorities: append([]string(nil), auth.Authorities...),
	}
	s.mu.Lock()
	s.auth = &stored
	s.mu.Unlock()
}

// Authentication returns a copy of the stored authentication.
func (s *SecurityContext) Authentication() (Authentication, bool) {
	if s == nil {
		return Authentication{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.auth == nil {
		return Authentication{}, false
	}
	return Authentication{
		Principal:   s.auth.Principal,
		Authorities: append([]string(nil), s.auth.Authorities...),
	}, true
}

// Clear removes the stored authentication.
func (s *SecurityContext) Clear() {
	s.mu.Lock()
	s.auth = nil
	s.mu.Unlock()
}

// BindSecurityContext stores the security context inside ctx for downstream consumers.
func BindSecurityContext(ctx context.Context, sc *SecurityContext) context.Context {
	return context.WithValue(ctx, securityContextKey{}, sc)
}

// SecurityContextFromContext retrieves a security context previously bound to ctx.
func SecurityContextFromContext(ctx context.Context) (*SecurityContext, bool) {
	if ctx == nil {
		return nil, false
	}
	sc, ok := ctx.Value(securityContextKey{}).(*SecurityContext)
	if !ok || sc == nil {
		return nil, false
	}
	return sc, true
}

// AuthenticationFromContext is shorthand for reading the authentication out of
// the security context bound to ctx.
func AuthenticationFromContext(ctx context.Context) (Authentication, bool) {
	sc, ok := SecurityContextFromContext(ctx)
	if !ok {
		return Authentication{}, false
	}
	return sc.Authentication()
}

// WithRequestID tags ctx with the request ID used in stage logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID bound to ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

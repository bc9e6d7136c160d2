package authfilter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newHTTPStage(t *testing.T, verifier TokenVerifier) *AuthorizationStage {
	t.Helper()
	stage, err := NewAuthorizationStage(verifier, StageConfig{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return stage
}

func identityHandler(t *testing.T, seen *Authentication) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := AuthenticationFromContext(r.Context())
		require.True(t, ok, "authentication must be bound to the request context")
		*seen = auth
		assert.NotEmpty(t, RequestIDFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestHTTPMiddleware_MissingToken(t *testing.T) {
	verifier := &fakeVerifier{result: VerificationResult{Valid: true}}
	handler := NewHTTPMiddleware(newHTTPStage(t, verifier))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not be called")
	}))

	for _, header := range []string{"", "Bearer ", "Basic dXNlcjpwYXNz"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/registry/entity", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
		assert.Equal(t, ReasonTokenMissing, strings.TrimSpace(rec.Body.String()))
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	}
	assert.Zero(t, verifier.count())
}

func TestHTTPMiddleware_InvalidToken(t *testing.T) {
	verifier := &fakeVerifier{err: newError(ErrCodeProviderUnavailable, nil)}
	handler := NewHTTPMiddleware(newHTTPStage(t, verifier))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not be called")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ReasonTokenInvalid, strings.TrimSpace(rec.Body.String()))
	assert.EqualValues(t, 1, verifier.count())
}

func TestHTTPMiddleware_Success(t *testing.T) {
	verifier := &fakeVerifier{result: VerificationResult{Valid: true}}
	var seen Authentication
	handler := NewHTTPMiddleware(newHTTPStage(t, verifier))(identityHandler(t, &seen))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+unsignedToken(`{"sub":"u1","aud":"svc1","name":"Jane Doe"}`))
	req.Header.Set(RequestIDHeader, "req-7")
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, AuthInfo{Subject: "u1", Audience: "svc1", Name: "Jane Doe"}, seen.Principal)
	assert.Equal(t, []string{"svc1"}, seen.Authorities)
	assert.Equal(t, "req-7", rec.Header().Get(RequestIDHeader))
}

func TestHTTPMiddleware_GeneratesRequestID(t *testing.T) {
	handler := NewHTTPMiddleware(newHTTPStage(t, &fakeVerifier{}))(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func TestHTTPMiddleware_Cookie(t *testing.T) {
	verifier := &fakeVerifier{result: VerificationResult{Valid: true}}
	var seen Authentication
	handler := NewHTTPMiddleware(newHTTPStage(t, verifier), WithTokenCookie("session"))(identityHandler(t, &seen))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: unsignedToken(`{"sub":"u9","aud":"svc1","name":"Cookie"}`)})
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u9", seen.Principal.Subject)
}

func TestHTTPMiddleware_DevIdentity(t *testing.T) {
	verifier := &fakeVerifier{}
	var seen Authentication
	handler := NewHTTPMiddleware(
		newHTTPStage(t, verifier),
		WithDevIdentity(DefaultDevIdentity("")),
		WithHTTPLogger(zaptest.NewLogger(t)),
	)(identityHandler(t, &seen))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "dev-bypass", seen.Principal.Subject)
	assert.Equal(t, []string{"https://dev.local"}, seen.Authorities)
	assert.Zero(t, verifier.count())
}

func TestHTTPMiddleware_ChiRouter(t *testing.T) {
	verifier := &fakeVerifier{result: VerificationResult{Valid: true}}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(NewHTTPMiddleware(newHTTPStage(t, verifier)))
		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			auth, ok := AuthenticationFromContext(r.Context())
			assert.True(t, ok)
			_, _ = w.Write([]byte(auth.Principal.Name))
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, verifier.count())

	resp, err = http.Get(srv.URL + "/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+unsignedToken(`{"sub":"u1","aud":"svc1","name":"Jane Doe"}`))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Jane Doe", string(body))
	assert.EqualValues(t, 1, verifier.count())
}

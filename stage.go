package authfilter

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// TokenKey is the default RequestState key carrying the raw bearer token.
const TokenKey = "x-authenticated-user-token"

// RequestState is the mutable per-request carrier passed along the pipeline.
type RequestState map[string]any

// Middleware is a pipeline stage. Execute either returns the state to continue
// with or a *HaltError.
type Middleware interface {
	Execute(ctx context.Context, state RequestState, sc *SecurityContext) (RequestState, error)
	Next(ctx context.Context, state RequestState) (RequestState, error)
}

// AuthorizationStage authenticates the request token and publishes the caller's
// identity into the request's SecurityContext. It decides who the caller is,
// never what the caller may do.
type AuthorizationStage struct {
	verifier TokenVerifier
	tokenKey string
	logger   *zap.Logger
}

var _ Middleware = (*AuthorizationStage)(nil)

// NewAuthorizationStage builds the stage around verifier.
func NewAuthorizationStage(verifier TokenVerifier, cfg StageConfig) (*AuthorizationStage, error) {
	if verifier == nil {
		return nil, newError(ErrCodeMisconfigured, errors.New("token verifier is required"))
	}
	cfg.normalize()
	return &AuthorizationStage{
		verifier: verifier,
		tokenKey: cfg.TokenKey,
		logger:   cfg.Logger,
	}, nil
}

// Execute validates the token held in state. On success the identity and a
// single authority derived from its audience replace whatever sc held, and
// state is returned unchanged. When sc is nil the context's bound
// SecurityContext is used.
func (s *AuthorizationStage) Execute(ctx context.Context, state RequestState, sc *SecurityContext) (out RequestState, err error) {
	logger := s.logger
	if id := RequestIDFromContext(ctx); id != "" {
		logger = logger.With(zap.String("request_id", id))
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("authorization stage panicked", zap.Any("panic", r))
			out, err = nil, halt(ReasonTokenInvalid, newError(ErrCodeInternal, fmt.Errorf("panic: %v", r)))
		}
	}()

	token, ok := tokenFrom(state, s.tokenKey)
	if !ok {
		logger.Debug("auth token missing", zap.String("key", s.tokenKey))
		return nil, halt(ReasonTokenMissing, nil)
	}

	if sc == nil {
		sc, _ = SecurityContextFromContext(ctx)
	}
	if sc == nil {
		logger.Error("no security context for request")
		return nil, halt(ReasonTokenInvalid, newError(ErrCodeInternal, errors.New("security context is required")))
	}

	auth, err := s.authenticate(ctx, logger, token)
	if err != nil {
		return nil, err
	}
	sc.SetAuthentication(auth)

	logger.Debug("authentication successful",
		zap.String("sub", auth.Principal.Subject),
		zap.String("aud", auth.Principal.Audience))
	return state, nil
}

func (s *AuthorizationStage) authenticate(ctx context.Context, logger *zap.Logger, token string) (Authentication, error) {
	result, err := s.verifier.Verify(ctx, token)
	if err != nil {
		if IsInfrastructure(err) {
			logger.Error("token verification unavailable: invalid auth token or environment configuration",
				zap.String("code", string(CodeOf(err))),
				zap.Error(err))
		} else {
			logger.Error("token verification failed", zap.Error(err))
		}
		return Authentication{}, halt(ReasonTokenInvalid, err)
	}
	if !result.Valid {
		reason := result.Reason
		if reason == nil {
			reason = newError(ErrCodeInvalidToken, nil)
		}
		logger.Warn("auth token rejected by identity provider",
			zap.String("code", string(CodeOf(reason))),
			zap.Error(reason))
		return Authentication{}, halt(ReasonTokenInvalid, reason)
	}

	fields, cause := decodeClaims(token, result.PublicKey)
	if !fields.complete() {
		missing := fields.missing()
		decoded := cause == nil
		if decoded {
			cause = fmt.Errorf("missing claims: %s", strings.Join(missing, ", "))
		}
		logger.Warn("auth token claims incomplete",
			zap.Bool("decoded", decoded),
			zap.Strings("missing", missing),
			zap.Error(cause))
		return Authentication{}, halt(ReasonTokenInvalid, newError(ErrCodeClaimsIncomplete, cause))
	}

	info := fields.authInfo()
	return Authentication{
		Principal:   info,
		Authorities: []string{info.Audience},
	}, nil
}

// Next exists for the pipeline's stage contract. It performs no work and
// always reports that no further data is available.
func (s *AuthorizationStage) Next(context.Context, RequestState) (RequestState, error) {
	return nil, nil
}

// tokenFrom reads the token under key. Absent, nil, nil-pointer and blank
// values all count as missing.
func tokenFrom(state RequestState, key string) (string, bool) {
	if state == nil {
		return "", false
	}
	value, ok := state[key]
	if !ok || value == nil {
		return "", false
	}
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return "", false
	}
	var token string
	switch v := value.(type) {
	case string:
		token = v
	case []byte:
		token = string(v)
	case fmt.Stringer:
		token = v.String()
	default:
		token = fmt.Sprint(v)
	}
	if strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

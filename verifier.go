package authfilter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenVerifier confirms a token with the identity provider.
//
// A token the provider rejects yields a result with Valid false and a nil
// error. A non-nil error is reserved for verification infrastructure failures
// (see IsInfrastructure). Implementations must be safe for concurrent use.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (VerificationResult, error)
}

// VerificationResult is the provider's verdict on a token.
type VerificationResult struct {
	Valid bool
	// PublicKey is the key the token was signed with, used for the local
	// signature check during claim decoding. Nil when the provider exposes none.
	PublicKey jwk.Key
	// Reason explains a negative verdict. Logged, never returned to clients.
	Reason error
}

// Warmer is implemented by verifiers that keep a key cache worth priming.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// NewVerifier builds the verifier selected by cfg.Mode.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (TokenVerifier, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrCodeMisconfigured, err)
	}
	switch cfg.Mode {
	case ModeJWKS:
		return newJWKSVerifier(ctx, cfg)
	case ModeOIDC:
		return newOIDCVerifier(ctx, cfg)
	case ModeGoogle:
		return newGoogleVerifier(cfg), nil
	case ModeIntrospection:
		return newIntrospectionVerifier(cfg, nil), nil
	}
	return nil, newError(ErrCodeMisconfigured, fmt.Errorf("unknown verifier mode %q", cfg.Mode))
}

func rejected(code ErrorCode, err error) VerificationResult {
	return VerificationResult{Reason: newError(code, err)}
}

// JWKSVerifier verifies tokens against a JWKS endpoint.
type JWKSVerifier struct {
	cfg   VerifierConfig
	cache *jwk.Cache
}

// NewJWKSVerifier returns a verifier backed by the JWKS at cfg.JWKSURL.
func NewJWKSVerifier(ctx context.Context, cfg VerifierConfig) (*JWKSVerifier, error) {
	cfg.Mode = ModeJWKS
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrCodeMisconfigured, err)
	}
	return newJWKSVerifier(ctx, cfg)
}

func newJWKSVerifier(ctx context.Context, cfg VerifierConfig) (*JWKSVerifier, error) {
	cache, err := newKeyCache(ctx, cfg.JWKSURL, cfg)
	if err != nil {
		return nil, err
	}
	return &JWKSVerifier{cfg: cfg, cache: cache}, nil
}

func newKeyCache(ctx context.Context, url string, cfg VerifierConfig) (*jwk.Cache, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cache := jwk.NewCache(context.WithoutCancel(ctx))
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}
	if err := cache.Register(
		url,
		jwk.WithMinRefreshInterval(cfg.MinRefresh),
		jwk.WithHTTPClient(httpClient),
	); err != nil {
		return nil, newError(ErrCodeMisconfigured, fmt.Errorf("register jwks %q: %w", url, err))
	}
	return cache, nil
}

// Warmup refreshes the JWKS.
func (v *JWKSVerifier) Warmup(ctx context.Context) error {
	return refreshKeys(ctx, v.cache, v.cfg.JWKSURL, v.cfg)
}

func refreshKeys(ctx context.Context, cache *jwk.Cache, url string, cfg VerifierConfig) error {
	refreshCtx := ctx
	if cfg.HTTPTimeout > 0 {
		var cancel context.CancelFunc
		refreshCtx, cancel = context.WithTimeout(ctx, cfg.HTTPTimeout)
		defer cancel()
	}
	if _, err := cache.Refresh(refreshCtx, url); err != nil {
		return newError(ErrCodeProviderUnavailable, err)
	}
	return nil
}

// Verify implements TokenVerifier.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (VerificationResult, error) {
	if strings.TrimSpace(token) == "" {
		return rejected(ErrCodeInvalidToken, errors.New("token is empty")), nil
	}
	keySet, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return VerificationResult{}, newError(ErrCodeProviderUnavailable, err)
	}
	return verifyWithKeySet(token, keySet, v.cfg)
}

func verifyWithKeySet(token string, keySet jwk.Set, cfg VerifierConfig) (VerificationResult, error) {
	parsed, err := jwt.Parse([]byte(token), jwt.WithKeySet(keySet))
	if err != nil {
		if code := classifyValidationError(err); code != "" {
			return rejected(code, err), nil
		}
		return rejected(ErrCodeInvalidToken, err), nil
	}

	validateOpts := []jwt.ValidateOption{
		jwt.WithAcceptableSkew(cfg.ClockSkew),
		jwt.WithIssuer(cfg.Issuer),
	}
	if cfg.Audience != "" {
		validateOpts = append(validateOpts, jwt.WithAudience(cfg.Audience))
	}
	if err := jwt.Validate(parsed, validateOpts...); err != nil {
		switch {
		case errors.Is(err, jwt.ErrInvalidIssuer()):
			return rejected(ErrCodeInvalidIssuer, err), nil
		case errors.Is(err, jwt.ErrInvalidAudience()):
			return rejected(ErrCodeInvalidAudience, err), nil
		case errors.Is(err, jwt.ErrTokenExpired()):
			return rejected(ErrCodeExpired, err), nil
		case errors.Is(err, jwt.ErrTokenNotYetValid()):
			return rejected(ErrCodeNotYetValid, err), nil
		}
		if code := classifyValidationError(err); code != "" {
			return rejected(code, err), nil
		}
		return rejected(ErrCodeInvalidToken, err), nil
	}

	return VerificationResult{Valid: true, PublicKey: signingKey(token, keySet)}, nil
}

// signingKey picks the key matching the token's kid, falling back to the only
// key of a single-key set.
func signingKey(token string, keySet jwk.Set) jwk.Key {
	msg, err := jws.Parse([]byte(token))
	if err != nil || len(msg.Signatures()) == 0 {
		return nil
	}
	if kid := msg.Signatures()[0].ProtectedHeaders().KeyID(); kid != "" {
		if key, ok := keySet.LookupKeyID(kid); ok {
			return key
		}
		return nil
	}
	if keySet.Len() == 1 {
		if key, ok := keySet.Key(0); ok {
			return key
		}
	}
	return nil
}

func classifyValidationError(err error) ErrorCode {
	if err == nil {
		return ""
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "token expired") || strings.Contains(lower, `"exp" not satisfied`):
		return ErrCodeExpired
	case strings.Contains(lower, `"nbf" not satisfied`):
		return ErrCodeNotYetValid
	}
	return ""
}

package authfilter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// OIDCVerifier verifies tokens issued by an OpenID Connect provider such as a
// Keycloak realm. Discovery happens once, at construction.
type OIDCVerifier struct {
	cfg      VerifierConfig
	verifier *oidc.IDTokenVerifier
	jwksURL  string
	keys     *jwk.Cache
	client   *http.Client
}

func newOIDCVerifier(ctx context.Context, cfg VerifierConfig) (*OIDCVerifier, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	client := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(context.WithoutCancel(ctx), client), cfg.Issuer)
	if err != nil {
		return nil, newError(ErrCodeProviderUnavailable, fmt.Errorf("discover %s: %w", cfg.Issuer, err))
	}

	var discovery struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&discovery); err != nil {
		return nil, newError(ErrCodeMisconfigured, fmt.Errorf("read discovery document: %w", err))
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = discovery.JWKSURL
	}
	if cfg.JWKSURL == "" {
		return nil, newError(ErrCodeMisconfigured, errors.New("discovery document has no jwks_uri"))
	}

	keys, err := newKeyCache(ctx, cfg.JWKSURL, cfg)
	if err != nil {
		return nil, err
	}

	skew := cfg.ClockSkew
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.Audience,
		Now: func() time.Time {
			return time.Now().Add(-skew)
		},
	})

	return &OIDCVerifier{
		cfg:      cfg,
		verifier: verifier,
		jwksURL:  cfg.JWKSURL,
		keys:     keys,
		client:   client,
	}, nil
}

// Warmup refreshes the provider's JWKS.
func (v *OIDCVerifier) Warmup(ctx context.Context) error {
	return refreshKeys(ctx, v.keys, v.jwksURL, v.cfg)
}

// Verify implements TokenVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (VerificationResult, error) {
	if strings.TrimSpace(token) == "" {
		return rejected(ErrCodeInvalidToken, errors.New("token is empty")), nil
	}
	if _, err := v.verifier.Verify(oidc.ClientContext(ctx, v.client), token); err != nil {
		code, infra := classifyOIDCError(err)
		if infra {
			return VerificationResult{}, newError(code, err)
		}
		return rejected(code, err), nil
	}

	keySet, err := v.keys.Get(ctx, v.jwksURL)
	if err != nil {
		return VerificationResult{}, newError(ErrCodeProviderUnavailable, err)
	}
	return VerificationResult{Valid: true, PublicKey: signingKey(token, keySet)}, nil
}

func classifyOIDCError(err error) (ErrorCode, bool) {
	var expired *oidc.TokenExpiredError
	if errors.As(err, &expired) {
		return ErrCodeExpired, false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrCodeProviderUnavailable, true
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "fetching keys"):
		return ErrCodeProviderUnavailable, true
	case strings.Contains(msg, "issued by a different provider"):
		return ErrCodeInvalidIssuer, false
	case strings.Contains(msg, "expected audience"):
		return ErrCodeInvalidAudience, false
	case strings.Contains(msg, "before the nbf"):
		return ErrCodeNotYetValid, false
	}
	return ErrCodeInvalidToken, false
}

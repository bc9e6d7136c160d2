package authfilter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

var googleValidate = idtoken.Validate

// GoogleVerifier verifies Google-signed identity tokens. Google does not hand
// out the signing key, so results carry no PublicKey.
type GoogleVerifier struct {
	cfg VerifierConfig
}

func newGoogleVerifier(cfg VerifierConfig) *GoogleVerifier {
	return &GoogleVerifier{cfg: cfg}
}

// Verify implements TokenVerifier.
func (v *GoogleVerifier) Verify(ctx context.Context, token string) (VerificationResult, error) {
	if strings.TrimSpace(token) == "" {
		return rejected(ErrCodeInvalidToken, errors.New("token is empty")), nil
	}
	validateCtx := ctx
	if v.cfg.HTTPTimeout > 0 {
		var cancel context.CancelFunc
		validateCtx, cancel = context.WithTimeout(ctx, v.cfg.HTTPTimeout)
		defer cancel()
	}

	payload, err := googleValidate(validateCtx, token, v.cfg.Audience)
	if err != nil {
		code := mapGoogleError(err)
		if code == ErrCodeProviderUnavailable {
			return VerificationResult{}, newError(code, err)
		}
		return rejected(code, err), nil
	}
	if v.cfg.Issuer != "" && !strings.EqualFold(payload.Issuer, v.cfg.Issuer) {
		return rejected(ErrCodeInvalidIssuer, fmt.Errorf("issuer mismatch: got %s, want %s", payload.Issuer, v.cfg.Issuer)), nil
	}
	return VerificationResult{Valid: true}, nil
}

func mapGoogleError(err error) ErrorCode {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "audience provided does not match"):
		return ErrCodeInvalidAudience
	case strings.Contains(msg, "token expired"):
		return ErrCodeExpired
	case strings.Contains(msg, "could not find matching cert"),
		strings.Contains(msg, "invalid token"),
		strings.Contains(msg, "unable to decode JWT"):
		return ErrCodeInvalidToken
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrCodeProviderUnavailable
	}
	return ErrCodeInvalidToken
}

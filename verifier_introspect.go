package authfilter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

const maxIntrospectionBody = 1 << 20

// IntrospectionVerifier asks the provider's RFC 7662 introspection endpoint
// whether a token is active. Results carry no PublicKey.
type IntrospectionVerifier struct {
	cfg         VerifierConfig
	client      *http.Client
	credentials *CredentialProvider
}

type introspectionResponse struct {
	Active   bool            `json:"active"`
	Issuer   string          `json:"iss"`
	Audience json.RawMessage `json:"aud"`
}

// NewIntrospectionVerifier returns a verifier for cfg.IntrospectionURL. When
// creds is nil the verifier authenticates with a client-credentials grant if
// cfg.TokenURL is set, and with HTTP basic auth otherwise.
func NewIntrospectionVerifier(cfg VerifierConfig, creds *CredentialProvider) (*IntrospectionVerifier, error) {
	cfg.Mode = ModeIntrospection
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrCodeMisconfigured, err)
	}
	return newIntrospectionVerifier(cfg, creds), nil
}

func newIntrospectionVerifier(cfg VerifierConfig, creds *CredentialProvider) *IntrospectionVerifier {
	if creds == nil && cfg.TokenURL != "" {
		creds = NewCredentialProvider(CredentialConfig{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
		})
	}
	return &IntrospectionVerifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
		credentials: creds,
	}
}

// Verify implements TokenVerifier.
func (v *IntrospectionVerifier) Verify(ctx context.Context, token string) (VerificationResult, error) {
	if strings.TrimSpace(token) == "" {
		return rejected(ErrCodeInvalidToken, errors.New("token is empty")), nil
	}

	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return VerificationResult{}, newError(ErrCodeMisconfigured, fmt.Errorf("create introspection request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if err := v.authenticate(ctx, req); err != nil {
		return VerificationResult{}, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return VerificationResult{}, newError(ErrCodeProviderUnavailable, fmt.Errorf("introspection request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return VerificationResult{}, newError(ErrCodeMisconfigured, fmt.Errorf("introspection endpoint rejected client credentials with status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return VerificationResult{}, newError(ErrCodeProviderUnavailable, fmt.Errorf("introspection endpoint returned status %d", resp.StatusCode))
	}

	var body introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIntrospectionBody)).Decode(&body); err != nil {
		return VerificationResult{}, newError(ErrCodeProviderUnavailable, fmt.Errorf("decode introspection response: %w", err))
	}

	if !body.Active {
		return rejected(ErrCodeInvalidToken, errors.New("token is not active")), nil
	}
	if v.cfg.Issuer != "" && body.Issuer != "" && body.Issuer != v.cfg.Issuer {
		return rejected(ErrCodeInvalidIssuer, fmt.Errorf("issuer mismatch: got %s, want %s", body.Issuer, v.cfg.Issuer)), nil
	}
	if v.cfg.Audience != "" && !audienceContains(body.Audience, v.cfg.Audience) {
		return rejected(ErrCodeInvalidAudience, fmt.Errorf("audience %s not granted", v.cfg.Audience)), nil
	}
	return VerificationResult{Valid: true}, nil
}

func (v *IntrospectionVerifier) authenticate(ctx context.Context, req *http.Request) error {
	if v.credentials == nil {
		req.SetBasicAuth(url.QueryEscape(v.cfg.ClientID), url.QueryEscape(v.cfg.ClientSecret))
		return nil
	}
	bearer, err := v.credentials.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return newError(ErrCodeMisconfigured, err)
		}
		return newError(ErrCodeProviderUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	return nil
}

// audienceContains accepts aud as a string or an array of strings. An absent
// aud does not match.
func audienceContains(raw json.RawMessage, want string) bool {
	if len(raw) == 0 {
		return false
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single == want
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return false
	}
	for _, aud := range many {
		if aud == want {
			return true
		}
	}
	return false
}

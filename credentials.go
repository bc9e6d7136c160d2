package authfilter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenFactory allows callers to override how client credentials are exchanged
// for an access token.
type TokenFactory func(context.Context, CredentialParams) (oauth2.TokenSource, error)

// CredentialConfig holds the client credentials the verifier presents to the
// identity provider.
type CredentialConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	TokenFactory TokenFactory
}

// CredentialParams identifies one client-credentials grant.
type CredentialParams struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// CredentialOption customizes the behaviour for a single Token call.
type CredentialOption func(*CredentialParams)

// WithScopes overrides the scopes requested for the access token.
func WithScopes(scopes ...string) CredentialOption {
	return func(p *CredentialParams) {
		p.Scopes = append([]string(nil), scopes...)
	}
}

// CredentialProvider obtains access tokens for the verifier's own calls to the
// identity provider. It caches one token source per (token URL, client, scopes).
type CredentialProvider struct {
	mu       sync.RWMutex
	factory  TokenFactory
	entries  map[credentialKey]oauth2.TokenSource
	defaults CredentialParams
}

type credentialKey struct {
	TokenURL string
	ClientID string
	Scopes   string
}

// NewCredentialProvider constructs a CredentialProvider using the supplied defaults.
func NewCredentialProvider(cfg CredentialConfig) *CredentialProvider {
	factory := cfg.TokenFactory
	if factory == nil {
		factory = clientCredentialsFactory
	}
	return &CredentialProvider{
		factory: factory,
		entries: make(map[credentialKey]oauth2.TokenSource),
		defaults: CredentialParams{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       append([]string(nil), cfg.Scopes...),
		},
	}
}

// Token returns an access token for the configured client.
func (p *CredentialProvider) Token(ctx context.Context, opts ...CredentialOption) (string, error) {
	params := cloneParams(p.defaults)
	for _, opt := range opts {
		opt(&params)
	}
	if strings.TrimSpace(params.TokenURL) == "" {
		return "", errors.New("token url is required")
	}

	scopes := append([]string(nil), params.Scopes...)
	sort.Strings(scopes)
	key := credentialKey{
		TokenURL: params.TokenURL,
		ClientID: params.ClientID,
		Scopes:   strings.Join(scopes, " "),
	}

	source, err := p.getOrCreate(ctx, key, params)
	if err != nil {
		return "", err
	}

	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token returned")
	}
	return tok.AccessToken, nil
}

func (p *CredentialProvider) getOrCreate(ctx context.Context, key credentialKey, params CredentialParams) (oauth2.TokenSource, error) {
	p.mu.RLock()
	source, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return source, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if source, ok = p.entries[key]; ok {
		return source, nil
	}

	ts, err := p.factory(context.WithoutCancel(ctx), params)
	if err != nil {
		return nil, err
	}
	source = oauth2.ReuseTokenSource(nil, ts)
	p.entries[key] = source
	return source, nil
}

func clientCredentialsFactory(ctx context.Context, params CredentialParams) (oauth2.TokenSource, error) {
	cfg := clientcredentials.Config{
		ClientID:     params.ClientID,
		ClientSecret: params.ClientSecret,
		TokenURL:     params.TokenURL,
		Scopes:       params.Scopes,
	}
	return cfg.TokenSource(ctx), nil
}

func cloneParams(in CredentialParams) CredentialParams {
	out := in
	if len(in.Scopes) > 0 {
		out.Scopes = append([]string(nil), in.Scopes...)
	}
	return out
}

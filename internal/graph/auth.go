package graph

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// StaticTokenProvider returns a fixed token. Useful for tests and for the
// admin binary, which receives a token from the environment.
type StaticTokenProvider string

// Token implements AccessTokenProvider.
func (t StaticTokenProvider) Token(_ context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("%w: no access token configured", onerr.ErrUnauthorized)
	}

	return string(t), nil
}

// oauth2Provider adapts an oauth2.TokenSource to AccessTokenProvider.
// Refresh serialization is the TokenSource's concern (oauth2.ReuseTokenSource
// already serializes internally).
type oauth2Provider struct {
	source oauth2.TokenSource
}

// TokenProviderFromOAuth2 wraps an oauth2.TokenSource as an
// AccessTokenProvider. Token retrieval failures classify as Unauthorized:
// a broker that cannot produce a token is an auth failure, not a network
// one, from this core's point of view.
func TokenProviderFromOAuth2(source oauth2.TokenSource) AccessTokenProvider {
	return &oauth2Provider{source: source}
}

func (p *oauth2Provider) Token(_ context.Context) (string, error) {
	tok, err := p.source.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", onerr.ErrUnauthorized, err)
	}

	return tok.AccessToken, nil
}

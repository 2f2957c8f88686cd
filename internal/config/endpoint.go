package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	EnvURL   = "MLFLARE_URL"
	EnvToken = "MLFLARE_API_TOKEN"
)

var ErrMissing = errors.New("config: required value missing")

type Endpoint struct {
	URL   string
	Token string
}

// ResolveEndpoint prefers the explicit arguments and falls back to
// MLFLARE_URL and MLFLARE_API_TOKEN. Trailing slashes are stripped from the URL.
func ResolveEndpoint(url, token string) (Endpoint, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		url = Getenv(EnvURL, "")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		token = Getenv(EnvToken, "")
	}
	url = strings.TrimRight(url, "/")
	if url == "" {
		return Endpoint{}, fmt.Errorf("%w: MLflare URL required: pass a url or set %s", ErrMissing, EnvURL)
	}
	if token == "" {
		return Endpoint{}, fmt.Errorf("%w: MLflare token required: pass a token or set %s", ErrMissing, EnvToken)
	}
	return Endpoint{URL: url, Token: token}, nil
}

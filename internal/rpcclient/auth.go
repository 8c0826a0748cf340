package rpcclient

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// AuthClass records which authentication source produced a request's
// credentials, for telemetry, per spec.md §4.5 "Classification is recorded
// per call".
type AuthClass int

const (
	AuthNone AuthClass = iota
	AuthStaticHeader
	AuthLUCILocalAuth
	AuthOAuth2
)

func (c AuthClass) String() string {
	switch c {
	case AuthOAuth2:
		return "oauth2"
	case AuthLUCILocalAuth:
		return "luci_local_auth"
	case AuthStaticHeader:
		return "static_header"
	default:
		return "none"
	}
}

// Credential is an authorization header value plus the source that produced
// it.
type Credential struct {
	Header string
	Class  AuthClass
}

// Source produces a Credential, or an error if no credential is currently
// available from it.
type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

// Chain tries sources in spec.md §4.5 precedence order: OAuth2 > LUCI local
// auth > static Authorization header > none.
type Chain struct {
	OAuth2        oauth2.TokenSource // nil if not configured
	LUCILocalAuth Source             // nil if not configured
	StaticHeader  string             // empty if not configured
}

// NewServiceAccountChain builds a Chain authenticating via a service-account
// JSON key, per spec.md §4.5 "service-account ... sources".
func NewServiceAccountChain(ctx context.Context, serviceAccountJSON []byte, scopes []string) (*Chain, error) {
	cfg, err := google.JWTConfigFromJSON(serviceAccountJSON, scopes...)
	if err != nil {
		return nil, errors.Wrap(err, "parse service account JSON")
	}
	return &Chain{OAuth2: cfg.TokenSource(ctx)}, nil
}

// NewGCEMetadataChain builds a Chain authenticating via the GCE metadata
// server, per spec.md §4.5 "GCE metadata ... sources".
func NewGCEMetadataChain(ctx context.Context, scopes ...string) *Chain {
	return &Chain{OAuth2: google.ComputeTokenSource("", scopes...)}
}

// NewRefreshTokenChain builds a Chain authenticating via a stored OAuth2
// refresh token, per spec.md §4.5 "refresh-token ... sources".
func NewRefreshTokenChain(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) *Chain {
	return &Chain{OAuth2: cfg.TokenSource(ctx, token)}
}

// Credential resolves the highest-precedence available credential.
func (c *Chain) Credential(ctx context.Context) (Credential, error) {
	if c.OAuth2 != nil {
		tok, err := c.OAuth2.Token()
		if err == nil && tok.Valid() {
			return Credential{Header: "Bearer " + tok.AccessToken, Class: AuthOAuth2}, nil
		}
	}
	if c.LUCILocalAuth != nil {
		if cred, err := c.LUCILocalAuth.Credential(ctx); err == nil {
			cred.Class = AuthLUCILocalAuth
			return cred, nil
		}
	}
	if c.StaticHeader != "" {
		return Credential{Header: c.StaticHeader, Class: AuthStaticHeader}, nil
	}
	return Credential{Class: AuthNone}, nil
}

// oauth2Valid reports whether the chain currently believes it holds a valid
// OAuth2 token — used to decide whether a 401 is worth retrying, per
// spec.md §4.5 "retry only while OAuth2 is considered valid".
func (c *Chain) oauth2Valid(ctx context.Context) bool {
	if c == nil || c.OAuth2 == nil {
		return false
	}
	tok, err := c.OAuth2.Token()
	return err == nil && tok.Valid()
}

// Package oauth implements the OAuth2 and OpenID Connect grant machinery:
// front-channel request construction, redirect processing, back-channel
// token exchange forms and response parsing. Grants carry no transport of
// their own; the caller performs the HTTP exchanges and feeds the results
// back in.
package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

// GrantType enumerates the supported OAuth2 grant variants.
type GrantType int

const (
	GrantAuthorizationCode GrantType = iota
	GrantImplicit
	GrantResourceOwner
	GrantClientCredentials
	GrantClientAssertion
	GrantClientRegistration
	GrantRefreshToken
)

var grantNames = map[GrantType]string{
	GrantAuthorizationCode:  "authorization_code",
	GrantImplicit:           "implicit",
	GrantResourceOwner:      "resource_owner",
	GrantClientCredentials:  "client_credentials",
	GrantClientAssertion:    "client_assertion",
	GrantClientRegistration: "client_registration",
	GrantRefreshToken:       "refresh_token",
}

func (g GrantType) String() string {
	if n, ok := grantNames[g]; ok {
		return n
	}
	return fmt.Sprintf("GrantType(%d)", int(g))
}

// ParseGrantType maps a configuration string to a GrantType. Matching is
// case-insensitive.
func ParseGrantType(s string) (GrantType, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for g, n := range grantNames {
		if n == want {
			return g, nil
		}
	}
	return 0, fmt.Errorf("oauth: unknown grant type %q", s)
}

// ClientConfig is the static client side of a grant: who we are and where
// the authorization server lives.
type ClientConfig struct {
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint *url.URL
	TokenEndpoint         *url.URL
	RedirectURI           *url.URL
	Scopes                []string
	EnablePKCE            bool
}

func (c ClientConfig) scope() string {
	return strings.Join(c.Scopes, " ")
}

// Grant is one authentication attempt through a single OAuth2 grant. A
// Grant is single-use: state, nonce and PKCE material are fixed at
// construction, and redirect processing consumes them.
type Grant interface {
	Type() GrantType

	// FrontChannelRequest returns the URL a user agent must load to start
	// the grant, or false for grants with no front channel.
	FrontChannelRequest() (*url.URL, bool)

	// ProcessRedirect consumes the redirect landing after the front
	// channel. Grants that finish on the front channel (implicit) return
	// the tokens; code-bearing grants return nil and arm the back channel.
	ProcessRedirect(raw string) (*TokenResponse, error)

	// BackChannelRequest returns the token-endpoint form to post, or false
	// when the grant has no back channel or it is not armed yet.
	BackChannelRequest() (url.Values, bool)

	// ProcessTokenResponse parses the token endpoint reply.
	ProcessTokenResponse(status int, body []byte) (*TokenResponse, error)
}

package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/openidm/mobileauth/pkg/errx"
)

// wellKnownPath is the OIDC provider metadata location (RFC 8414 layout).
const wellKnownPath = "/.well-known/openid-configuration"

// Discovery is the subset of the OpenID provider metadata this client
// consumes.
type Discovery struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri,omitempty"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	RevocationEndpoint    string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported   []string `json:"grant_types_supported,omitempty"`
}

// Discover fetches and validates the provider configuration for an issuer.
// issuer may already point at the well-known document; the suffix is added
// when missing.
func Discover(ctx context.Context, client *http.Client, issuer string) (*Discovery, error) {
	if client == nil {
		client = http.DefaultClient
	}
	target := strings.TrimSuffix(issuer, "/")
	if !strings.HasSuffix(target, wellKnownPath) {
		target += wellKnownPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errx.Wrap(errx.CodeOpenIDDiscoveryFailed, "openid_discovery_failed", "build discovery request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errx.Wrap(errx.CodeCouldNotConnect, "could_not_connect", "fetch provider configuration", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errx.Newf(errx.CodeOpenIDDiscoveryFailed, "openid_discovery_failed", "provider configuration request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errx.Wrap(errx.CodeOpenIDDiscoveryFailed, "openid_discovery_failed", "read provider configuration", err)
	}
	var d Discovery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, errx.Wrap(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "decode provider configuration", err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Discovery) validate() error {
	if d.Issuer == "" {
		return errx.New(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "provider configuration has no issuer")
	}
	for name, raw := range map[string]string{
		"authorization_endpoint": d.AuthorizationEndpoint,
		"token_endpoint":         d.TokenEndpoint,
	} {
		if raw == "" {
			return errx.Newf(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "provider configuration missing %s", name)
		}
		if _, err := url.Parse(raw); err != nil {
			return errx.Wrap(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "invalid "+name, err)
		}
	}
	return nil
}

// ApplyTo fills the endpoint fields of a client config from the discovered
// metadata. Fields the caller already set are kept.
func (d *Discovery) ApplyTo(cfg *ClientConfig) error {
	if cfg.AuthorizationEndpoint == nil {
		u, err := url.Parse(d.AuthorizationEndpoint)
		if err != nil {
			return errx.Wrap(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "invalid authorization endpoint", err)
		}
		cfg.AuthorizationEndpoint = u
	}
	if cfg.TokenEndpoint == nil {
		u, err := url.Parse(d.TokenEndpoint)
		if err != nil {
			return errx.Wrap(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "invalid token endpoint", err)
		}
		cfg.TokenEndpoint = u
	}
	return nil
}

package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/openidm/mobileauth/pkg/errx"
)

// RegistrationToken is the access token that authorizes dynamic client
// registration, with its expiry.
type RegistrationToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be presented at now. A zero
// expiry never expires.
func (t RegistrationToken) Valid(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// RegistrationRequest is the client metadata posted to the registration
// endpoint (RFC 7591).
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`

	// Jwks carries the client's public signing keys when it registers
	// for private_key_jwt authentication.
	Jwks *JWKS `json:"jwks,omitempty"`
}

// RegistrationResponse is the provisioned client (RFC 7591 §3.2.1).
type RegistrationResponse struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64  `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
}

// RegisterClient provisions a client at the registration endpoint, bearing
// the registration access token.
func RegisterClient(ctx context.Context, client *http.Client, endpoint string, token RegistrationToken, reg RegistrationRequest) (*RegistrationResponse, error) {
	if endpoint == "" {
		return nil, errx.New(errx.CodeClientRegistrationBadEndpoint, "client_registration_bad_endpoint", "no registration endpoint configured")
	}
	if !token.Valid(time.Now()) {
		return nil, errx.New(errx.CodeClientRegistrationTokenMissing, "client_registration_token_missing", "registration access token missing or expired")
	}
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(reg)
	if err != nil {
		return nil, errx.Wrap(errx.CodeClientRegistrationFailed, "client_registration_failed", "encode registration request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errx.Wrap(errx.CodeClientRegistrationFailed, "client_registration_failed", "build registration request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := client.Do(req)
	if err != nil {
		return nil, errx.Wrap(errx.CodeCouldNotConnect, "could_not_connect", "post registration request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errx.Wrap(errx.CodeClientRegistrationFailed, "client_registration_failed", "read registration response", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var pe ProtocolError
		if json.Unmarshal(raw, &pe) == nil && pe.ErrorCode != "" {
			return nil, errx.Wrap(errx.CodeClientRegistrationFailed, pe.ErrorCode, pe.Error(), &pe)
		}
		return nil, errx.Newf(errx.CodeClientRegistrationFailed, "client_registration_failed", "registration request returned status %d", resp.StatusCode)
	}

	var out RegistrationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errx.Wrap(errx.CodeClientRegistrationParseFailed, "client_registration_parse_failed", "decode registration response", err)
	}
	if out.ClientID == "" {
		return nil, errx.New(errx.CodeClientRegistrationParseFailed, "client_registration_parse_failed", "registration response carries no client id")
	}
	return &out, nil
}

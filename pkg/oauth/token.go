package oauth

import (
	"encoding/json"
	"net/http"

	"github.com/openidm/mobileauth/pkg/errx"
)

// TokenResponse is a successful token-endpoint reply (RFC 6749 §5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ProtocolError is the server-supplied OAuth2 error body (RFC 6749 §5.2),
// kept verbatim alongside the mapped errx code.
type ProtocolError struct {
	ErrorCode   string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return "oauth: " + e.ErrorCode
	}
	return "oauth: " + e.ErrorCode + ": " + e.Description
}

var protocolCodes = map[string]errx.Code{
	"invalid_request":           errx.CodeOAuthInvalidRequest,
	"access_denied":             errx.CodeOAuthAccessDenied,
	"invalid_scope":             errx.CodeOAuthInvalidScope,
	"server_error":              errx.CodeOAuthServerError,
	"temporarily_unavailable":   errx.CodeOAuthTemporarilyUnavailable,
	"unsupported_grant_type":    errx.CodeOAuthUnsupportedGrantType,
	"invalid_client":            errx.CodeOAuthInvalidClient,
	"invalid_grant":             errx.CodeOAuthInvalidGrant,
	"unauthorized_client":       errx.CodeOAuthUnauthorizedClient,
	"unsupported_response_type": errx.CodeOAuthUnsupportedResponse,
}

// mapProtocolError converts an RFC 6749 error string into the module's
// error taxonomy, preserving the server's wording as the cause.
func mapProtocolError(errCode, description, uri string) error {
	pe := &ProtocolError{ErrorCode: errCode, Description: description, URI: uri}
	code, ok := protocolCodes[errCode]
	if !ok {
		code = errx.CodeOAuthFailed
	}
	msg := description
	if msg == "" {
		msg = errCode
	}
	return errx.Wrap(code, errCode, msg, pe)
}

// ParseTokenResponse decodes a token-endpoint reply. Non-2xx statuses are
// parsed as RFC 6749 error bodies; an unparseable body still fails with a
// generic OAuth error.
func ParseTokenResponse(status int, body []byte) (*TokenResponse, error) {
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		var pe ProtocolError
		if err := json.Unmarshal(body, &pe); err != nil || pe.ErrorCode == "" {
			return nil, errx.Newf(errx.CodeOAuthFailed, "oauth_failed", "token request failed with status %d", status)
		}
		return nil, mapProtocolError(pe.ErrorCode, pe.Description, pe.URI)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errx.Wrap(errx.CodeOAuthFailed, "oauth_failed", "decode token response", err)
	}
	if tr.AccessToken == "" {
		return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "token response carries no access token")
	}
	return &tr, nil
}

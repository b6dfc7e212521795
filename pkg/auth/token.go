package auth

import (
	"time"
)

// Token is one issued credential held by an AuthenticationContext: an
// access token with its scopes, or an id/registration token.
type Token struct {
	Name         string        `json:"name"`
	Scopes       []string      `json:"scopes,omitempty"`
	Value        string        `json:"value"`
	IssuedAt     time.Time     `json:"issued_at"`
	ExpiresIn    time.Duration `json:"expires_in"`
	RefreshValue string        `json:"refresh_value,omitempty"`
	Type         string        `json:"type,omitempty"`
}

// Valid reports whether the token is still usable at now. The boundary
// instant is invalid: a token expiring exactly at now is expired.
func (t Token) Valid(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return now.Before(t.IssuedAt.Add(t.ExpiresIn))
}

// CoversScopes reports whether the token's scope set includes every
// requested scope. An empty request is covered by any token.
func (t Token) CoversScopes(scopes []string) bool {
	for _, want := range scopes {
		found := false
		for _, have := range t.Scopes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

package auth

import (
	"net/http"
	"strings"
)

// CredentialKind names where a credential came from. Extraction order is
// fixed: session cookie, bearer token, API key, API key id, session header.
type CredentialKind int

const (
	CredSessionCookie CredentialKind = iota
	CredBearer
	CredAPIKey
	CredAPIKeyID
	CredSessionHeader
)

// SessionCookieName is the gateway's session cookie.
const SessionCookieName = "aussie_session"

// Credential is one extracted credential value.
type Credential struct {
	Kind  CredentialKind
	Value string
}

// ExtractCredential pulls the highest-priority credential from the request.
func ExtractCredential(r *http.Request) (Credential, bool) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return Credential{Kind: CredSessionCookie, Value: c.Value}, true
	}

	if authz := r.Header.Get("Authorization"); authz != "" {
		if token, ok := strings.CutPrefix(authz, "Bearer "); ok && token != "" {
			return Credential{Kind: CredBearer, Value: token}, true
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return Credential{Kind: CredAPIKey, Value: key}, true
	}
	if id := r.Header.Get("X-API-Key-ID"); id != "" {
		return Credential{Kind: CredAPIKeyID, Value: id}, true
	}
	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return Credential{Kind: CredSessionHeader, Value: sid}, true
	}

	return Credential{}, false
}

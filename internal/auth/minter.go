package auth

import (
	"crypto/rsa"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim on every downstream token.
const Issuer = "aussie-gateway"

// DefaultTokenTTL is the downstream token lifetime.
const DefaultTokenTTL = 5 * time.Minute

// Minter signs short-lived downstream tokens handed to upstream services
// after successful authentication.
type Minter struct {
	key   *rsa.PrivateKey
	keyID string
	ttl   time.Duration
	now   func() time.Time
}

// NewMinter creates an RS256 minter. keyID is published as the kid header
// so upstreams can select the verification key.
func NewMinter(key *rsa.PrivateKey, keyID string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Minter{key: key, keyID: keyID, ttl: ttl, now: time.Now}
}

// Mint signs a token carrying the subject, its effective permissions and an
// optional audience.
func (m *Minter) Mint(subject string, permissions []string, audience string) (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"iss": Issuer,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(m.ttl).Unix(),
		"jti": uuid.NewString(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if len(permissions) > 0 {
		claims["permissions"] = permissions
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if m.keyID != "" {
		token.Header["kid"] = m.keyID
	}
	return token.SignedString(m.key)
}

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSProvider fetches and caches the identity provider's key set for
// bearer-token validation.
type JWKSProvider struct {
	cache *jwk.Cache
	url   string
}

// NewJWKSProvider registers the JWKS URL with an auto-refreshing cache and
// verifies it is reachable.
func NewJWKSProvider(ctx context.Context, jwksURL string, refreshInterval time.Duration) (*JWKSProvider, error) {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{cache: cache, url: jwksURL}, nil
}

// KeyFunc resolves the verification key for a token by its kid header.
func (p *JWKSProvider) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		keySet, err := p.cache.Get(ctx, p.url)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}

		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			if keySet.Len() > 0 {
				key, _ := keySet.Key(0)
				var rawKey interface{}
				if err := key.Raw(&rawKey); err != nil {
					return nil, fmt.Errorf("failed to extract raw key: %w", err)
				}
				return rawKey, nil
			}
			return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}
		var rawKey interface{}
		if err := key.Raw(&rawKey); err != nil {
			return nil, fmt.Errorf("failed to extract raw key for kid %q: %w", kid, err)
		}
		return rawKey, nil
	}
}

// BearerValidator validates Authorization bearer tokens with a key function,
// typically backed by a JWKSProvider.
type BearerValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string // expected issuer, empty disables the check
	priority int
}

func NewBearerValidator(keyFunc jwt.Keyfunc, issuer string, priority int) *BearerValidator {
	return &BearerValidator{keyFunc: keyFunc, issuer: issuer, priority: priority}
}

func (v *BearerValidator) Priority() int { return v.priority }

func (v *BearerValidator) Validate(_ context.Context, cred Credential) Verdict {
	if cred.Kind != CredBearer {
		return skip()
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(cred.Value, claims, v.keyFunc, opts...)
	if err != nil || !token.Valid {
		return invalid("invalid bearer token")
	}

	id := &Identity{AuthType: "bearer"}
	if sub, err := claims.GetSubject(); err == nil {
		id.UserID = sub
	}
	id.Roles = claimStrings(claims, "roles")
	id.Groups = claimStrings(claims, "groups")
	id.Permissions = claimStrings(claims, "permissions")
	return valid(id)
}

// claimStrings reads a string-array claim, tolerating []any encodings.
func claimStrings(claims jwt.MapClaims, name string) []string {
	raw, ok := claims[name]
	if !ok {
		return nil
	}
	switch vs := raw.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

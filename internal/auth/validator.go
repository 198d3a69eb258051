package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status is a validator's verdict on a credential.
type Status int

const (
	// StatusSkip means the validator does not handle this credential kind;
	// the chain moves on.
	StatusSkip Status = iota
	StatusValid
	StatusInvalid
)

// Verdict is the result of one validator invocation.
type Verdict struct {
	Status   Status
	Identity *Identity
	Reason   string
}

// TokenValidator validates one credential kind. Validators run in priority
// order, highest first; the first non-Skip verdict wins.
type TokenValidator interface {
	Priority() int
	Validate(ctx context.Context, cred Credential) Verdict
}

func skip() Verdict             { return Verdict{Status: StatusSkip} }
func invalid(r string) Verdict  { return Verdict{Status: StatusInvalid, Reason: r} }
func valid(id *Identity) Verdict { return Verdict{Status: StatusValid, Identity: id} }

// APIKey is one stored key record. Keys are stored hashed; the plaintext
// never persists.
type APIKey struct {
	ID        string
	Hash      string // hex SHA-256 of the plaintext
	UserID    string
	Roles     []string
	Revoked   bool
	ExpiresAt time.Time // zero means no expiry
}

// Expired reports whether the key is past its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// ErrKeyNotFound is returned by key repositories for unknown hashes or ids.
var ErrKeyNotFound = errors.New("api key not found")

// APIKeyRepository looks up stored keys.
type APIKeyRepository interface {
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByID(ctx context.Context, id string) (*APIKey, error)
}

// HashKey computes the stored form of a plaintext API key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// APIKeyValidator validates X-API-Key and X-API-Key-ID credentials against
// the key repository.
type APIKeyValidator struct {
	repo     APIKeyRepository
	priority int
	now      func() time.Time
}

func NewAPIKeyValidator(repo APIKeyRepository, priority int) *APIKeyValidator {
	return &APIKeyValidator{repo: repo, priority: priority, now: time.Now}
}

func (v *APIKeyValidator) Priority() int { return v.priority }

func (v *APIKeyValidator) Validate(ctx context.Context, cred Credential) Verdict {
	var key *APIKey
	var err error
	switch cred.Kind {
	case CredAPIKey:
		key, err = v.repo.GetByHash(ctx, HashKey(cred.Value))
	case CredAPIKeyID:
		key, err = v.repo.GetByID(ctx, cred.Value)
	default:
		return skip()
	}

	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return invalid("unknown API key")
		}
		return invalid("API key lookup failed")
	}
	if key.Revoked {
		return invalid("API key revoked")
	}
	if key.Expired(v.now()) {
		return invalid("API key expired")
	}

	return valid(&Identity{
		UserID:   key.UserID,
		ClientID: key.ID,
		Roles:    key.Roles,
		AuthType: "api_key",
	})
}

// Session is a server-side authenticated session record.
type Session struct {
	ID        string
	UserID    string
	Roles     []string
	Groups    []string
	ExpiresAt time.Time
}

// ErrSessionNotFound is returned for unknown or logged-out session ids.
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository resolves opaque session ids.
type SessionRepository interface {
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// SessionValidator validates the aussie_session cookie and the X-Session-ID
// header against the session store.
type SessionValidator struct {
	repo     SessionRepository
	priority int
	now      func() time.Time
}

func NewSessionValidator(repo SessionRepository, priority int) *SessionValidator {
	return &SessionValidator{repo: repo, priority: priority, now: time.Now}
}

func (v *SessionValidator) Priority() int { return v.priority }

func (v *SessionValidator) Validate(ctx context.Context, cred Credential) Verdict {
	if cred.Kind != CredSessionCookie && cred.Kind != CredSessionHeader {
		return skip()
	}

	sess, err := v.repo.Get(ctx, cred.Value)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return invalid("unknown session")
		}
		return invalid("session lookup failed")
	}
	if !sess.ExpiresAt.IsZero() && v.now().After(sess.ExpiresAt) {
		return invalid("session expired")
	}

	return valid(&Identity{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Roles:     sess.Roles,
		Groups:    sess.Groups,
		AuthType:  "session",
	})
}

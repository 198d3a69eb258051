// Package auth implements credential extraction, token validation, RBAC
// expansion and downstream token minting for proxied requests.
package auth

import (
	"context"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/aussie/gateway/internal/logging"
	"github.com/aussie/gateway/internal/registry"
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	UserID      string
	SessionID   string
	ClientID    string
	Roles       []string
	Groups      []string
	Permissions []string
	AuthType    string
}

// ResultKind tags the outcome of an authorization pass.
type ResultKind int

const (
	ResultNotRequired ResultKind = iota
	ResultAuthenticated
	ResultUnauthorized
	ResultForbidden
	ResultBadRequest
)

// Result is the outcome of Authorize. DownstreamToken is set when a token
// was minted for the upstream; Reason explains rejections.
type Result struct {
	Kind            ResultKind
	Identity        *Identity
	DownstreamToken string
	Reason          string
}

func unauthorized(reason string) Result {
	return Result{Kind: ResultUnauthorized, Reason: reason}
}

func forbidden(reason string) Result {
	return Result{Kind: ResultForbidden, Reason: reason}
}

// Authorizer runs the full policy for one request: credential extraction,
// validator selection, permission expansion, access control and downstream
// token minting.
type Authorizer struct {
	validators []TokenValidator // sorted by priority, highest first
	rbac       *RBAC
	minter     *Minter
	access     *AccessChecker
	audience   string // platform default audience
}

// Config wires an Authorizer.
type Config struct {
	Validators []TokenValidator
	RBAC       *RBAC
	Minter     *Minter
	Access     *AccessChecker
	Audience   string
}

func NewAuthorizer(cfg Config) *Authorizer {
	validators := make([]TokenValidator, len(cfg.Validators))
	copy(validators, cfg.Validators)
	sort.SliceStable(validators, func(i, j int) bool {
		return validators[i].Priority() > validators[j].Priority()
	})
	return &Authorizer{
		validators: validators,
		rbac:       cfg.RBAC,
		minter:     cfg.Minter,
		access:     cfg.Access,
		audience:   cfg.Audience,
	}
}

// Authorize applies the auth policy for a resolved route. clientIP is the
// trusted-proxy-resolved source address used for access control.
func (a *Authorizer) Authorize(ctx context.Context, r *http.Request, match *registry.RouteMatch, clientIP string) Result {
	if !match.AuthRequired() {
		res := Result{Kind: ResultNotRequired}
		// Services that insist on an audience still get a token so the
		// upstream can verify the hop even for anonymous traffic.
		if a.minter != nil && match.Service.RequireAudience {
			token, err := a.minter.Mint(anonymousSubject, nil, a.resolveAudience(match))
			if err != nil {
				logging.Error("anonymous downstream token mint failed", zap.Error(err))
			} else {
				res.DownstreamToken = token
			}
		}
		if deny := a.checkAccess(match, clientIP, r); deny != "" {
			return forbidden(deny)
		}
		return res
	}

	cred, ok := ExtractCredential(r)
	if !ok {
		return unauthorized("no credentials provided")
	}

	identity, verdict := a.validate(ctx, cred)
	switch verdict.Status {
	case StatusValid:
	case StatusInvalid:
		return unauthorized(verdict.Reason)
	default:
		return unauthorized("no validator accepted the credential")
	}

	if a.rbac != nil {
		perms, err := a.rbac.Expand(ctx, identity)
		if err != nil {
			logging.Error("permission expansion failed",
				zap.String("user", identity.UserID), zap.Error(err))
			return unauthorized("permission lookup failed")
		}
		identity.Permissions = perms
	}

	if missing := missingPermission(identity.Permissions, match.Endpoint.RequiredPermissions); missing != "" {
		return forbidden("missing permission " + missing)
	}

	if deny := a.checkAccess(match, clientIP, r); deny != "" {
		return forbidden(deny)
	}

	res := Result{Kind: ResultAuthenticated, Identity: identity}
	if a.minter != nil {
		token, err := a.minter.Mint(identity.UserID, identity.Permissions, a.resolveAudience(match))
		if err != nil {
			logging.Error("downstream token mint failed",
				zap.String("user", identity.UserID), zap.Error(err))
			return Result{Kind: ResultBadRequest, Reason: "token issuance failed"}
		}
		res.DownstreamToken = token
	}
	return res
}

// validate runs the priority-ordered validator chain; the first non-Skip
// result wins.
func (a *Authorizer) validate(ctx context.Context, cred Credential) (*Identity, Verdict) {
	for _, v := range a.validators {
		verdict := v.Validate(ctx, cred)
		if verdict.Status == StatusSkip {
			continue
		}
		return verdict.Identity, verdict
	}
	return nil, Verdict{Status: StatusSkip}
}

// resolveAudience picks the downstream token audience: endpoint override,
// then platform default, then the serviceId when the service requires one.
func (a *Authorizer) resolveAudience(match *registry.RouteMatch) string {
	if match.Endpoint != nil && match.Endpoint.Audience != "" {
		return match.Endpoint.Audience
	}
	if match.Service.Audience != "" {
		return match.Service.Audience
	}
	if a.audience != "" {
		return a.audience
	}
	if match.Service.RequireAudience {
		return match.Service.ID
	}
	return ""
}

// checkAccess enforces PRIVATE visibility allowlists. Returns a denial
// reason or empty string.
func (a *Authorizer) checkAccess(match *registry.RouteMatch, clientIP string, r *http.Request) string {
	if a.access == nil {
		return ""
	}
	return a.access.Check(match, clientIP, r)
}

func missingPermission(have, want []string) string {
	if len(want) == 0 {
		return ""
	}
	set := make(map[string]struct{}, len(have))
	for _, p := range have {
		set[p] = struct{}{}
	}
	for _, p := range want {
		if _, ok := set[p]; !ok {
			return p
		}
	}
	return ""
}

const anonymousSubject = "anonymous"

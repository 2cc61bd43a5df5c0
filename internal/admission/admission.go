// Copyright 2025 James Ross
//
// Package admission implements the Admission Gate: verifies the bearer
// credential (signature, issuer, audience, expiration, revocation),
// extracts tenant and scopes, enforces the endpoint's required scope, then
// consults the rate limiter and quota manager in that order. Token
// verification is grounded on the teacher's rbac-and-tokens HMAC signing
// scheme, narrowed to verification only — this service is a token
// consumer, not an issuer.
package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
	"github.com/Raghavaaa/lindia-ai/internal/quota"
	"github.com/Raghavaaa/lindia-ai/internal/ratelimit"
)

// Claims mirrors the signed token payload this service expects: a tenant
// identifier, scopes, standard timing fields, and a key id for rotation.
type Claims struct {
	Subject   string   `json:"sub"`
	TenantID  string   `json:"tenant_id"`
	Issuer    string   `json:"iss"`
	Audience  string   `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	NotBefore int64    `json:"nbf,omitempty"`
	JWTID     string   `json:"jti"`
	KeyID     string   `json:"kid"`
	Scopes    []string `json:"scopes"`
	Tier      string   `json:"tier"`
}

// RevocationChecker reports whether a JWT ID has been revoked.
type RevocationChecker interface {
	IsRevoked(jti string) bool
}

type noopRevocation struct{}

func (noopRevocation) IsRevoked(string) bool { return false }

// Gate is the Admission Gate. Construct with New.
type Gate struct {
	keys          map[string][]byte // kid -> HMAC secret
	issuer        string
	audience      string
	revocation    RevocationChecker
	limiter       *ratelimit.Limiter
	quota         *quota.Manager
	endpointScope map[string]string
	endpointCost  map[string]float64

	mu sync.RWMutex
}

func New(keys map[string][]byte, issuer, audience string, revocation RevocationChecker, limiter *ratelimit.Limiter, qm *quota.Manager) *Gate {
	if revocation == nil {
		revocation = noopRevocation{}
	}
	return &Gate{
		keys:          keys,
		issuer:        issuer,
		audience:      audience,
		revocation:    revocation,
		limiter:       limiter,
		quota:         qm,
		endpointScope: make(map[string]string),
		endpointCost:  make(map[string]float64),
	}
}

// RequireScope registers the scope an endpoint demands and its cost weight
// for the quota manager's cost-cap variant.
func (g *Gate) RequireScope(endpoint, scope string, costWeight float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.endpointScope[endpoint] = scope
	g.endpointCost[endpoint] = costWeight
}

// Decision is what a successful Admit call yields.
type Decision struct {
	TenantID  string
	Scopes    []string
	Tier      string
	RequestID string
}

// Admit verifies token, enforces scope, and consults rate limit then quota,
// in that order — so a request without sufficient scope never touches
// either counter.
func (g *Gate) Admit(token, endpoint, clientRequestID string) (Decision, error) {
	claims, err := g.verify(token)
	if err != nil {
		obs.AdmissionRequests.WithLabelValues(endpoint, "unauthenticated").Inc()
		return Decision{}, err
	}

	g.mu.RLock()
	requiredScope, hasRequirement := g.endpointScope[endpoint]
	costWeight := g.endpointCost[endpoint]
	g.mu.RUnlock()

	if hasRequirement && !hasScope(claims.Scopes, requiredScope) {
		obs.AdmissionRequests.WithLabelValues(endpoint, "scope_insufficient").Inc()
		return Decision{}, apierr.New(apierr.CodeScopeInsufficient, "token lacks required scope "+requiredScope).
			WithDetails(map[string]any{"required_scope": requiredScope})
	}

	if g.limiter != nil {
		if _, err := g.limiter.CheckAndConsume(claims.TenantID, endpoint); err != nil {
			obs.AdmissionRequests.WithLabelValues(endpoint, "rate_limited").Inc()
			return Decision{}, err
		}
	}
	if g.quota != nil {
		if _, err := g.quota.CheckAndConsume(claims.TenantID, costWeight); err != nil {
			obs.AdmissionRequests.WithLabelValues(endpoint, "quota_exceeded").Inc()
			return Decision{}, err
		}
	}

	requestID := clientRequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	obs.AdmissionRequests.WithLabelValues(endpoint, "admitted").Inc()
	return Decision{
		TenantID:  claims.TenantID,
		Scopes:    claims.Scopes,
		Tier:      claims.Tier,
		RequestID: requestID,
	}, nil
}

func hasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}

// verify checks signature, issuer, audience, expiration, not-before, and
// revocation, returning the parsed claims. The token format is
// "<base64url(claims json)>.<base64url(hmac-sha256 signature)>".
func (g *Gate) verify(token string) (*Claims, error) {
	if token == "" {
		return nil, apierr.New(apierr.CodeTokenMissing, "authentication token is required")
	}
	token = strings.TrimPrefix(token, "Bearer ")

	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, apierr.New(apierr.CodeTokenInvalid, "malformed token")
	}
	payloadB64, sigB64 := parts[0], parts[1]

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, apierr.New(apierr.CodeTokenInvalid, "malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apierr.New(apierr.CodeTokenInvalid, "malformed token claims")
	}

	secret, ok := g.keys[claims.KeyID]
	if !ok {
		return nil, apierr.New(apierr.CodeSignatureInvalid, "unknown signing key")
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, apierr.New(apierr.CodeSignatureInvalid, "malformed signature")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	expected := mac.Sum(nil)
	if !hmac.Equal(sig, expected) {
		return nil, apierr.New(apierr.CodeSignatureInvalid, "signature verification failed")
	}

	if claims.TenantID == "" {
		return nil, apierr.New(apierr.CodeClaimMissing, "token missing tenant_id claim")
	}
	if g.issuer != "" && claims.Issuer != g.issuer {
		return nil, apierr.New(apierr.CodeClaimInvalid, "unexpected issuer")
	}
	if g.audience != "" && claims.Audience != g.audience {
		return nil, apierr.New(apierr.CodeClaimInvalid, "unexpected audience")
	}

	now := time.Now().Unix()
	if claims.ExpiresAt != 0 && now >= claims.ExpiresAt {
		return nil, apierr.New(apierr.CodeTokenExpired, "token has expired")
	}
	if claims.NotBefore != 0 && now < claims.NotBefore {
		return nil, apierr.New(apierr.CodeTokenInvalid, "token not yet valid")
	}
	if claims.JWTID != "" && g.revocation.IsRevoked(claims.JWTID) {
		return nil, apierr.New(apierr.CodeTokenRevoked, "token has been revoked")
	}

	return &claims, nil
}

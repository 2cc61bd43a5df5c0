// Copyright 2025 James Ross
package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/quota"
	"github.com/Raghavaaa/lindia-ai/internal/ratelimit"
)

const testKeyID = "k1"

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, c Claims) string {
	t.Helper()
	payload, err := json.Marshal(c)
	require.NoError(t, err)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, testSecret)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payloadB64 + "." + sigB64
}

func newGate() *Gate {
	perMinute := func(string) int { return 100 }
	burst := func(string) int { return 100 }
	limiter := ratelimit.New(time.Minute, time.Second, perMinute, burst)

	tierOf := func(string) quota.Tier {
		return quota.Tier{Name: "pro", DailyRequests: 1000, DailyCostCapUSD: 100}
	}
	qm := quota.New(tierOf)

	keys := map[string][]byte{testKeyID: testSecret}
	g := New(keys, "airouter", "airouter-clients", nil, limiter, qm)
	g.RequireScope("inference", "inference:write", 0.01)
	return g
}

func validClaims() Claims {
	now := time.Now()
	return Claims{
		Subject:   "user-1",
		TenantID:  "tenant-a",
		Issuer:    "airouter",
		Audience:  "airouter-clients",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
		JWTID:     "jti-1",
		KeyID:     testKeyID,
		Scopes:    []string{"inference:write"},
		Tier:      "pro",
	}
}

func TestAdmitAcceptsValidToken(t *testing.T) {
	g := newGate()
	token := signToken(t, validClaims())

	decision, err := g.Admit(token, "inference", "")
	require.NoError(t, err)
	require.Equal(t, "tenant-a", decision.TenantID)
	require.NotEmpty(t, decision.RequestID)
}

func TestAdmitRejectsMissingToken(t *testing.T) {
	g := newGate()
	_, err := g.Admit("", "inference", "")
	require.Error(t, err)
	tagged, ok := apierr.AsError(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeTokenMissing, tagged.Code)
}

func TestAdmitRejectsTamperedSignature(t *testing.T) {
	g := newGate()
	token := signToken(t, validClaims())
	tampered := token[:len(token)-2] + "xx"

	_, err := g.Admit(tampered, "inference", "")
	require.Error(t, err)
	tagged, ok := apierr.AsError(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeSignatureInvalid, tagged.Code)
}

func TestAdmitRejectsExpiredToken(t *testing.T) {
	g := newGate()
	c := validClaims()
	c.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	token := signToken(t, c)

	_, err := g.Admit(token, "inference", "")
	require.Error(t, err)
	tagged, ok := apierr.AsError(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeTokenExpired, tagged.Code)
}

func TestAdmitRejectsRevokedToken(t *testing.T) {
	perMinute := func(string) int { return 100 }
	burst := func(string) int { return 100 }
	limiter := ratelimit.New(time.Minute, time.Second, perMinute, burst)
	qm := quota.New(func(string) quota.Tier {
		return quota.Tier{Name: "pro", DailyRequests: 1000, DailyCostCapUSD: 100}
	})
	keys := map[string][]byte{testKeyID: testSecret}
	g := New(keys, "airouter", "airouter-clients", revokeAll{}, limiter, qm)

	token := signToken(t, validClaims())
	_, err := g.Admit(token, "inference", "")
	require.Error(t, err)
	tagged, ok := apierr.AsError(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeTokenRevoked, tagged.Code)
}

type revokeAll struct{}

func (revokeAll) IsRevoked(string) bool { return true }

func TestAdmitRejectsInsufficientScope(t *testing.T) {
	g := newGate()
	c := validClaims()
	c.Scopes = []string{"inference:read"}
	token := signToken(t, c)

	_, err := g.Admit(token, "inference", "")
	require.Error(t, err)
	tagged, ok := apierr.AsError(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeScopeInsufficient, tagged.Code)
}

func TestAdmitRejectsUnknownIssuer(t *testing.T) {
	g := newGate()
	c := validClaims()
	c.Issuer = "someone-else"
	token := signToken(t, c)

	_, err := g.Admit(token, "inference", "")
	require.Error(t, err)
	tagged, ok := apierr.AsError(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeClaimInvalid, tagged.Code)
}

func TestAdmitEnforcesRateLimitAfterScopeCheck(t *testing.T) {
	perMinute := func(string) int { return 1 }
	burst := func(string) int { return 1 }
	limiter := ratelimit.New(time.Minute, time.Second, perMinute, burst)
	qm := quota.New(func(string) quota.Tier {
		return quota.Tier{Name: "pro", DailyRequests: 1000, DailyCostCapUSD: 100}
	})
	keys := map[string][]byte{testKeyID: testSecret}
	g := New(keys, "airouter", "airouter-clients", nil, limiter, qm)
	g.RequireScope("inference", "inference:write", 0.01)

	token := signToken(t, validClaims())
	_, err := g.Admit(token, "inference", "")
	require.NoError(t, err)

	_, err = g.Admit(token, "inference", "")
	require.Error(t, err)
	tagged, ok := apierr.AsError(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeRateLimitExceeded, tagged.Code)
}

func TestAdmitUsesClientSuppliedRequestID(t *testing.T) {
	g := newGate()
	token := signToken(t, validClaims())

	decision, err := g.Admit(token, "inference", "client-supplied-id")
	require.NoError(t, err)
	require.Equal(t, "client-supplied-id", decision.RequestID)
}

// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentgate/platform/config"
	"agentgate/platform/registry"
	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
)

// signatureSkew bounds how far a signed request's date may drift from
// server time before the signature is rejected as a replay.
const signatureSkew = 5 * time.Minute

// identityClaims are the custom claims expected on interactive bearer
// tokens issued by the identity provider.
type identityClaims struct {
	TenantID    string   `json:"tenant_id"`
	AppID       string   `json:"app_id"`
	Tier        string   `json:"tier"`
	Roles       []string `json:"roles"`
	UsagePlanID string   `json:"usage_plan_id"`
	jwt.RegisteredClaims
}

// contextClaims wrap a TenantContext for the short-lived signed context
// token passed to downstream services.
type contextClaims struct {
	Context types.TenantContext `json:"tctx"`
	jwt.RegisteredClaims
}

// Authenticator establishes a TenantContext from either an interactive
// bearer token or a machine request signature. All credential failures
// collapse into AuthenticationRejected with a generic message; the
// internal reason goes only to logs.
type Authenticator struct {
	jwks       *JWKSCache
	issuer     string
	audience   string
	tenants    registry.TenantRegistry
	secrets    config.SecretsManager
	contextKey []byte
	contextTTL time.Duration
	log        *logger.Logger
	now        func() time.Time
}

// NewAuthenticator wires the two credential paths and the context token
// signer.
func NewAuthenticator(cfg *config.Config, jwks *JWKSCache, tenants registry.TenantRegistry, secrets config.SecretsManager) *Authenticator {
	return &Authenticator{
		jwks:       jwks,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		tenants:    tenants,
		secrets:    secrets,
		contextKey: []byte(cfg.ContextSigningKey),
		contextTTL: cfg.ContextTTL,
		log:        logger.New("gateway-auth"),
		now:        time.Now,
	}
}

// Authenticate inspects the request and runs the matching credential
// path. Exactly one path applies per request: a bearer token if present,
// otherwise a request signature. On success the tenant's registry status
// is checked before any context is established.
func (a *Authenticator) Authenticate(r *http.Request) (types.TenantContext, error) {
	var (
		tc  types.TenantContext
		err error
	)
	switch {
	case r.Header.Get("Authorization") != "":
		tc, err = a.authenticateBearer(r)
	case r.Header.Get("X-Signature") != "":
		tc, err = a.authenticateSigned(r)
	default:
		err = types.NewAuthenticationRejected("no credentials presented")
	}
	if err != nil {
		a.logRejection(r, err)
		return types.TenantContext{}, err
	}

	// Status gate runs after the cryptographic check so a suspended
	// tenant gets the specific inactive-account answer, not a generic
	// credential failure.
	tenant, err := a.tenants.GetTenant(r.Context(), tc.TenantID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			rej := types.NewAuthenticationRejected("tenant %s not in registry", tc.TenantID)
			a.logRejection(r, rej)
			return types.TenantContext{}, rej
		}
		return types.TenantContext{}, fmt.Errorf("tenant lookup failed: %w", err)
	}
	if tenant.Status != types.TenantActive {
		return types.TenantContext{}, &types.TenantSuspendedError{TenantID: tc.TenantID, Status: tenant.Status}
	}

	// The registry's tier is authoritative over any tier claim.
	tc.Tier = tenant.Tier
	return tc, nil
}

func (a *Authenticator) authenticateBearer(r *http.Request) (types.TenantContext, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return types.TenantContext{}, types.NewAuthenticationRejected("malformed Authorization header")
	}

	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		return a.jwks.Key(r.Context(), kid)
	},
		jwt.WithTimeFunc(a.now),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return types.TenantContext{}, types.NewAuthenticationRejected("bearer token invalid: %v", err)
	}
	if claims.TenantID == "" {
		return types.TenantContext{}, types.NewAuthenticationRejected("bearer token missing tenant_id claim")
	}

	roles := make([]types.Role, 0, len(claims.Roles))
	for _, role := range claims.Roles {
		roles = append(roles, types.Role(role))
	}
	return types.TenantContext{
		TenantID:    claims.TenantID,
		AppID:       claims.AppID,
		Tier:        types.Tier(claims.Tier),
		Roles:       roles,
		Subject:     claims.Subject,
		UsagePlanID: claims.UsagePlanID,
	}, nil
}

// authenticateSigned verifies the machine-caller path: an HMAC-SHA256
// signature over method|path|date|sha256(body), keyed by the caller's
// signing secret from the secrets manager.
func (a *Authenticator) authenticateSigned(r *http.Request) (types.TenantContext, error) {
	callerID := r.Header.Get("X-Caller-Id")
	dateHeader := r.Header.Get("X-Signature-Date")
	signature := r.Header.Get("X-Signature")
	if callerID == "" || dateHeader == "" {
		return types.TenantContext{}, types.NewAuthenticationRejected("signed request missing caller or date header")
	}

	signedAt, err := time.Parse(time.RFC3339, dateHeader)
	if err != nil {
		return types.TenantContext{}, types.NewAuthenticationRejected("unparseable signature date %q", dateHeader)
	}
	if drift := a.now().Sub(signedAt); drift > signatureSkew || drift < -signatureSkew {
		return types.TenantContext{}, types.NewAuthenticationRejected("signature date outside skew window")
	}

	secret, err := a.secrets.GetSecret(r.Context(), "machine-callers/"+callerID)
	if err != nil {
		return types.TenantContext{}, types.NewAuthenticationRejected("no signing secret for caller %s: %v", callerID, err)
	}
	signingKey := secret["signing_key"]
	if signingKey == "" {
		return types.TenantContext{}, types.NewAuthenticationRejected("caller %s secret missing signing_key", callerID)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return types.TenantContext{}, fmt.Errorf("failed to read request body: %w", err)
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(body)))

	expected := SignRequest(signingKey, r.Method, r.URL.Path, dateHeader, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return types.TenantContext{}, types.NewAuthenticationRejected("signature mismatch for caller %s", callerID)
	}

	tc := types.TenantContext{
		TenantID:    secret["tenant_id"],
		AppID:       secret["app_id"],
		Tier:        types.Tier(secret["tier"]),
		Subject:     "machine:" + callerID,
		UsagePlanID: secret["usage_plan_id"],
	}
	if tc.TenantID == "" {
		return types.TenantContext{}, types.NewAuthenticationRejected("caller %s secret missing tenant_id", callerID)
	}
	return tc, nil
}

// SignRequest computes the canonical machine-caller signature:
// HMAC-SHA256 over "METHOD|path|date|hex(sha256(body))", hex encoded.
// Exported for client SDKs and tests.
func SignRequest(signingKey, method, path, date string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(method),
		path,
		date,
		hex.EncodeToString(bodyHash[:]),
	}, "|")
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// MintContextToken signs a short-lived context token carrying the
// TenantContext for downstream services. The original caller credential
// is never forwarded.
func (a *Authenticator) MintContextToken(tc types.TenantContext) (string, error) {
	now := a.now().UTC()
	claims := contextClaims{
		Context: tc,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tc.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.contextTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.contextKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign context token: %w", err)
	}
	return signed, nil
}

// VerifyContextToken validates a context token minted by the gateway and
// returns the embedded TenantContext. Used by the bridge.
func VerifyContextToken(tokenString string, signingKey []byte, now func() time.Time) (types.TenantContext, error) {
	if now == nil {
		now = time.Now
	}
	claims := &contextClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return signingKey, nil
	}, jwt.WithTimeFunc(now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return types.TenantContext{}, types.NewAuthenticationRejected("context token invalid: %v", err)
	}
	if claims.Context.TenantID == "" {
		return types.TenantContext{}, types.NewAuthenticationRejected("context token carries no tenant")
	}
	return claims.Context, nil
}

func (a *Authenticator) logRejection(r *http.Request, err error) {
	reason := err.Error()
	var rej *types.AuthenticationRejected
	if errors.As(err, &rej) {
		reason = rej.Reason
	}
	a.log.Warn("-", r.Header.Get("X-Request-Id"), "authentication rejected", map[string]interface{}{
		"path":   r.URL.Path,
		"reason": reason,
	})
}

// contextKey avoids collisions in request contexts.
type ctxKey int

const tenantContextKey ctxKey = 0

// WithTenantContext stores the established context on a request context.
func WithTenantContext(ctx context.Context, tc types.TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// TenantContextFrom retrieves the established context, if any.
func TenantContextFrom(ctx context.Context) (types.TenantContext, bool) {
	tc, ok := ctx.Value(tenantContextKey).(types.TenantContext)
	return tc, ok
}

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
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"agentgate/platform/shared/logger"
)

// jwksDocument is the subset of RFC 7517 the gateway consumes.
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSCache fetches and caches the identity provider's signing keys.
// Keys are refreshed in the background; when a refresh fails the
// last-known-good set keeps serving until its hard expiry, after which
// verification fails closed rather than accepting unverifiable tokens.
type JWKSCache struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	log        *logger.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// staleGrace is how long past the cache TTL the last-known-good key set
// remains acceptable while the provider is unreachable.
const staleGrace = 30 * time.Minute

// NewJWKSCache creates a cache for the given JWKS endpoint.
func NewJWKSCache(url string, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSCache{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger.New("jwks-cache"),
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Start performs an initial fetch and refreshes in the background until
// ctx is cancelled. The initial fetch error is returned so startup can
// decide whether to proceed degraded.
func (c *JWKSCache) Start(ctx context.Context) error {
	err := c.refresh(ctx)

	go func() {
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.refresh(ctx); err != nil {
					c.log.Warn("-", "-", "JWKS refresh failed, serving last known keys", map[string]interface{}{
						"error": err.Error(),
						"url":   c.url,
					})
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return err
}

// Key returns the RSA public key for kid. A kid that is missing from a
// fresh key set triggers one forced refresh before failing, covering
// provider-side key rotation between refresh ticks.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	age := time.Since(c.fetchedAt)
	c.mu.RUnlock()

	if ok && age < c.ttl+staleGrace {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		if ok && age < c.ttl+staleGrace {
			return key, nil
		}
		return nil, fmt.Errorf("signing keys unavailable: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			c.log.Warn("-", "-", "skipping unparseable JWKS key", map[string]interface{}{
				"kid":   k.Kid,
				"error": err.Error(),
			})
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS document contains no usable RSA signing keys")
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// SetKeyForTest installs a key directly, bypassing the fetch path.
func (c *JWKSCache) SetKeyForTest(kid string, key *rsa.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[kid] = key
	c.fetchedAt = time.Now()
}

func parseRSAKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// Package identity verifies the actor a request executes under and
// mints tokens for test and single-node deployments. Verified claims
// become the contracts.ActorIdentity bound to every Action.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet manages active signing keys and verification of past keys.
// Supports key rotation without downtime.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet holds Ed25519 keys in memory.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
}

func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{
		keys: make(map[string]ed25519.PrivateKey),
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a fresh active key. Older keys stay verifiable
// until evicted.
func (ks *InMemoryKeySet) Rotate() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = privateKey
	ks.currentKID = kid

	if len(ks.keys) > 10 {
		for k := range ks.keys {
			if k != kid {
				delete(ks.keys, k)
				break
			}
		}
	}
	return nil
}

func (ks *InMemoryKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}

		return key.Public(), nil
	}
}

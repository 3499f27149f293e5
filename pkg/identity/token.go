package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// ActorClaims extends standard JWT claims with the actor binding the
// authorization pipeline needs.
type ActorClaims struct {
	jwt.RegisteredClaims
	Type        contracts.PrincipalType `json:"type"`
	DelegatorID string                  `json:"delegator_id,omitempty"`
	Scopes      []string                `json:"scopes,omitempty"`
}

// TokenManager handles token generation and validation.
type TokenManager struct {
	keySet KeySet
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks}
}

// GenerateToken creates a signed JWT for an actor.
func (tm *TokenManager) GenerateToken(actor contracts.ActorIdentity, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        actor.ID,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    "tollgate/identity",
			Audience:  jwt.ClaimStrings{"tollgate.internal"},
		},
		Type:        actor.Type,
		DelegatorID: actor.DelegatorID,
		Scopes:      actor.Scopes,
	}
	return tm.keySet.Sign(context.Background(), claims)
}

// ValidateToken parses and validates a JWT string.
func (tm *TokenManager) ValidateToken(tokenString string) (*ActorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ActorClaims{}, tm.keySet.KeyFunc())
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*ActorClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}

// Actor converts validated claims into the actor identity bound to
// Actions. Agent tokens must carry a delegator.
func (c *ActorClaims) Actor() (contracts.ActorIdentity, error) {
	if c.Subject == "" {
		return contracts.ActorIdentity{}, fmt.Errorf("identity: token subject is required")
	}
	switch c.Type {
	case contracts.PrincipalHuman, contracts.PrincipalService:
	case contracts.PrincipalAgent:
		if c.DelegatorID == "" {
			return contracts.ActorIdentity{}, fmt.Errorf("identity: agent token missing delegator")
		}
	default:
		return contracts.ActorIdentity{}, fmt.Errorf("identity: unknown principal type %q", c.Type)
	}
	return contracts.ActorIdentity{
		ID:          c.Subject,
		Type:        c.Type,
		DelegatorID: c.DelegatorID,
		Scopes:      c.Scopes,
	}, nil
}

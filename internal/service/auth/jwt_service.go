package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JWTService issues and checks operator tokens.
type JWTService interface {
	// GenerateToken creates a signed token for an operator of the tenant.
	GenerateToken(ctx context.Context, operatorID, tenantID uuid.UUID) (string, error)

	// ValidateToken checks the token's signature, issuer and lifetime and
	// returns its claims.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims is what a valid operator token asserts.
type Claims struct {
	// OperatorID identifies the person acting on the API.
	OperatorID uuid.UUID `json:"oid,omitempty"`

	// TenantID scopes every request made with the token.
	TenantID uuid.UUID `json:"tid,omitempty"`

	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ufaas/payping-ipg/internal/models"
)

// TokenIssuer mints access tokens for calls made on behalf of a tenant.
type TokenIssuer interface {
	Issue(business *models.Business) (string, error)
}

// JWTIssuer signs short-lived ledger access tokens with the tenant API secret.
type JWTIssuer struct {
	ttl time.Duration
}

func NewJWTIssuer(ttl time.Duration) *JWTIssuer {
	return &JWTIssuer{ttl: ttl}
}

func (i *JWTIssuer) Issue(business *models.Business) (string, error) {
	if business.APISecret == "" {
		return "", fmt.Errorf("api secret not set for business %s", business.Name)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": business.Name,
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	})
	return token.SignedString([]byte(business.APISecret))
}

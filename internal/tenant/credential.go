package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is a service-level identity for one tenant.
type Credential struct {
	Role      string
	Token     string
	ExpiresAt time.Time
}

// CredentialResolver returns the service credential of a tenant.
type CredentialResolver interface {
	ServiceCredential(ctx context.Context, tenantID string) (Credential, error)
}

// Claims holds service token claims.
type Claims struct {
	Role   string `json:"role"`
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

// JWTCredentialResolver issues HS256 service-role tokens.
type JWTCredentialResolver struct {
	secret []byte
	role   string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTCredentialResolver creates a resolver signing with secret.
func NewJWTCredentialResolver(secret, role string, ttl time.Duration) (*JWTCredentialResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTCredentialResolver{
		secret: []byte(secret),
		role:   role,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// ServiceCredential signs a token carrying the service role for tenantID.
func (r *JWTCredentialResolver) ServiceCredential(ctx context.Context, tenantID string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	now := r.now()
	claims := &Claims{
		Role:   r.role,
		Tenant: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   r.role,
			ExpiresAt: jwt.NewNumericDate(now.Add(r.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return Credential{}, fmt.Errorf("sign service token: %w", err)
	}
	return Credential{Role: r.role, Token: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify parses a service token and returns its claims.
func (r *JWTCredentialResolver) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

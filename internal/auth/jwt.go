package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload a bearer token carries.
type Claims struct {
	Principal    string   `json:"principal"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// JWTValidator verifies HS256 bearer tokens.
type JWTValidator struct {
	secretKey []byte
	issuer    string
}

func NewJWTValidator(secretKey, issuer string) *JWTValidator {
	return &JWTValidator{secretKey: []byte(secretKey), issuer: issuer}
}

func (v *JWTValidator) Validate(_ context.Context, creds Credentials) (*Info, error) {
	if creds.BearerToken == "" {
		return nil, ErrAuthFailed
	}
	claims, err := v.verify(creds.BearerToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	principal := claims.Principal
	if principal == "" {
		principal = claims.Subject
	}
	if principal == "" {
		return nil, fmt.Errorf("%w: token has no principal", ErrAuthFailed)
	}
	return &Info{
		Principal:    principal,
		Capabilities: claims.Capabilities,
		Metadata:     map[string]string{"auth_method": "bearer"},
	}, nil
}

func (v *JWTValidator) verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Generate mints a token, used by tests and provisioning tools.
func (v *JWTValidator) Generate(principal string, capabilities []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Principal:    principal,
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

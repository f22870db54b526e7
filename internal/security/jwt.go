package security

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT validation errors.
var (
	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
)

// Identity is the verified caller behind a bearer token.
type Identity struct {
	UID  string `json:"uid"`
	Role Role   `json:"role"`
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// AdminClaims defines JWT claims for operators and scheduler callers.
type AdminClaims struct {
	UID  string `json:"uid"`
	Role Role   `json:"role"`
	jwt.RegisteredClaims
}

// GenerateAdminToken signs an HS256 token carrying uid and role.
func GenerateAdminToken(secret, uid string, role Role, expiry time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		UID:  uid,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken validates a token and returns its claims.
func ParseAdminToken(secret string, tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// JWTVerifier verifies HS256 admin tokens.
type JWTVerifier struct {
	secret string
}

// NewJWTVerifier returns nil when secret is empty.
func NewJWTVerifier(secret string) *JWTVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &JWTVerifier{secret: secret}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if v == nil {
		return Identity{}, ErrInvalidToken
	}
	claims, err := ParseAdminToken(v.secret, token)
	if err != nil {
		return Identity{}, err
	}
	uid := claims.UID
	if uid == "" {
		uid = claims.Subject
	}
	role, ok := ParseRole(string(claims.Role))
	if uid == "" || !ok {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UID: uid, Role: role}, nil
}

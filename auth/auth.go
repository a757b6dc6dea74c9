// auth/auth.go
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/form3tech-oss/jwt-go"
	"github.com/wfunc/gridduel/models"
)

// Identity 已认证的玩家身份
type Identity struct {
	PlayerID    string
	DisplayName string
}

// Resolver resolves an opaque token to a player identity, or fails with
// models.ErrUnauthorized.
type Resolver interface {
	Resolve(token string) (*Identity, error)
}

// JWTResolver 校验 HS256 签名的 JWT，sub 为玩家 ID，username 为昵称
type JWTResolver struct {
	secret []byte
	issuer string
}

func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: jwt secret is required", models.ErrInvalidArgument)
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer}, nil
}

func (r *JWTResolver) Resolve(tokenString string) (*Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", models.ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	if r.issuer != "" && !claims.VerifyIssuer(r.issuer, true) {
		return nil, fmt.Errorf("%w: bad issuer", models.ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", models.ErrUnauthorized)
	}
	name, _ := claims["username"].(string)
	if name == "" {
		name = sub
	}
	return &Identity{PlayerID: sub, DisplayName: name}, nil
}

// Sign 签发开发/测试用的令牌
func Sign(secret, issuer, playerID, displayName string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: jwt secret is required", models.ErrInvalidArgument)
	}
	if playerID == "" {
		return "", fmt.Errorf("%w: player id is required", models.ErrInvalidArgument)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      playerID,
		"username": displayName,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

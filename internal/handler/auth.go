package handler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"offlinesync/internal/apperror"
	"offlinesync/pkg/response"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
)

const ctxUserIDKey = "uid"

// Claims 调用方身份，uid 为用户 ID
type Claims struct {
	UID string `json:"uid"`
	jwt.StandardClaims
}

// GenerateToken 签发 HS256 令牌
func GenerateToken(secret []byte, uid string, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UID: uid,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(secret)
}

func ParseToken(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UID == "" {
		return nil, errors.New("token has no uid")
	}
	return claims, nil
}

// AuthMiddleware 校验 Authorization: Bearer <jwt>，通过后把 uid 写入上下文
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
			response.Abort(c, apperror.Unauthenticated("User must be authenticated"))
			return
		}

		claims, err := ParseToken(secret, strings.TrimSpace(auth[7:]))
		if err != nil {
			response.Abort(c, apperror.Unauthenticated("User must be authenticated"))
			return
		}

		c.Set(ctxUserIDKey, claims.UID)
		c.Next()
	}
}

// CurrentUserID 未通过认证时返回空字符串
func CurrentUserID(c *gin.Context) string {
	return c.GetString(ctxUserIDKey)
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SubjectKey 认证通过后写入上下文的令牌主体
const SubjectKey = "subject"

// BearerAuth 校验 HS256 签名的 Bearer 令牌。secret 为空时不做认证
// skip 中的路径无需认证（健康检查、指标）
func BearerAuth(secret []byte, skip ...string) gin.HandlerFunc {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}
	return func(c *gin.Context) {
		if len(secret) == 0 || open[c.Request.URL.Path] {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="transcribe"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":      msg,
		"request_id": RequestID(c),
	})
}

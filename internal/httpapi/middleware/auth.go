package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/auth"
	"github.com/suPer8Hu/vidchat/internal/common"
)

const (
	UserIDKey = "user_id"
	ClaimsKey = "claims"
)

// RevocationChecker reports logged-out tokens.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthRequired verifies the bearer token. revoked may be nil. A failing
// revocation lookup lets the token through.
func AuthRequired(secret string, revoked RevocationChecker, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		tok = strings.TrimSpace(tok)
		if !found || tok == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			return
		}
		claims, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid or expired token")
			return
		}
		if revoked != nil {
			gone, err := revoked.IsRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				log.Warn("revocation lookup failed", zap.String("request_id", c.GetString(RequestIDKey)), zap.Error(err))
			} else if gone {
				common.Fail(c, http.StatusUnauthorized, 40102, "invalid or expired token")
				return
			}
		}
		c.Set(UserIDKey, claims.UserID)
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// UserID returns the id AuthRequired stored on the context.
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func TokenClaims(c *gin.Context) (auth.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return auth.Claims{}, false
	}
	claims, ok := v.(auth.Claims)
	return claims, ok
}

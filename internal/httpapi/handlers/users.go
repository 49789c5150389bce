package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/auth"
	"github.com/suPer8Hu/vidchat/internal/common"
	"github.com/suPer8Hu/vidchat/internal/httpapi/middleware"
)

type createUserReq struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	u, err := h.Users.Register(c.Request.Context(), req.Email, req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrWeakInput):
		common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		return
	case errors.Is(err, auth.ErrUserExists):
		common.Fail(c, http.StatusConflict, 40901, "email or username already registered")
		return
	case err != nil:
		h.fail(c, err)
		return
	}

	common.OK(c, gin.H{"id": u.ID, "email": u.Email, "username": u.Username})
}

type loginReq struct {
	// Identifier is an email or a username.
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	uid, err := h.Users.AuthenticateCredentials(c.Request.Context(), req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuth) {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid credentials")
			return
		}
		h.fail(c, err)
		return
	}

	token, err := auth.SignJWT(uid, h.JWTSecret, h.JWTTTL)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"token": token, "user_id": uid})
}

// Logout revokes the token and drops the user's cached history. Stored
// history is untouched.
func (h *Handler) Logout(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	ctx := c.Request.Context()
	if claims, ok := middleware.TokenClaims(c); ok && h.Revoker != nil {
		if err := h.Revoker.Revoke(ctx, claims); err != nil {
			h.fail(c, err)
			return
		}
	}
	if err := h.History.Invalidate(ctx, uid); err != nil {
		// the session ends either way; stale entries age out with the TTL
		h.log().Warn("logout invalidate", zap.Uint64("user_id", uid), zap.Error(err))
	}
	common.OK(c, nil)
}

// DeleteMe removes the account and all of its history.
func (h *Handler) DeleteMe(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	ctx := c.Request.Context()
	if err := h.Users.Delete(ctx, uid); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.History.Purge(ctx, uid); err != nil {
		h.fail(c, err)
		return
	}
	if claims, ok := middleware.TokenClaims(c); ok && h.Revoker != nil {
		if err := h.Revoker.Revoke(ctx, claims); err != nil {
			h.log().Warn("revoke after delete", zap.Uint64("user_id", uid), zap.Error(err))
		}
	}
	common.OK(c, nil)
}

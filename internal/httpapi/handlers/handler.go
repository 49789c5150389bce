package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/auth"
	"github.com/suPer8Hu/vidchat/internal/chat"
	"github.com/suPer8Hu/vidchat/internal/common"
	"github.com/suPer8Hu/vidchat/internal/history"
	"github.com/suPer8Hu/vidchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/vidchat/internal/logging"
)

type Handler struct {
	Users   *auth.Directory
	Revoker *auth.Revoker
	History *history.Service
	Chat    *chat.Service

	JWTSecret string
	JWTTTL    time.Duration
	// MaxUploadBytes caps video uploads.
	MaxUploadBytes int64

	Log *zap.Logger
}

func (h *Handler) log() *zap.Logger {
	return logging.OrNop(h.Log)
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	return middleware.UserID(c)
}

// fail maps service errors onto the envelope. Causes of 5xx answers are
// logged, never returned.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, history.ErrInvalidCursor):
		common.Fail(c, http.StatusBadRequest, 40010, "invalid cursor")
	case errors.Is(err, history.ErrInvalidPayload), errors.Is(err, history.ErrInvalidRole):
		common.Fail(c, http.StatusBadRequest, 10002, "invalid payload")
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
	case errors.Is(err, history.ErrUnknownUser):
		common.Fail(c, http.StatusNotFound, 40401, "user not found")
	case errors.Is(err, chat.ErrGeneration):
		common.Fail(c, http.StatusBadGateway, 50201, err.Error())
	case history.IsTier(err, history.TierCache), history.IsTier(err, history.TierDurable):
		h.log().Warn("storage tier unavailable", zap.String("request_id", c.GetString(middleware.RequestIDKey)), zap.Error(err))
		common.Fail(c, http.StatusServiceUnavailable, 50301, "history temporarily unavailable")
	default:
		h.log().Error("request failed", zap.String("request_id", c.GetString(middleware.RequestIDKey)), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50000, "internal server error")
	}
}

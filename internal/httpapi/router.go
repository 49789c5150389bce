package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/common"
	"github.com/suPer8Hu/vidchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/vidchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/vidchat/internal/logging"
)

func NewRouter(h *handlers.Handler, log *zap.Logger) *gin.Engine {
	log = logging.OrNop(log).Named("http")

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.JWTSecret, revocations(h), log))
	authGroup.POST("/logout", h.Logout)
	authGroup.DELETE("/users/me", h.DeleteMe)

	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.GET("/chat/history", h.ListChatHistory)

	authGroup.POST("/video/analyze", h.AnalyzeVideo)
	authGroup.GET("/video/history", h.ListVideoHistory)
	return r
}

func revocations(h *handlers.Handler) middleware.RevocationChecker {
	if h.Revoker == nil {
		return nil
	}
	return h.Revoker
}

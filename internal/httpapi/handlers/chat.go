package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/vidchat/internal/chat"
	"github.com/suPer8Hu/vidchat/internal/common"
	"github.com/suPer8Hu/vidchat/internal/history"
)

type sendMessageReq struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ex, err := h.Chat.SendMessage(c.Request.Context(), uid, req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}
	reply, _ := ex.Reply.ChatMessage()
	common.OK(c, gin.H{
		"response": reply.Message,
		"input":    ex.Input,
		"reply":    ex.Reply,
	})
}

func (h *Handler) ListChatHistory(c *gin.Context) {
	h.listHistory(c, history.StreamChat)
}

func (h *Handler) ListVideoHistory(c *gin.Context) {
	h.listHistory(c, history.StreamVideoAnalysis)
}

func (h *Handler) listHistory(c *gin.Context, stream history.Stream) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			common.Fail(c, http.StatusBadRequest, 10003, "invalid limit")
			return
		}
		limit = n
	}

	page, err := h.History.ReadPage(c.Request.Context(), uid, stream, limit, c.Query("cursor"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, page)
}

// AnalyzeVideo takes a multipart form: "video" file, optional "message"
// question and "duration".
func (h *Handler) AnalyzeVideo(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	fh, err := c.FormFile("video")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "video file required")
		return
	}
	if h.MaxUploadBytes > 0 && fh.Size > h.MaxUploadBytes {
		common.Fail(c, http.StatusRequestEntityTooLarge, 41301, "video too large")
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		h.fail(c, err)
		return
	}

	a, err := h.Chat.AnalyzeVideo(c.Request.Context(), uid, chat.Upload{
		Filename: fh.Filename,
		Data:     data,
		Hint:     c.PostForm("message"),
		Duration: c.PostForm("duration"),
	})
	if err != nil {
		if errors.Is(err, history.ErrInvalidPayload) {
			common.Fail(c, http.StatusBadRequest, 10004, "video file required")
			return
		}
		h.fail(c, err)
		return
	}
	v, _ := a.Result.VideoAnalysis()
	common.OK(c, gin.H{
		"response": v.Result,
		"result":   a.Result,
		"reply":    a.Reply,
	})
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/ai"
	"github.com/suPer8Hu/vidchat/internal/history"
	"github.com/suPer8Hu/vidchat/internal/logging"
)

// ErrGeneration hides engine failures from clients. The cause is logged.
var ErrGeneration = errors.New("chat: the assistant could not answer, please try again")

var ErrEmptyMessage = errors.New("chat: empty message")

// History is the part of the history store the conversation layer uses.
type History interface {
	Append(ctx context.Context, userID uint64, stream history.Stream, payload json.RawMessage, role history.Role, opts ...history.AppendOption) (history.Record, error)
	ReadPage(ctx context.Context, userID uint64, stream history.Stream, limit int, cursor string) (history.Page, error)
}

type Service struct {
	history           History
	engine            ai.Engine
	contextWindowSize int
	log               *zap.Logger
}

func NewService(h History, engine ai.Engine, contextWindowSize int, log *zap.Logger) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{
		history:           h,
		engine:            engine,
		contextWindowSize: contextWindowSize,
		log:               logging.OrNop(log).Named("chat"),
	}
}

// Exchange is one user turn and the assistant's answer.
type Exchange struct {
	Input history.Record `json:"input"`
	Reply history.Record `json:"reply"`
}

// SendMessage stores the user's message, asks the engine with the recent
// conversation as context, and stores the answer. The user's message stays
// stored when generation fails.
func (s *Service) SendMessage(ctx context.Context, userID uint64, text string) (Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Exchange{}, ErrEmptyMessage
	}

	recent, err := s.recentContext(ctx, userID)
	if err != nil {
		return Exchange{}, err
	}

	input, err := s.history.Append(ctx, userID, history.StreamChat, history.ChatPayload(text), history.RoleUserInput)
	if err != nil {
		return Exchange{}, err
	}

	reply, err := s.engine.GenerateResponse(ctx, text, recent)
	if err != nil {
		s.log.Error("generate response", zap.Uint64("user_id", userID), zap.Error(err))
		return Exchange{Input: input}, ErrGeneration
	}

	out, err := s.history.Append(ctx, userID, history.StreamChat, history.ChatPayload(reply), history.RoleBotOutput, history.WithTrustedUser())
	if err != nil {
		return Exchange{Input: input}, err
	}
	return Exchange{Input: input, Reply: out}, nil
}

// recentContext returns up to the window size of chat records, oldest
// first, as engine messages.
func (s *Service) recentContext(ctx context.Context, userID uint64) ([]ai.Message, error) {
	page, err := s.history.ReadPage(ctx, userID, history.StreamChat, s.contextWindowSize, "")
	if err != nil {
		return nil, err
	}
	msgs := make([]ai.Message, 0, len(page.Records))
	for i := len(page.Records) - 1; i >= 0; i-- {
		r := page.Records[i]
		m, err := r.ChatMessage()
		if err != nil {
			s.log.Warn("skipping undecodable chat record", zap.String("record_id", r.ID), zap.Error(err))
			continue
		}
		role := ai.RoleUser
		if r.Role == history.RoleBotOutput {
			role = ai.RoleAssistant
		}
		msgs = append(msgs, ai.Message{Role: role, Content: m.Message})
	}
	return msgs, nil
}

type Upload struct {
	Filename string
	Data     []byte
	// Hint is the user's question about the video, if any.
	Hint     string
	Duration string
	Format   string
}

type Analysis struct {
	Result history.Record `json:"result"`
	Reply  history.Record `json:"reply"`
}

// AnalyzeVideo runs the engine over an upload, stores the result on the
// video analysis stream and mirrors it into the chat as a bot message.
func (s *Service) AnalyzeVideo(ctx context.Context, userID uint64, up Upload) (Analysis, error) {
	up.Filename = filepath.Base(strings.TrimSpace(up.Filename))
	if up.Filename == "." || up.Filename == "/" || len(up.Data) == 0 {
		return Analysis{}, history.ErrInvalidPayload
	}
	if up.Format == "" {
		up.Format = strings.TrimPrefix(strings.ToLower(filepath.Ext(up.Filename)), ".")
	}

	text, err := s.engine.AnalyzeMedia(ctx, up.Data, up.Hint)
	if err != nil {
		s.log.Error("analyze media", zap.Uint64("user_id", userID), zap.String("filename", up.Filename), zap.Error(err))
		return Analysis{}, ErrGeneration
	}

	result, err := s.history.Append(ctx, userID, history.StreamVideoAnalysis, history.AnalysisPayload(history.VideoAnalysis{
		Filename:      up.Filename,
		Result:        text,
		VideoDuration: up.Duration,
		VideoFormat:   up.Format,
	}), history.RoleAnalysisResult)
	if err != nil {
		return Analysis{}, err
	}

	reply, err := s.history.Append(ctx, userID, history.StreamChat, history.ChatPayload(text), history.RoleBotOutput, history.WithTrustedUser())
	if err != nil {
		return Analysis{Result: result}, err
	}
	return Analysis{Result: result, Reply: reply}, nil
}

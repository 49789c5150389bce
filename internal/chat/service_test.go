package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/vidchat/internal/ai"
	"github.com/suPer8Hu/vidchat/internal/history"
	"github.com/suPer8Hu/vidchat/internal/store/redisstore"
)

const user = uint64(1)

type users map[uint64]bool

func (u users) VerifyUser(_ context.Context, id uint64) (bool, error) { return u[id], nil }

type fakeEngine struct {
	reply  string
	err    error
	input  string
	recent []ai.Message
	media  []byte
	hint   string
}

func (e *fakeEngine) GenerateResponse(_ context.Context, input string, recent []ai.Message) (string, error) {
	e.input = input
	e.recent = append([]ai.Message(nil), recent...)
	return e.reply, e.err
}

func (e *fakeEngine) AnalyzeMedia(_ context.Context, data []byte, hint string) (string, error) {
	e.media, e.hint = data, hint
	return e.reply, e.err
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(history.Tables()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newHistory(t *testing.T) *history.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := history.NewCache(redisstore.NewWithClient(rdb), 0)
	repo := history.NewRepo(openTestDB(t))
	dir := users{user: true}

	var managers []*history.Manager
	for _, o := range []history.Options{
		{Stream: history.StreamChat, Policy: history.WriteThrough, CacheCap: 50},
		{Stream: history.StreamVideoAnalysis, Policy: history.WriteThrough, CacheCap: 10},
	} {
		m, err := history.NewManager(cache, repo, dir, o)
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		managers = append(managers, m)
	}
	return history.NewService(managers...)
}

func chatTexts(t *testing.T, recs []history.Record) []string {
	t.Helper()
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		m, err := r.ChatMessage()
		require.NoError(t, err)
		out = append(out, string(r.Role)+":"+m.Message)
	}
	return out
}

func TestSendMessage_StoresBothTurns(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	eng := &fakeEngine{reply: "hello"}
	svc := NewService(h, eng, 20, nil)

	ex, err := svc.SendMessage(ctx, user, "  hi ")
	require.NoError(t, err)
	assert.Equal(t, history.RoleUserInput, ex.Input.Role)
	assert.Equal(t, history.RoleBotOutput, ex.Reply.Role)
	assert.Equal(t, "hi", eng.input)
	assert.Empty(t, eng.recent)

	page, err := h.ReadPage(ctx, user, history.StreamChat, 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot_output:hello", "user_input:hi"}, chatTexts(t, page.Records))
}

func TestSendMessage_UsesContextWindow(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	eng := &fakeEngine{reply: "ok"}
	svc := NewService(h, eng, 3, nil)

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.SendMessage(ctx, user, text)
		require.NoError(t, err)
	}

	// the window holds the newest three records, oldest first
	assert.Equal(t, []ai.Message{
		{Role: ai.RoleAssistant, Content: "ok"},
		{Role: ai.RoleUser, Content: "two"},
		{Role: ai.RoleAssistant, Content: "ok"},
	}, eng.recent)
	assert.Equal(t, "three", eng.input)
}

func TestSendMessage_GenerationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	eng := &fakeEngine{err: &ai.GenerationError{Provider: "ollama", Op: "chat", Err: errors.New("connection refused")}}
	svc := NewService(h, eng, 20, nil)

	ex, err := svc.SendMessage(ctx, user, "hi")
	assert.ErrorIs(t, err, ErrGeneration)
	assert.NotContains(t, err.Error(), "connection refused")
	assert.NotEmpty(t, ex.Input.ID)

	page, err := h.ReadPage(ctx, user, history.StreamChat, 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_input:hi"}, chatTexts(t, page.Records))
}

func TestSendMessage_Rejects(t *testing.T) {
	svc := NewService(newHistory(t), &fakeEngine{reply: "x"}, 20, nil)

	_, err := svc.SendMessage(context.Background(), user, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.SendMessage(context.Background(), 42, "hi")
	assert.ErrorIs(t, err, history.ErrUnknownUser)
}

func TestAnalyzeVideo(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	eng := &fakeEngine{reply: "a cat on a sofa"}
	svc := NewService(h, eng, 20, nil)

	a, err := svc.AnalyzeVideo(ctx, user, Upload{Filename: "../clips/Cat.MP4", Data: []byte("frames"), Hint: "what animal?"})
	require.NoError(t, err)
	assert.Equal(t, "what animal?", eng.hint)
	assert.Equal(t, []byte("frames"), eng.media)

	v, err := a.Result.VideoAnalysis()
	require.NoError(t, err)
	assert.Equal(t, history.VideoAnalysis{Filename: "Cat.MP4", Result: "a cat on a sofa", VideoFormat: "mp4"}, v)

	page, err := h.ReadPage(ctx, user, history.StreamVideoAnalysis, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, history.RoleAnalysisResult, page.Records[0].Role)

	page, err = h.ReadPage(ctx, user, history.StreamChat, 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot_output:a cat on a sofa"}, chatTexts(t, page.Records))
}

func TestAnalyzeVideo_Failures(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	svc := NewService(h, &fakeEngine{err: errors.New("boom")}, 20, nil)

	_, err := svc.AnalyzeVideo(ctx, user, Upload{Filename: "a.mp4"})
	assert.ErrorIs(t, err, history.ErrInvalidPayload)

	_, err = svc.AnalyzeVideo(ctx, user, Upload{Filename: "a.mp4", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrGeneration)

	page, err := h.ReadPage(ctx, user, history.StreamVideoAnalysis, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OllamaProvider struct {
	BaseURL     string
	Model       string
	VisionModel string
	Client      *http.Client
}

func NewOllamaProvider(baseURL, model, visionModel string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	if visionModel == "" {
		visionModel = "llava:latest"
	}
	return &OllamaProvider{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Model:       model,
		VisionModel: visionModel,
		Client:      &http.Client{Timeout: 90 * time.Second},
	}
}

type ollamaMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaChatResp struct {
	Message ollamaMsg `json:"message"`
	Error   string    `json:"error,omitempty"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	msgs := make([]ollamaMsg, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	return p.chat(ctx, ollamaChatReq{Model: p.Model, Messages: msgs})
}

// Analyze sends the media as an image attachment to the vision model.
func (p *OllamaProvider) Analyze(ctx context.Context, data []byte, prompt string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("ollama: empty media")
	}
	return p.chat(ctx, ollamaChatReq{
		Model: p.VisionModel,
		Messages: []ollamaMsg{{
			Role:    RoleUser,
			Content: prompt,
			Images:  []string{base64.StdEncoding.EncodeToString(data)},
		}},
	})
}

func (p *OllamaProvider) chat(ctx context.Context, body ollamaChatReq) (string, error) {
	if p.Client == nil {
		return "", errors.New("ollama: http client is nil")
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

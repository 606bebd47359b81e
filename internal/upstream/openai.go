package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// DefaultOpenAICompatURL is Gemini's OpenAI-compatible endpoint.
const DefaultOpenAICompatURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// OpenAICompat calls any OpenAI-compatible chat completions endpoint. A
// client is built per call since the key differs between users.
type OpenAICompat struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewOpenAICompat returns an OpenAI-compatible client. An empty baseURL
// selects Gemini's compatibility endpoint.
func NewOpenAICompat(baseURL string, timeout time.Duration) *OpenAICompat {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenAICompatURL
	}
	return &OpenAICompat{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (o *OpenAICompat) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = o.BaseURL
	if o.HTTPClient != nil {
		cfg.HTTPClient = o.HTTPClient
	}
	return openai.NewClientWithConfig(cfg)
}

// chatMessages maps the window to chat messages. The model role becomes
// assistant and the system prompt leads as its own message.
func chatMessages(system string, turns []domain.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == domain.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return out
}

// Generate implements Generator.
func (o *OpenAICompat) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := o.client(req.APIKey).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: chatMessages(req.SystemPrompt, req.Turns),
	})
	if err != nil {
		return "", openAIError(ctx, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		reason := ""
		if len(resp.Choices) > 0 {
			reason = string(resp.Choices[0].FinishReason)
		}
		return "", &Error{Provider: "openai", Status: http.StatusOK, Reason: reason, Kind: ErrEmptyReply}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func openAIError(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		reasons := []string{apiErr.Type}
		if apiErr.Code != nil {
			reasons = append(reasons, fmt.Sprint(apiErr.Code))
		}
		return &Error{
			Provider: "openai",
			Status:   apiErr.HTTPStatusCode,
			Reason:   strings.Trim(strings.Join(reasons, ","), ","),
			Message:  apiErr.Message,
			Kind:     Classify(apiErr.HTTPStatusCode, reasons...),
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Provider: "openai",
			Status:   reqErr.HTTPStatusCode,
			Message:  err.Error(),
			Kind:     Classify(reqErr.HTTPStatusCode),
		}
	}
	return transportError(ctx, "openai", err)
}

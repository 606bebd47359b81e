package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// Gemini calls generateContent through the Gen AI SDK. The SDK binds a key
// to a client, so one client is kept per pool credential.
type Gemini struct {
	// BaseURL overrides the public endpoint root; empty means the SDK default.
	BaseURL    string
	HTTPClient *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini returns a Gemini client. An empty baseURL selects the public API.
func NewGemini(baseURL string, timeout time.Duration) *Gemini {
	return &Gemini{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		clients:    make(map[string]*genai.Client),
	}
}

// client returns the cached client for apiKey, creating it on first use.
func (g *Gemini) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.HTTPClient,
	}
	if g.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.BaseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if g.clients == nil {
		g.clients = make(map[string]*genai.Client)
	}
	g.clients[apiKey] = c
	return c, nil
}

// geminiContents maps the window to SDK contents. Summary turns go out as
// model turns.
func geminiContents(turns []domain.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		out = append(out, genai.NewContentFromText(t.Content, genai.Role(t.Role)))
	}
	return out
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return "", &Error{Provider: "gemini", Message: "empty api key", Kind: ErrCredentialRevoked}
	}
	c, err := g.client(ctx, req.APIKey)
	if err != nil {
		return "", &Error{Provider: "gemini", Message: err.Error(), Kind: ErrRejected}
	}

	var cfg *genai.GenerateContentConfig
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		cfg = &genai.GenerateContentConfig{SystemInstruction: genai.NewContentFromText(s, genai.RoleUser)}
	}
	resp, err := c.Models.GenerateContent(ctx, req.Model, geminiContents(req.Turns), cfg)
	if err != nil {
		return "", geminiError(ctx, err)
	}
	return geminiText(resp)
}

// geminiError classifies an SDK failure. API errors carry the HTTP code, the
// RPC status and reason details; anything else happened on the way there.
func geminiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return transportError(ctx, "gemini", err)
	}
	reasons := []string{apiErr.Status}
	for _, d := range apiErr.Details {
		if r, ok := d["reason"].(string); ok {
			reasons = append(reasons, r)
		}
	}
	msg := apiErr.Message
	if msg == "" {
		msg = fmt.Sprint(err)
	}
	return &Error{
		Provider: "gemini",
		Status:   apiErr.Code,
		Reason:   strings.Trim(strings.Join(reasons, ","), ","),
		Message:  strings.TrimSpace(msg),
		Kind:     Classify(apiErr.Code, reasons...),
	}
}

// geminiText joins the text parts of the first candidate.
func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", &Error{Provider: "gemini", Status: http.StatusOK, Message: "malformed response", Kind: ErrTransient}
	}
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		return "", &Error{Provider: "gemini", Status: http.StatusOK, Reason: string(pf.BlockReason), Message: "prompt blocked", Kind: ErrRejected}
	}
	var (
		b      strings.Builder
		reason string
	)
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		reason = string(cand.FinishReason)
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p != nil && !p.Thought {
					b.WriteString(p.Text)
				}
			}
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &Error{Provider: "gemini", Status: http.StatusOK, Reason: reason, Kind: ErrEmptyReply}
	}
	return text, nil
}

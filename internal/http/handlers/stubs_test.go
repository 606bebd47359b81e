package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/http/middleware"
	"github.com/tbourn/go-keypool-backend/internal/services"
	"github.com/tbourn/go-keypool-backend/internal/upstream"
)

// ---------- stub services ----------

type stubChats struct {
	register func(ctx context.Context, userID string) (*services.Registration, error)
	newChat  func(ctx context.Context, userID, title string) (*domain.Chat, error)
	list     func(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error)
	rename   func(ctx context.Context, userID, chatID, title string) error
	delChat  func(ctx context.Context, userID, chatID string) error
	del      func(ctx context.Context, userID string) error
	model    func(ctx context.Context, userID string) (upstream.Model, error)
	setModel func(ctx context.Context, userID, modelID string) (upstream.Model, error)
}

func (s stubChats) Register(ctx context.Context, u string) (*services.Registration, error) {
	return s.register(ctx, u)
}
func (s stubChats) NewChat(ctx context.Context, u, title string) (*domain.Chat, error) {
	return s.newChat(ctx, u, title)
}
func (s stubChats) ListChats(ctx context.Context, u string, p, ps int) ([]domain.Chat, int64, error) {
	return s.list(ctx, u, p, ps)
}
func (s stubChats) UpdateTitle(ctx context.Context, u, id, title string) error {
	return s.rename(ctx, u, id, title)
}
func (s stubChats) DeleteChat(ctx context.Context, u, id string) error { return s.delChat(ctx, u, id) }
func (s stubChats) DeleteUser(ctx context.Context, u string) error { return s.del(ctx, u) }
func (s stubChats) Model(ctx context.Context, u string) (upstream.Model, error) {
	return s.model(ctx, u)
}
func (s stubChats) SetModel(ctx context.Context, u, m string) (upstream.Model, error) {
	return s.setModel(ctx, u, m)
}
func (stubChats) Models() []upstream.Model { return upstream.DefaultModels }
func (stubChats) DefaultModel() upstream.Model { return upstream.DefaultModels[0] }

type stubMsgs struct {
	send     func(ctx context.Context, userID, text string) (*services.Reply, error)
	history  func(ctx context.Context, userID string, page, pageSize int) ([]domain.Turn, int64, error)
	tag      func(ctx context.Context, userID string) (string, error)
	replay   func(ctx context.Context, userID, key string) (*domain.Turn, error)
	remember func(ctx context.Context, userID, key, turnID string, status int) error
}

func (s stubMsgs) Send(ctx context.Context, u, text string) (*services.Reply, error) {
	return s.send(ctx, u, text)
}
func (s stubMsgs) History(ctx context.Context, u string, p, ps int) ([]domain.Turn, int64, error) {
	return s.history(ctx, u, p, ps)
}
func (s stubMsgs) HistoryTag(ctx context.Context, u string) (string, error) {
	if s.tag == nil {
		return "", nil
	}
	return s.tag(ctx, u)
}
func (s stubMsgs) Replay(ctx context.Context, u, key string) (*domain.Turn, error) {
	return s.replay(ctx, u, key)
}
func (s stubMsgs) Remember(ctx context.Context, u, key, turnID string, status int) error {
	if s.remember == nil {
		return nil
	}
	return s.remember(ctx, u, key, turnID, status)
}

type stubKeys struct {
	report     func(ctx context.Context) (*services.PoolReport, error)
	activate   func(ctx context.Context, id string) error
	deactivate func(ctx context.Context, id, reason string) error
}

func (s stubKeys) Report(ctx context.Context) (*services.PoolReport, error) { return s.report(ctx) }
func (s stubKeys) Activate(ctx context.Context, id string) error { return s.activate(ctx, id) }
func (s stubKeys) Deactivate(ctx context.Context, id, reason string) error {
	return s.deactivate(ctx, id, reason)
}

// ---------- router helpers ----------

// newRouter mounts h the way the API router does, minus global middleware.
func newRouter(h *Handlers, lookup middleware.IdempotencyLookup) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, lookup))
	r.POST("/users/:user/register", h.Register)
	r.DELETE("/users/:user", h.DeleteUser)
	r.POST("/users/:user/messages", h.PostMessage)
	r.GET("/users/:user/messages", h.ListMessages)
	r.POST("/users/:user/chats", h.CreateChat)
	r.GET("/users/:user/chats", h.ListChats)
	r.PUT("/users/:user/chats/:id/title", h.UpdateChatTitle)
	r.DELETE("/users/:user/chats/:id", h.DeleteChat)
	r.GET("/users/:user/model", h.GetModel)
	r.PUT("/users/:user/model", h.SetModel)
	r.GET("/models", h.ListModels)
	r.GET("/admin/keys", h.ListKeys)
	r.POST("/admin/keys/:id/activate", h.ActivateKey)
	r.POST("/admin/keys/:id/deactivate", h.DeactivateKey)
	return r
}

func do(t *testing.T, r http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

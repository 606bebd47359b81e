// User and chat HTTP handlers.
//
// This file exposes REST endpoints for a user's lifecycle:
//   - POST   /users/{user}/register   (lease a credential, open the first chat)
//   - DELETE /users/{user}            (free the credential slot, drop all data)
//   - POST   /users/{user}/chats      (start an empty window)
//   - GET    /users/{user}/chats      (list chats, paginated)
//   - PUT    /users/{user}/chats/{id}/title (rename a chat)
//   - DELETE /users/{user}/chats/{id} (delete a chat and its window)
//   - GET    /users/{user}/model      (current model)
//   - PUT    /users/{user}/model      (select a model)
//   - GET    /models                  (model catalog)
//
// Handlers are transport-thin: they bind input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/services"
	"github.com/tbourn/go-keypool-backend/internal/upstream"
)

//
// Service contracts (context-aware)
//

// ChatService defines user lifecycle operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ChatService interface {
	// Register leases a credential and ensures a profile and an active chat.
	Register(ctx context.Context, userID string) (*services.Registration, error)
	// NewChat starts a fresh, empty conversation window.
	NewChat(ctx context.Context, userID, title string) (*domain.Chat, error)
	// ListChats returns a page of chats for a user and the total count.
	ListChats(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error)
	// UpdateTitle renames a chat that belongs to userID.
	UpdateTitle(ctx context.Context, userID, chatID, title string) error
	// DeleteChat removes a chat and its window.
	DeleteChat(ctx context.Context, userID, chatID string) error
	// DeleteUser releases the user's credential and removes their data.
	DeleteUser(ctx context.Context, userID string) error
	Model(ctx context.Context, userID string) (upstream.Model, error)
	SetModel(ctx context.Context, userID, modelID string) (upstream.Model, error)
	Models() []upstream.Model
	DefaultModel() upstream.Model
}

// MessageService defines message generation and history operations.
type MessageService interface {
	// Send appends the user's text and returns the model's reply.
	Send(ctx context.Context, userID, text string) (*services.Reply, error)
	// History returns a page of the active chat's transcript and its total.
	History(ctx context.Context, userID string, page, pageSize int) ([]domain.Turn, int64, error)
	// HistoryTag returns a weak ETag for the transcript, or "" when empty.
	HistoryTag(ctx context.Context, userID string) (string, error)
	// Replay returns the reply stored under an idempotency key, if any.
	Replay(ctx context.Context, userID, key string) (*domain.Turn, error)
	// Remember stores a reply under an idempotency key.
	Remember(ctx context.Context, userID, key, turnID string, status int) error
}

// KeyService defines operator access to the credential pool.
type KeyService interface {
	Report(ctx context.Context) (*services.PoolReport, error)
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id, reason string) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for users, chats, messages and the key pool.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	chatSvc ChatService
	msgSvc  MessageService
	keySvc  KeyService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(chatSvc ChatService, msgSvc MessageService, keySvc KeyService) *Handlers {
	return &Handlers{chatSvc: chatSvc, msgSvc: msgSvc, keySvc: keySvc}
}

//
// DTOs
//

// CreateChatRequest is the JSON payload for starting a chat.
type CreateChatRequest struct {
	// Title optionally names the chat; "Chat N" is used when empty.
	Title string `json:"title" example:"Trip planning"`
}

// UpdateChatTitleRequest is the JSON payload for renaming a chat.
type UpdateChatTitleRequest struct {
	// Title is the new chat name (1-255 chars).
	Title string `json:"title" binding:"required,min=1,max=255" example:"Trip planning"`
}

// SetModelRequest is the JSON payload for selecting a model.
type SetModelRequest struct {
	Model string `json:"model" binding:"required" example:"flash"`
}

// ListChatsResponse wraps a page of chats and pagination information.
type ListChatsResponse struct {
	Chats      []domain.Chat `json:"chats"`
	Pagination Pagination    `json:"pagination"`
}

// ModelsResponse lists the model catalog.
type ModelsResponse struct {
	Models  []upstream.Model `json:"models"`
	Default string           `json:"default" example:"flash"`
}

//
// Handlers
//

// Register godoc
// @ID          registerUser
// @Summary     Register a user
// @Description Leases an upstream credential to the user and opens the first chat.
// @Description Registering again is harmless and reports status "existing".
// @Tags        Users
// @Produce     json
// @Param       user  path  string  true  "User ID"  example(42)
// @Success     200  {object}  services.Registration
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     503  {object}  handlers.ErrorResponse  "Service at capacity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/register [post]
func (h *Handlers) Register(c *gin.Context) {
	reg, err := h.chatSvc.Register(c.Request.Context(), userParam(c))
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, reg)
}

// DeleteUser godoc
// @ID          deleteUser
// @Summary     Delete a user
// @Description Frees the user's credential slot and removes chats, turns and preferences.
// @Tags        Users
// @Param       user  path  string  true  "User ID"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user} [delete]
func (h *Handlers) DeleteUser(c *gin.Context) {
	if err := h.chatSvc.DeleteUser(c.Request.Context(), userParam(c)); err != nil {
		serviceError(c, err)
		return
	}
	noContent(c)
}

// CreateChat godoc
// @ID          createChat
// @Summary     Start a new chat
// @Description Starts an empty conversation window. Earlier chats stay listable.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Param       user  path  string                      true   "User ID"
// @Param       body  body  handlers.CreateChatRequest  false  "Optional title"
// @Success     201  {object}  domain.Chat
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/chats [post]
func (h *Handlers) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	ch, err := h.chatSvc.NewChat(c.Request.Context(), userParam(c), req.Title)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusCreated, ch)
}

// ListChats godoc
// @ID          listChats
// @Summary     List chats (paginated)
// @Description Returns a page of the user's chats, newest first.
// @Tags        Chats
// @Produce     json
// @Param       user       path   string  true   "User ID"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListChatsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.chatSvc.ListChats(c.Request.Context(), userParam(c), page, pageSize)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, ListChatsResponse{Chats: items, Pagination: newPagination(page, pageSize, total)})
}

// UpdateChatTitle godoc
// @ID          updateChatTitle
// @Summary     Rename a chat
// @Description Updates the title of a chat owned by the user.
// @Tags        Chats
// @Accept      json
// @Param       user  path  string                           true  "User ID"
// @Param       id    path  string                           true  "Chat ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateChatTitleRequest  true  "New title"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/chats/{id}/title [put]
func (h *Handlers) UpdateChatTitle(c *gin.Context) {
	chatID, okID := chatParam(c)
	if !okID {
		return
	}
	var req UpdateChatTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1-255 chars)")
		return
	}
	if err := h.chatSvc.UpdateTitle(c.Request.Context(), userParam(c), chatID, req.Title); err != nil {
		serviceError(c, err)
		return
	}
	noContent(c)
}

// DeleteChat godoc
// @ID          deleteChat
// @Summary     Delete a chat
// @Description Deletes a chat with its turns. If it was the active chat, the
// @Description next-newest chat becomes active. The user's credential is kept.
// @Tags        Chats
// @Param       user  path  string  true  "User ID"
// @Param       id    path  string  true  "Chat ID (UUID)"  format(uuid)
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/chats/{id} [delete]
func (h *Handlers) DeleteChat(c *gin.Context) {
	chatID, okID := chatParam(c)
	if !okID {
		return
	}
	if err := h.chatSvc.DeleteChat(c.Request.Context(), userParam(c), chatID); err != nil {
		serviceError(c, err)
		return
	}
	noContent(c)
}

// chatParam returns the :id path parameter, answering 400 when it is not a UUID.
func chatParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat id must be a UUID")
		return "", false
	}
	return id, true
}

// GetModel godoc
// @ID          getModel
// @Summary     Current model
// @Tags        Models
// @Produce     json
// @Param       user  path  string  true  "User ID"
// @Success     200  {object}  upstream.Model
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/model [get]
func (h *Handlers) GetModel(c *gin.Context) {
	m, err := h.chatSvc.Model(c.Request.Context(), userParam(c))
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, m)
}

// SetModel godoc
// @ID          setModel
// @Summary     Select a model
// @Description Stores the user's model preference. Locked models are refused.
// @Tags        Models
// @Accept      json
// @Produce     json
// @Param       user  path  string                    true  "User ID"
// @Param       body  body  handlers.SetModelRequest  true  "Model key"
// @Success     200  {object}  upstream.Model
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown model"
// @Failure     403  {object}  handlers.ErrorResponse  "Model locked"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/model [put]
func (h *Handlers) SetModel(c *gin.Context) {
	var req SetModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "model required")
		return
	}
	m, err := h.chatSvc.SetModel(c.Request.Context(), userParam(c), req.Model)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, m)
}

// ListModels godoc
// @ID          listModels
// @Summary     Model catalog
// @Tags        Models
// @Produce     json
// @Success     200  {object}  handlers.ModelsResponse
// @Router      /models [get]
func (h *Handlers) ListModels(c *gin.Context) {
	ok(c, http.StatusOK, ModelsResponse{
		Models:  h.chatSvc.Models(),
		Default: h.chatSvc.DefaultModel().ID,
	})
}

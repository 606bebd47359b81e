// Message HTTP handlers.
//
// This file exposes REST endpoints for a user's conversation:
//   - POST /users/{user}/messages   (send a message, receive the model's reply)
//   - GET  /users/{user}/messages   (transcript of the active chat, paginated)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a reply was already
// recorded for (user, key), the handler returns that reply without calling
// the upstream again and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/http/middleware"
	"github.com/tbourn/go-keypool-backend/internal/services"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a user message.
type PostMessageRequest struct {
	// Content is the user prompt. It must be non-empty after normalization.
	Content string `json:"content" binding:"required,min=1" example:"What did I ask you earlier?"`
}

// PostMessageResponse carries the model's reply and how it was obtained.
// A replayed response carries only the reply.
type PostMessageResponse struct {
	Reply         *domain.Turn `json:"reply"`
	Model         string       `json:"model,omitempty" example:"flash"`
	CredentialID  string       `json:"credential_id,omitempty"`
	Attempts      int          `json:"attempts,omitempty"`
	Reassignments int          `json:"reassignments,omitempty"`
}

// ListMessagesResponse contains a page of transcript turns and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Turn `json:"messages"`
	Pagination Pagination    `json:"pagination"`
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message and get the model's reply
// @Description Appends the message to the user's window, asks the upstream model using
// @Description the user's leased credential and records the reply. A revoked credential is
// @Description replaced transparently. Supports the Idempotency-Key header.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       user             path    string                       true   "User ID"
// @Param       Idempotency-Key  header  string                       false  "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.PostMessageRequest  true   "User message payload"
// @Success     200  {object}  handlers.PostMessageResponse
// @Header      200  {string}  Idempotency-Replayed  "true when the reply was replayed"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     502  {object}  handlers.ErrorResponse  "Upstream failed"
// @Failure     503  {object}  handlers.ErrorResponse  "Service at capacity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userParam(c)

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && middleware.IsReplay(c) {
		prev, err := h.msgSvc.Replay(ctx, uid, idemKey)
		switch {
		case err == nil && prev != nil:
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, PostMessageResponse{Reply: prev})
			return
		case err != nil && !errors.Is(err, services.ErrTurnNotFound):
			serviceError(c, err)
			return
		}
	}

	rep, err := h.msgSvc.Send(ctx, uid, req.Content)
	if err != nil {
		serviceError(c, err)
		return
	}

	// Best effort: a lost record only costs a second generation on retry.
	if idemKey != "" {
		if err := h.msgSvc.Remember(ctx, uid, idemKey, rep.Turn.ID, http.StatusOK); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}

	ok(c, http.StatusOK, PostMessageResponse{
		Reply:         &rep.Turn,
		Model:         rep.Model,
		CredentialID:  rep.CredentialID,
		Attempts:      rep.Attempts,
		Reassignments: rep.Reassignments,
	})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Transcript of the active chat
// @Description Returns every turn of the active chat, oldest first, including turns that
// @Description were folded into a summary. Supports weak ETag via If-None-Match.
// @Tags        Messages
// @Produce     json
// @Param       user           path    string  true   "User ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Header      200  {string}  ETag  "Weak ETag for the transcript"
// @Success     304  {string}  string  "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{user}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userParam(c)

	// ETag pre-check (best effort).
	if etag, err := h.msgSvc.HistoryTag(ctx, uid); err == nil && etag != "" {
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.msgSvc.History(ctx, uid, page, pageSize)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}

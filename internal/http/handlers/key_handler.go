// Key pool HTTP handlers.
//
// Operator endpoints, mounted only when an admin token is configured:
//   - GET  /admin/keys                    (pool report)
//   - POST /admin/keys/{id}/activate
//   - POST /admin/keys/{id}/deactivate
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DeactivateKeyRequest optionally explains why a credential is taken out.
type DeactivateKeyRequest struct {
	Reason string `json:"reason" binding:"max=255" example:"billing disabled"`
}

// ListKeys godoc
// @ID          listKeys
// @Summary     Credential pool report
// @Description Lists every credential (masked) with its load, capacity and state.
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Success     200  {object}  services.PoolReport
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/keys [get]
func (h *Handlers) ListKeys(c *gin.Context) {
	rep, err := h.keySvc.Report(c.Request.Context())
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, rep)
}

// ActivateKey godoc
// @ID          activateKey
// @Summary     Return a credential to the pool
// @Tags        Admin
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       id             path    string  true  "Credential ID (UUID)"  format(uuid)
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     404  {object}  handlers.ErrorResponse  "Credential not found"
// @Router      /admin/keys/{id}/activate [post]
func (h *Handlers) ActivateKey(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "credential id must be a UUID")
		return
	}
	if err := h.keySvc.Activate(c.Request.Context(), id); err != nil {
		serviceError(c, err)
		return
	}
	noContent(c)
}

// DeactivateKey godoc
// @ID          deactivateKey
// @Summary     Take a credential out of the pool
// @Description Users already on the credential move to another one on their next message.
// @Tags        Admin
// @Accept      json
// @Param       X-Admin-Token  header  string                         true   "Operator token"
// @Param       id             path    string                         true   "Credential ID (UUID)"  format(uuid)
// @Param       body           body    handlers.DeactivateKeyRequest  false  "Reason"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     404  {object}  handlers.ErrorResponse  "Credential not found"
// @Router      /admin/keys/{id}/deactivate [post]
func (h *Handlers) DeactivateKey(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "credential id must be a UUID")
		return
	}
	var req DeactivateKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reason must be at most 255 characters")
			return
		}
	}
	if err := h.keySvc.Deactivate(c.Request.Context(), id, strings.TrimSpace(req.Reason)); err != nil {
		serviceError(c, err)
		return
	}
	noContent(c)
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionHandler handles the candidate-facing session endpoints.
type SessionHandler struct {
	sessionService *service.SessionService
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// LaunchSession godoc
// POST /api/v1/candidate/sessions
// Starts the session the candidate token admits to.
func (h *SessionHandler) LaunchSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.LaunchSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.SessionID != nil && *req.SessionID != claims.SessionID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	sess := req.ToSession()
	sess.ID = claims.SessionID

	view, err := h.sessionService.Launch(sess)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			// Remaining launch failures are malformed papers.
			response.FailWithDetail(c, http.StatusBadRequest, response.ErrInvalidPayload, err)
			return
		}
		response.Fail(c, status, code)
		return
	}

	response.Success(c, http.StatusCreated, view)
}

// GetSession godoc
// GET /api/v1/candidate/sessions/:id
// Returns the paper, answers and progress; used after a page reload.
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	view, err := h.sessionService.View(id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SelectAnswer godoc
// PUT /api/v1/candidate/sessions/:id/answers/:index
func (h *SessionHandler) SelectAnswer(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	index, ok := pathInt(c, "index")
	if !ok {
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	answer, err := req.ToAnswer()
	if err != nil {
		response.FailWithDetail(c, http.StatusBadRequest, response.ErrValidation, err)
		return
	}

	h.respond(c, func() (session.Progress, error) {
		return h.sessionService.SelectAnswer(id, index, answer)
	})
}

// ToggleFlag godoc
// POST /api/v1/candidate/sessions/:id/flags/:index
func (h *SessionHandler) ToggleFlag(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	index, ok := pathInt(c, "index")
	if !ok {
		return
	}
	h.respond(c, func() (session.Progress, error) {
		return h.sessionService.ToggleFlag(id, index)
	})
}

// Navigate godoc
// POST /api/v1/candidate/sessions/:id/navigate/:index
func (h *SessionHandler) Navigate(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	index, ok := pathInt(c, "index")
	if !ok {
		return
	}
	h.respond(c, func() (session.Progress, error) {
		return h.sessionService.Navigate(id, index)
	})
}

// Next godoc
// POST /api/v1/candidate/sessions/:id/next
func (h *SessionHandler) Next(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	h.respond(c, func() (session.Progress, error) { return h.sessionService.Next(id) })
}

// Previous godoc
// POST /api/v1/candidate/sessions/:id/previous
func (h *SessionHandler) Previous(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	h.respond(c, func() (session.Progress, error) { return h.sessionService.Previous(id) })
}

// RecordViolation godoc
// POST /api/v1/candidate/sessions/:id/violations
// Reports an integrity event detected in the candidate's browser.
func (h *SessionHandler) RecordViolation(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req model.ViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	h.respond(c, func() (session.Progress, error) {
		return h.sessionService.RecordViolation(id, req.ToViolation())
	})
}

// DismissWarning godoc
// POST /api/v1/candidate/sessions/:id/warnings/:seq/dismiss
func (h *SessionHandler) DismissWarning(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	seq, ok := pathInt(c, "seq")
	if !ok {
		return
	}
	h.respond(c, func() (session.Progress, error) {
		return h.sessionService.DismissWarning(id, seq)
	})
}

// RequestSubmit godoc
// POST /api/v1/candidate/sessions/:id/submit
// Opens the submission dialog. The response carries the answered and
// unanswered counts to show in it.
func (h *SessionHandler) RequestSubmit(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	h.respond(c, func() (session.Progress, error) {
		return h.sessionService.RequestSubmit(id, session.CompletionReason(req.Reason))
	})
}

// CancelSubmit godoc
// POST /api/v1/candidate/sessions/:id/submit/cancel
func (h *SessionHandler) CancelSubmit(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	h.respond(c, func() (session.Progress, error) { return h.sessionService.CancelSubmit(id) })
}

// ConfirmSubmit godoc
// POST /api/v1/candidate/sessions/:id/submit/confirm
// Freezes the outcome and delivers it. Returns the receipt.
func (h *SessionHandler) ConfirmSubmit(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	res, progress, err := h.sessionService.ConfirmSubmit(c.Request.Context(), id)
	h.submitted(c, res, progress, err)
}

// RetrySubmit godoc
// POST /api/v1/candidate/sessions/:id/submit/retry
// Re-delivers the frozen outcome after a gateway failure.
func (h *SessionHandler) RetrySubmit(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	res, progress, err := h.sessionService.RetrySubmit(c.Request.Context(), id)
	h.submitted(c, res, progress, err)
}

// ─── Helpers ────────────────────────────────────────────────────────

func (h *SessionHandler) respond(c *gin.Context, op func() (session.Progress, error)) {
	progress, err := op()
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"progress": progress})
}

func (h *SessionHandler) submitted(c *gin.Context, res *session.SubmitResult, progress session.Progress, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": res, "progress": progress})
}

func fail(c *gin.Context, err error) {
	status, code := classify(err)
	response.Fail(c, status, code)
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// pathInt parses an integer path param. Range checks are left to the
// controller so they report OUT_OF_RANGE.
func pathInt(c *gin.Context, name string) (int, bool) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return n, true
}

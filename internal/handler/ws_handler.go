package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// outboxSize bounds replies waiting for the writer goroutine.
const outboxSize = 16

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live session to the candidate client.
type WSHandler struct {
	sessionService   *service.SessionService
	violationLimiter *middleware.RateLimiter
	log              zerolog.Logger
	upgrader         websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. violationLimiter is shared with the
// HTTP violation route so both paths draw from one bucket per session; nil
// disables limiting.
func NewWSHandler(sessionService *service.SessionService, violationLimiter *middleware.RateLimiter, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService:   sessionService,
		violationLimiter: violationLimiter,
		log:              log.With().Str("component", "ws_handler").Logger(),
		upgrader:         buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/candidate/sessions/:id/stream
// Pushes a progress event on every state change (at least once a second while
// the timer runs) and accepts candidate actions.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Resolve the session before upgrading so a stale client gets a 404.
	updates, stop, err := h.sessionService.Watch(id)
	if err != nil {
		fail(c, err)
		return
	}
	defer stop()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("session_id", id.String()).
		Str("candidate_id", claims.CandidateID).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	ws.Keepalive(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outbox := make(chan interface{}, outboxSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, wsLog, updates, outbox)
	}()

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		reply := h.handleAction(ctx, id, &msg)
		if reply == nil {
			continue
		}
		select {
		case outbox <- reply:
		case <-writerDone:
			return
		}
	}

	cancel()
	<-writerDone
}

// writeLoop is the only goroutine writing to conn.
func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, log zerolog.Logger, updates <-chan session.Progress, outbox <-chan interface{}) {
	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			_ = ws.WriteClose(conn, websocket.CloseNormalClosure, "")
			return
		case p := <-updates:
			err = ws.WriteProgress(conn, p)
		case v := <-outbox:
			err = ws.WriteTyped(conn, v)
		case <-ping.C:
			err = ws.WritePing(conn)
		}
		if err != nil {
			log.Debug().Err(err).Msg("Write failed")
			return
		}
	}
}

// handleAction applies one client action. Progress changes reach the client
// through the watch stream, so only pongs, receipts and errors are replied.
func (h *WSHandler) handleAction(ctx context.Context, id uuid.UUID, msg *ws.RequestPayload) interface{} {
	var err error

	switch msg.Action {
	case ws.ActionPing:
		return ws.PongResponse{Event: ws.EventPong}

	case ws.ActionAnswer:
		if msg.Index == nil {
			return wsError(response.ErrValidation, "index is required")
		}
		var a session.Answer
		switch {
		case msg.Option != nil && msg.Text == nil:
			a = session.ChoiceAnswer(*msg.Option)
		case msg.Text != nil && msg.Option == nil:
			a = session.TextAnswer(*msg.Text)
		default:
			return wsError(response.ErrValidation, "exactly one of option or text is required")
		}
		_, err = h.sessionService.SelectAnswer(id, *msg.Index, a)

	case ws.ActionFlag:
		if msg.Index == nil {
			return wsError(response.ErrValidation, "index is required")
		}
		_, err = h.sessionService.ToggleFlag(id, *msg.Index)

	case ws.ActionNavigate:
		if msg.Index == nil {
			return wsError(response.ErrValidation, "index is required")
		}
		_, err = h.sessionService.Navigate(id, *msg.Index)

	case ws.ActionNext:
		_, err = h.sessionService.Next(id)

	case ws.ActionPrevious:
		_, err = h.sessionService.Previous(id)

	case ws.ActionViolation:
		kind := strings.TrimSpace(msg.Kind)
		switch {
		case kind == "":
			return wsError(response.ErrValidation, "kind is required")
		case utf8.RuneCountInString(kind) > session.MaxKindLength:
			return wsError(response.ErrValidation, fmt.Sprintf("kind must be at most %d characters", session.MaxKindLength))
		}
		if h.violationLimiter != nil && !h.violationLimiter.Allow(id.String(), time.Now()) {
			return wsError(response.ErrRateLimitExceeded, response.GetMessage(response.ErrRateLimitExceeded))
		}
		_, err = h.sessionService.RecordViolation(id, session.Violation{Kind: kind})

	case ws.ActionDismiss:
		if msg.Seq == nil {
			return wsError(response.ErrValidation, "seq is required")
		}
		_, err = h.sessionService.DismissWarning(id, *msg.Seq)

	case ws.ActionSubmit:
		reason := session.CompletionReason(msg.Reason)
		if reason == "" {
			reason = session.ReasonManualSubmit
		}
		if reason.Forced() {
			return wsError(response.ErrInvalidReason, "reason cannot be requested by the candidate")
		}
		_, err = h.sessionService.RequestSubmit(id, reason)

	case ws.ActionCancel:
		_, err = h.sessionService.CancelSubmit(id)

	case ws.ActionConfirm, ws.ActionRetry:
		var (
			res      *session.SubmitResult
			progress session.Progress
		)
		if msg.Action == ws.ActionConfirm {
			res, progress, err = h.sessionService.ConfirmSubmit(ctx, id)
		} else {
			res, progress, err = h.sessionService.RetrySubmit(ctx, id)
		}
		if err == nil && res != nil {
			return ws.SubmittedResponse{Event: ws.EventSubmitted, Receipt: res.Receipt, Progress: progress}
		}

	default:
		return wsError(response.ErrInvalidPayload, "unknown action: "+string(msg.Action))
	}

	if err != nil {
		_, code := classify(err)
		return wsError(code, err.Error())
	}
	return nil
}

func wsError(code response.ErrCode, msg string) ws.ErrorResponse {
	return ws.ErrorResponse{Event: ws.EventError, Code: string(code), Error: msg}
}

package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// classify maps a service or controller error to an HTTP status and error code.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrSessionExists):
		return http.StatusConflict, response.ErrSessionExists
	case errors.Is(err, session.ErrOutOfRange):
		return http.StatusBadRequest, response.ErrOutOfRange
	case errors.Is(err, session.ErrAnswerKind):
		return http.StatusBadRequest, response.ErrAnswerKind
	case errors.Is(err, session.ErrInvalidReason):
		return http.StatusBadRequest, response.ErrInvalidReason
	case errors.Is(err, session.ErrEmptyQuestionSet):
		return http.StatusBadRequest, response.ErrNoQuestions
	case errors.Is(err, session.ErrInvalidBudget):
		return http.StatusBadRequest, response.ErrInvalidBudget
	case errors.Is(err, session.ErrSubmitInFlight):
		return http.StatusConflict, response.ErrSubmitInFlight
	case errors.Is(err, session.ErrGatewayFailure):
		return http.StatusBadGateway, response.ErrGatewayFailure
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

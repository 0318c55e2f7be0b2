package server

import (
	"errors"
	"net/http"

	"healthboard/internal/store"
)

var (
	// ErrAlreadyTerminal rejects actions on runs that finished.
	ErrAlreadyTerminal = errors.New("run is in a terminal status")
	// ErrInvalidTransition rejects a status move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrGradingInFlight rejects a second concurrent grading pass.
	ErrGradingInFlight = errors.New("grading already in progress")
	// ErrNotReady rejects grading a run that has not finished its turns.
	ErrNotReady = errors.New("run is not ready for grading")
)

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrGradingInFlight),
		errors.Is(err, ErrNotReady):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

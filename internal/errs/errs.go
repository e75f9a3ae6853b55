// Package errs defines the failure kinds surfaced by the generation pipeline.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindAnalysisDegraded Kind = "ANALYSIS_DEGRADED" // non-fatal, recorded per asset
	KindResolution       Kind = "RESOLUTION_FAILURE"
	KindComposition      Kind = "COMPOSITION_FAILURE"
	KindDispatch         Kind = "DISPATCH_FAILURE"
	KindSafetyOrEmpty    Kind = "SAFETY_OR_EMPTY_RESULT"
	KindPollTimeout      Kind = "POLL_TIMEOUT"
	KindBusy             Kind = "BUSY"
	KindUnknownModel     Kind = "UNKNOWN_MODEL"
	KindPersistence      Kind = "PERSISTENCE"
	KindNotFound         Kind = "NOT_FOUND"
	KindValidation       Kind = "VALIDATION"
	KindInternal         Kind = "INTERNAL"
)

// Error carries the stage and model that failed so a user can tell which
// step and which model version to look at.
type Error struct {
	Kind    Kind
	Stage   string
	Model   string
	Message string
	Err     error
}

func New(kind Kind, stage, message string) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message}
}

// Wrap keeps err's text verbatim as the message.
func Wrap(kind Kind, stage, model string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Stage: stage, Model: model, Message: msg, Err: err}
}

func (e *Error) WithModel(model string) *Error {
	e.Model = model
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " (model %s)", e.Model)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, errs.New(errs.KindBusy, "", "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindUnknownModel, KindResolution:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusConflict
	case KindSafetyOrEmpty:
		return http.StatusUnprocessableEntity
	case KindComposition, KindDispatch:
		return http.StatusBadGateway
	case KindPollTimeout:
		return http.StatusGatewayTimeout
	case KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

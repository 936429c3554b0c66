// Package api provides HTTP handlers for the Pulse iD outreach API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/pulseid/internal/datasource"
	"github.com/ashureev/pulseid/internal/emailtext"
	"github.com/ashureev/pulseid/internal/identity"
	"github.com/ashureev/pulseid/internal/mail"
	"github.com/ashureev/pulseid/internal/render"
	"github.com/ashureev/pulseid/internal/session"
	"github.com/ashureev/pulseid/internal/store"
	"github.com/ashureev/pulseid/internal/templates"
)

const maxBodyBytes = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	repo      store.Repository
	sessions  *session.Manager
	orch      *session.Orchestrator
	templates *templates.Store
	render    *render.Renderer
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Manager, orch *session.Orchestrator, tmpl *templates.Store) *Handler {
	return &Handler{
		repo:      repo,
		sessions:  sessions,
		orch:      orch,
		templates: tmpl,
		render:    render.Default(),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Fail writes err with the status statusFor assigns to it.
func Fail(w http.ResponseWriter, err error) {
	Error(w, statusFor(err), err.Error())
}

// statusFor maps the error taxonomy onto HTTP status codes.
//
//nolint:gocyclo // One case per sentinel keeps the mapping readable.
func statusFor(err error) int {
	var sendErr *mail.SendError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrMissingInput), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrNoExtraction):
		return http.StatusConflict
	case errors.Is(err, session.ErrEntryNotFound), errors.Is(err, templates.ErrNotFound), errors.Is(err, datasource.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTemplateFormat), errors.Is(err, emailtext.ErrExtraction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mail.ErrNoCredentials):
		return http.StatusBadRequest
	case errors.As(err, &sendErr) && sendErr.Kind == mail.FailureAuth:
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrConnection), errors.Is(err, session.ErrQuery),
		errors.Is(err, session.ErrDraft), errors.Is(err, mail.ErrSend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// currentSession returns the caller's session, creating it on first use.
func (h *Handler) currentSession(r *http.Request) *session.Session {
	return h.sessions.GetOrCreate(identity.SessionIDFromContext(r.Context()))
}

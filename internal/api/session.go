package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/pulseid/internal/datasource"
	"github.com/ashureev/pulseid/internal/domain"
	"github.com/ashureev/pulseid/internal/emailtext"
	"github.com/ashureev/pulseid/internal/identity"
	"github.com/ashureev/pulseid/internal/mail"
	"github.com/ashureev/pulseid/internal/render"
	"github.com/ashureev/pulseid/internal/session"
	"github.com/go-chi/chi/v5"
)

// Settings is the client-facing configuration.
type Settings struct {
	Models            []string `json:"models"`
	DefaultModel      string   `json:"default_model"`
	DefaultDataSource string   `json:"default_data_source"`
	DefaultTemplate   string   `json:"default_template"`
	AgentConfigured   bool     `json:"agent_configured"`
}

// SessionHandler serves the session actions.
type SessionHandler struct {
	*Handler
	settings Settings
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler, settings Settings) *SessionHandler {
	return &SessionHandler{Handler: base, settings: settings}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/sent", h.ListSent)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/connect", h.Connect)
			r.Post("/query", h.RunQuery)
			r.Post("/emails", h.GenerateEmails)
			r.Post("/emails/{index}/send", h.SendEmail)
			r.Get("/template", h.GetTemplate)
			r.Put("/template", h.PutTemplate)
			r.Post("/template/select", h.SelectTemplate)
			r.Get("/tables", h.GetTables)
		})
	})
}

// emailView is an email entry with its display forms and the recipient the
// send action would use.
type emailView struct {
	SequenceIndex int    `json:"sequence_index"`
	Subject       string `json:"subject"`
	MerchantID    string `json:"merchant_id,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	RecipientErr  string `json:"recipient_error,omitempty"`
	render.View
}

type entryView struct {
	Index     int                `json:"index"`
	Kind      domain.EntryKind   `json:"kind"`
	CreatedAt time.Time          `json:"created_at"`
	Query     *domain.QueryEntry `json:"query,omitempty"`
	Email     *emailView         `json:"email,omitempty"`
}

type sessionView struct {
	ID         string               `json:"id"`
	State      session.State        `json:"state"`
	DataSource string               `json:"data_source"`
	Model      string               `json:"model"`
	Template   domain.EmailTemplate `json:"template"`
	CanSend    bool                 `json:"can_send"`
	CanDraft   bool                 `json:"can_generate"`
	Entries    []entryView          `json:"entries"`
}

func (h *Handler) entryView(index int, e domain.InteractionEntry) entryView {
	v := entryView{Index: index, Kind: e.Kind, CreatedAt: e.CreatedAt, Query: e.Query}
	if e.Email != nil {
		subject, body := emailtext.ExtractSubject(e.Email.Body)
		ev := &emailView{
			SequenceIndex: e.Email.SequenceIndex,
			Subject:       subject,
			View:          h.render.Email(e.Email.Body),
		}
		if rcpt, err := emailtext.ExtractRecipient(body); err == nil {
			ev.MerchantID = rcpt.MerchantID
			ev.Recipient = rcpt.Address
		} else {
			ev.RecipientErr = err.Error()
		}
		v.Email = ev
	}
	return v
}

// View renders the full session for API and stream clients.
func (h *Handler) View(s *session.Session) any {
	snap := s.Snapshot()
	out := sessionView{
		ID:         snap.ID,
		State:      snap.State,
		DataSource: snap.DataSource,
		Model:      snap.Model,
		Template:   snap.Template,
		CanSend:    snap.CanSend,
		CanDraft:   snap.CanDraft,
		Entries:    make([]entryView, 0, len(snap.Entries)),
	}
	for i, e := range snap.Entries {
		out.Entries = append(out.Entries, h.entryView(snap.FirstIndex+i, e))
	}
	return out
}

// Snapshot returns the view of sessionID, for stream clients attaching.
func (h *Handler) Snapshot(sessionID string) any {
	return h.View(h.sessions.GetOrCreate(sessionID))
}

// GetConfig returns the server configuration for the frontend.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"models":              h.settings.Models,
		"default_model":       h.settings.DefaultModel,
		"default_data_source": h.settings.DefaultDataSource,
		"default_template":    h.settings.DefaultTemplate,
		"agent_configured":    h.settings.AgentConfigured,
		"templates":           h.templates.Names(),
	})
}

// GetSession returns the caller's session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.View(h.currentSession(r)))
}

// Connect builds the agents for the selected data source.
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var in session.ConnectInput
	if err := decodeJSON(w, r, &in); err != nil {
		Fail(w, err)
		return
	}
	if in.DataSource == "" {
		in.DataSource = h.settings.DefaultDataSource
	}

	s := h.currentSession(r)
	if err := h.orch.Connect(r.Context(), s, in); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, h.View(s))
}

type queryRequest struct {
	Query string `json:"query"`
}

// RunQuery runs a natural-language query.
func (h *SessionHandler) RunQuery(w http.ResponseWriter, r *http.Request) {
	var in queryRequest
	if err := decodeJSON(w, r, &in); err != nil {
		Fail(w, err)
		return
	}

	s := h.currentSession(r)
	index, entry, err := h.orch.RunQuery(r.Context(), s, in.Query)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, h.entryView(index, entry))
}

// GenerateEmails drafts emails from the latest extraction.
func (h *SessionHandler) GenerateEmails(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	entries, err := h.orch.GenerateEmails(r.Context(), s)
	if err != nil {
		Fail(w, err)
		return
	}

	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, h.entryView(e.Email.SequenceIndex, e))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"entries": views})
}

type sendRequest struct {
	SenderEmail    string `json:"sender_email"`
	SenderPassword string `json:"sender_password"`
}

// SendEmail delivers one generated email.
func (h *SessionHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid email index")
		return
	}

	var in sendRequest
	if err := decodeJSON(w, r, &in); err != nil {
		Fail(w, err)
		return
	}

	s := h.currentSession(r)
	creds := mail.Credentials{Address: in.SenderEmail, Password: in.SenderPassword}
	res, err := h.orch.SendEmail(r.Context(), s, index, creds)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]interface{}{"status": "sent", "result": res})
	case errors.Is(err, mail.ErrRecord):
		slog.Warn("Email sent but sent log write failed",
			"session_id", identity.SessionIDFromContext(r.Context()),
			"recipient", res.Recipient,
			"error", err)
		JSON(w, http.StatusOK, map[string]interface{}{
			"status":  "sent",
			"result":  res,
			"warning": err.Error(),
		})
	default:
		Fail(w, err)
	}
}

// GetTemplate returns the session's working template.
func (h *SessionHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.currentSession(r).Template().Template())
}

type templateRequest struct {
	Body string `json:"body"`
}

// PutTemplate replaces the session's working template text.
func (h *SessionHandler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	var in templateRequest
	if err := decodeJSON(w, r, &in); err != nil {
		Fail(w, err)
		return
	}
	s := h.currentSession(r)
	h.orch.EditTemplate(s, in.Body)
	JSON(w, http.StatusOK, s.Template().Template())
}

type selectTemplateRequest struct {
	Name string `json:"name"`
}

// SelectTemplate loads a named template into the working copy.
func (h *SessionHandler) SelectTemplate(w http.ResponseWriter, r *http.Request) {
	var in selectTemplateRequest
	if err := decodeJSON(w, r, &in); err != nil {
		Fail(w, err)
		return
	}
	s := h.currentSession(r)
	if err := h.orch.SelectTemplate(s, in.Name); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, s.Template().Template())
}

// GetTables returns table information for the connected data source. With
// format=text it returns each CREATE statement with its sample rows as text.
func (h *SessionHandler) GetTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.orch.TableInfo(r.Context(), h.currentSession(r))
	if err != nil {
		Fail(w, err)
		return
	}
	switch r.URL.Query().Get("format") {
	case "", "json":
		JSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, datasource.FormatTables(tables))
	default:
		Error(w, http.StatusBadRequest, "unsupported format")
	}
}

// ListSent returns the sent-email log, newest first.
func (h *SessionHandler) ListSent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.repo.ListSentEmails(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list sent emails", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read sent log")
		return
	}

	type row struct {
		MerchantID string `json:"merchant_id"`
		Email      string `json:"email"`
		SentTime   string `json:"sent_time"`
	}
	rows := make([]row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, row{MerchantID: rec.MerchantID, Email: rec.Email, SentTime: rec.SentTime()})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sent": rows})
}

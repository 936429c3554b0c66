package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/pulseid/internal/agent"
	"github.com/ashureev/pulseid/internal/datasource"
	"github.com/ashureev/pulseid/internal/domain"
	"github.com/ashureev/pulseid/internal/emailtext"
	"github.com/ashureev/pulseid/internal/mail"
	"github.com/ashureev/pulseid/internal/metrics"
	"github.com/ashureev/pulseid/internal/templates"
)

// QueryPreamble is prepended to every natural-language query.
const QueryPreamble = "prefer table or point-wise formatting."

// MerchantDataField is the template placeholder filled with the latest
// extraction.
const MerchantDataField = "merchant_data"

var (
	ErrConnection     = errors.New("connection error")
	ErrQuery          = errors.New("query error")
	ErrTemplateFormat = errors.New("template format error")
	ErrDraft          = errors.New("draft error")

	ErrBusy          = errors.New("another action is in progress")
	ErrNotReady      = errors.New("agents are not connected")
	ErrNoExtraction  = errors.New("no extracted merchant data to generate emails from")
	ErrMissingInput  = errors.New("missing input")
	ErrEntryNotFound = errors.New("email entry not found")
)

// Action names used in logs and metrics.
const (
	ActionConnect  = "connect"
	ActionQuery    = "query"
	ActionGenerate = "generate"
	ActionSend     = "send"
)

// Mailer delivers one email and records it in the sent log.
type Mailer interface {
	Send(ctx context.Context, creds mail.Credentials, merchantID, recipient, subject, htmlBody string) (domain.SentEmailRecord, error)
}

// Event is pushed to subscribers of a session whenever its state or log
// changes.
type Event struct {
	Type   string                   `json:"type"`
	State  State                    `json:"state"`
	Index  int                      `json:"index,omitempty"`
	Entry  *domain.InteractionEntry `json:"entry,omitempty"`
	Record *domain.SentEmailRecord  `json:"record,omitempty"`
}

// Event types.
const (
	EventState = "state"
	EventEntry = "entry"
	EventSent  = "sent"
	EventReset = "reset"
)

// Publisher receives session events.
type Publisher interface {
	Publish(sessionID string, ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Event) {}

// Config tunes the orchestrator.
type Config struct {
	DefaultModel        string
	AgentTimeout        time.Duration // 0 = no deadline
	KeepHistoryOnSwitch bool
}

// Orchestrator runs the four session actions against the external agents,
// the template store and the mailer.
type Orchestrator struct {
	connector agent.Connector
	store     *templates.Store
	mailer    Mailer
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. A nil publisher discards events.
func NewOrchestrator(connector agent.Connector, store *templates.Store, mailer Mailer, publisher Publisher, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Orchestrator{
		connector: connector,
		store:     store,
		mailer:    mailer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// ConnectInput selects a data source for a session.
type ConnectInput struct {
	DataSource string `json:"data_source"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
}

func (o *Orchestrator) begin(s *Session, action string) (func(outcome string), error) {
	if !s.action.TryLock() {
		metrics.ObserveAction(action, metrics.OutcomeRejected, 0)
		return nil, ErrBusy
	}
	s.Touch()
	start := time.Now()
	return func(outcome string) {
		s.action.Unlock()
		metrics.ObserveAction(action, outcome, time.Since(start))
	}, nil
}

func outcomeOf(err error) string {
	if err != nil {
		return metrics.OutcomeError
	}
	return metrics.OutcomeOK
}

func (o *Orchestrator) agentContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.AgentTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.AgentTimeout)
	}
	return ctx, func() {}
}

func (o *Orchestrator) transition(s *Session, state State) {
	s.setState(state)
	o.publisher.Publish(s.ID, Event{Type: EventState, State: state})
}

// Connect builds the agents for in.DataSource. Nothing happens when the
// session is already connected with the same selection. Switching to a
// different selection drops the old connection first.
func (o *Orchestrator) Connect(ctx context.Context, s *Session, in ConnectInput) (err error) {
	in.DataSource = strings.TrimSpace(in.DataSource)
	if in.DataSource == "" || in.APIKey == "" {
		return fmt.Errorf("%w: data source and API key are required", ErrMissingInput)
	}
	if in.Model == "" {
		in.Model = o.cfg.DefaultModel
	}

	done, err := o.begin(s, ActionConnect)
	if err != nil {
		return err
	}
	defer func() { done(outcomeOf(err)) }()

	s.mu.RLock()
	same := s.agents != nil && s.dataSource == in.DataSource && s.model == in.Model && s.apiKey == in.APIKey
	switching := s.dataSource != "" && s.dataSource != in.DataSource
	s.mu.RUnlock()
	if same {
		return nil
	}

	if old := s.detach(); old != nil {
		o.closeAgents(ctx, s.ID, old)
	}
	if switching && !o.cfg.KeepHistoryOnSwitch {
		s.mu.Lock()
		s.log = NewLogFrom(s.log.Next())
		s.mu.Unlock()
		o.publisher.Publish(s.ID, Event{Type: EventReset, State: AgentConnecting})
	}

	o.transition(s, AgentConnecting)

	actx, cancel := o.agentContext(ctx)
	defer cancel()
	agents, err := o.connector.Connect(actx, agent.ConnectRequest{
		DataSource: in.DataSource,
		Model:      in.Model,
		APIKey:     in.APIKey,
	})
	if err != nil {
		s.mu.Lock()
		s.dataSource = ""
		s.model = ""
		s.apiKey = ""
		s.mu.Unlock()
		o.transition(s, Idle)
		o.logger.Warn("Agent connection failed", "session_id", s.ID, "data_source", in.DataSource, "error", err)
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	s.mu.Lock()
	s.agents = agents
	s.dataSource = in.DataSource
	s.model = in.Model
	s.apiKey = in.APIKey
	s.mu.Unlock()
	o.transition(s, Ready)

	o.logger.Info("Agents connected", "session_id", s.ID, "data_source", in.DataSource, "model", in.Model)
	return nil
}

// RunQuery asks the SQL agent, then the extraction agent, and appends one
// query entry on success. It returns the entry and its index. Nothing is
// appended on failure.
func (o *Orchestrator) RunQuery(ctx context.Context, s *Session, query string) (index int, entry domain.InteractionEntry, err error) {
	if strings.TrimSpace(query) == "" {
		return 0, entry, fmt.Errorf("%w: query is empty", ErrMissingInput)
	}

	done, err := o.begin(s, ActionQuery)
	if err != nil {
		return 0, entry, err
	}
	defer func() { done(outcomeOf(err)) }()

	agents, state := s.connection()
	if agents == nil || state != Ready {
		return 0, entry, ErrNotReady
	}

	o.transition(s, QueryRunning)
	defer o.transition(s, Ready)

	actx, cancel := o.agentContext(ctx)
	defer cancel()

	raw, err := agents.RunQuery(actx, QueryPreamble+"\n"+query)
	if err != nil {
		o.logger.Warn("SQL agent failed", "session_id", s.ID, "error", err)
		return 0, entry, fmt.Errorf("%w: %w", ErrQuery, err)
	}

	extracted, err := agents.Extract(actx, raw)
	if err != nil {
		o.logger.Warn("Extraction agent failed", "session_id", s.ID, "error", err)
		return 0, entry, fmt.Errorf("%w: %w", ErrQuery, err)
	}

	log := s.Log()
	index = log.AppendQuery(query, raw, &extracted.Raw)
	entry, _ = log.Entry(index)
	o.publisher.Publish(s.ID, Event{Type: EventEntry, State: QueryRunning, Index: index, Entry: &entry})

	o.logger.Info("Query completed", "session_id", s.ID, "index", index, "has_extraction", entry.Query.HasExtraction())
	return index, entry, nil
}

// GenerateEmails fills the working template with the latest extraction,
// asks the drafting agent and appends one email entry per drafted chunk.
func (o *Orchestrator) GenerateEmails(ctx context.Context, s *Session) (entries []domain.InteractionEntry, err error) {
	done, err := o.begin(s, ActionGenerate)
	if err != nil {
		return nil, err
	}
	defer func() { done(outcomeOf(err)) }()

	agents, state := s.connection()
	if agents == nil || state != Ready {
		return nil, ErrNotReady
	}

	log := s.Log()
	extraction, ok := log.LatestExtraction()
	if !ok {
		return nil, ErrNoExtraction
	}

	prompt, err := templates.Format(s.Template().Current(), map[string]string{MerchantDataField: extraction})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplateFormat, err)
	}

	o.transition(s, EmailGenerating)
	defer o.transition(s, Ready)

	actx, cancel := o.agentContext(ctx)
	defer cancel()

	drafted, err := agents.Draft(actx, prompt)
	if err != nil {
		o.logger.Warn("Drafting agent failed", "session_id", s.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDraft, err)
	}

	chunks := emailtext.SplitEmails(drafted.Raw)
	if len(chunks) == 0 {
		o.logger.Warn("Drafting agent returned no emails", "session_id", s.ID)
		return nil, nil
	}

	entries = make([]domain.InteractionEntry, 0, len(chunks))
	for _, chunk := range chunks {
		index := log.AppendEmail(emailtext.ToHTML(chunk))
		e, _ := log.Entry(index)
		entries = append(entries, e)
		o.publisher.Publish(s.ID, Event{Type: EventEntry, State: EmailGenerating, Index: index, Entry: &e})
	}

	o.logger.Info("Emails generated", "session_id", s.ID, "count", len(entries))
	return entries, nil
}

// SendResult describes one delivered email.
type SendResult struct {
	Index      int                    `json:"index"`
	Subject    string                 `json:"subject"`
	MerchantID string                 `json:"merchant_id"`
	Recipient  string                 `json:"recipient"`
	Record     domain.SentEmailRecord `json:"record"`
}

// SendEmail delivers the email entry at index from creds. The subject line
// is lifted out of the body, and the merchant and recipient are read from
// what remains. A result is returned with mail.ErrRecord when the email went
// out but could not be logged.
func (o *Orchestrator) SendEmail(ctx context.Context, s *Session, index int, creds mail.Credentials) (res SendResult, err error) {
	done, err := o.begin(s, ActionSend)
	if err != nil {
		return res, err
	}
	defer func() { done(outcomeOf(err)) }()

	email, ok := s.Log().Email(index)
	if !ok {
		return res, fmt.Errorf("%w: %d", ErrEntryNotFound, index)
	}

	subject, body := emailtext.ExtractSubject(email.Body)
	if subject == "" {
		subject = emailtext.DefaultSubject
	}
	rcpt, err := emailtext.ExtractRecipient(body)
	if err != nil {
		return res, err
	}

	res = SendResult{Index: index, Subject: subject, MerchantID: rcpt.MerchantID, Recipient: rcpt.Address}

	rec, err := o.mailer.Send(ctx, creds, rcpt.MerchantID, rcpt.Address, subject, body)
	switch {
	case err == nil:
		metrics.EmailsSent.Inc()
	case errors.Is(err, mail.ErrRecord):
		metrics.EmailsSent.Inc()
		metrics.SentLogFailures.Inc()
	default:
		return res, err
	}

	res.Record = rec
	o.publisher.Publish(s.ID, Event{Type: EventSent, State: s.State(), Index: index, Record: &rec})
	return res, err
}

// SelectTemplate loads the named template into the session's working copy.
func (o *Orchestrator) SelectTemplate(s *Session, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: template name is empty", ErrMissingInput)
	}
	s.Touch()
	return s.Template().Select(o.store, name)
}

// EditTemplate replaces the session's working copy. Placeholders are not
// checked until emails are generated.
func (o *Orchestrator) EditTemplate(s *Session, text string) {
	s.Touch()
	s.Template().Set(text)
}

// TableInfo describes the tables of the session's connected data source.
func (o *Orchestrator) TableInfo(ctx context.Context, s *Session) ([]datasource.Table, error) {
	agents, state := s.connection()
	if agents == nil || state == Idle || state == AgentConnecting {
		return nil, ErrNotReady
	}
	src, err := datasource.Open(s.DataSource())
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			o.logger.Debug("close data source", "error", cerr)
		}
	}()
	return src.Tables(ctx)
}

// Close drops the session's agent connection.
func (o *Orchestrator) Close(ctx context.Context, s *Session) {
	if a := s.detach(); a != nil {
		o.closeAgents(ctx, s.ID, a)
	}
}

func (o *Orchestrator) closeAgents(ctx context.Context, sessionID string, a agent.Agents) {
	if err := a.Close(ctx); err != nil {
		o.logger.Warn("failed to close agent connection", "session_id", sessionID, "error", err)
	}
}

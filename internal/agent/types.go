// Package agent connects to the external LLM agents: the SQL agent, the
// extraction agent and the drafting agent. Their behaviour is opaque; this
// package only moves text in and out.
package agent

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when no agent service address is configured.
var ErrNotConfigured = errors.New("agent service not configured")

// ConnectRequest selects the data source and model for one agent connection.
type ConnectRequest struct {
	DataSource string
	Model      string
	APIKey     string
}

// Result is a structured agent answer. Raw is its textual form.
type Result struct {
	Raw    string         `json:"raw"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Agents is one live connection to the three agents, bound to a data source.
type Agents interface {
	// RunQuery asks the SQL agent and returns its textual answer.
	RunQuery(ctx context.Context, input string) (string, error)

	// Extract asks the extraction agent to structure raw query output.
	Extract(ctx context.Context, text string) (Result, error)

	// Draft asks the drafting agent for one or more emails.
	Draft(ctx context.Context, prompt string) (Result, error)

	// Close releases the connection.
	Close(ctx context.Context) error
}

// Connector builds agent connections.
type Connector interface {
	Connect(ctx context.Context, req ConnectRequest) (Agents, error)
}

// Ensure GrpcClient implements Connector.
var _ Connector = (*GrpcClient)(nil)

// Unavailable returns a Connector whose every Connect fails with err. It
// stands in when no agent service is configured.
func Unavailable(err error) Connector {
	if err == nil {
		err = ErrNotConfigured
	}
	return unavailable{err: err}
}

type unavailable struct{ err error }

func (u unavailable) Connect(context.Context, ConnectRequest) (Agents, error) {
	return nil, u.err
}

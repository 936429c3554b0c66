package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Agent sidecar methods. Messages are protobuf well-known types, so the Go
// side needs no generated stubs.
const (
	serviceName      = "pulseid.agent.v1.AgentService"
	methodConnect    = "/" + serviceName + "/Connect"
	methodRunQuery   = "/" + serviceName + "/RunQuery"
	methodExtract    = "/" + serviceName + "/Extract"
	methodDraft      = "/" + serviceName + "/Draft"
	methodDisconnect = "/" + serviceName + "/Disconnect"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errEmptyHandle              = errors.New("agent service returned an empty connection handle")
	errMissingOutput            = errors.New("agent response has no output field")
	errEmptyResponse            = errors.New("agent response is empty")
)

// GrpcClient provides a gRPC client to the agent sidecar.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient creates a new gRPC client to the agent sidecar at addr.
func NewGrpcClient(addr string, logger *slog.Logger) (*GrpcClient, error) {
	if addr == "" {
		return nil, ErrNotConfigured
	}
	return NewGrpcClientWithConfig(DefaultGrpcClientConfig(addr), logger)
}

// NewGrpcClientWithConfig creates a client with explicit settings. Extra dial
// options are appended after the defaults.
func NewGrpcClientWithConfig(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent service at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad sidecar address instead of at the first user query.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Connect asks the sidecar to build the SQL, extraction and drafting agents
// for req.DataSource and returns a handle-bound connection.
func (c *GrpcClient) Connect(ctx context.Context, req ConnectRequest) (Agents, error) {
	in, err := structpb.NewStruct(map[string]any{
		"data_source": req.DataSource,
		"model":       req.Model,
		"api_key":     req.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("encode connect request: %w", err)
	}

	out := &wrapperspb.StringValue{}
	if err := c.conn.Invoke(ctx, methodConnect, in, out); err != nil {
		return nil, fmt.Errorf("agent connect: %w", err)
	}
	if out.GetValue() == "" {
		return nil, errEmptyHandle
	}

	c.logger.Debug("Agent connection established", "data_source", req.DataSource, "model", req.Model)
	return &remoteAgents{client: c, handle: out.GetValue()}, nil
}

// remoteAgents is a sidecar connection addressed by handle.
type remoteAgents struct {
	client *GrpcClient
	handle string
}

func (a *remoteAgents) request(input string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"handle": a.handle,
		"input":  input,
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}
	return in, nil
}

// RunQuery invokes the SQL agent. The sidecar answers either with a plain
// string or with a struct carrying an "output" field.
func (a *remoteAgents) RunQuery(ctx context.Context, input string) (string, error) {
	in, err := a.request(input)
	if err != nil {
		return "", err
	}

	out := &structpb.Value{}
	if err := a.client.conn.Invoke(ctx, methodRunQuery, in, out); err != nil {
		return "", fmt.Errorf("sql agent: %w", err)
	}

	switch kind := out.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_StructValue:
		field, ok := kind.StructValue.GetFields()["output"]
		if !ok {
			return "", errMissingOutput
		}
		return valueText(field)
	case nil:
		return "", errEmptyResponse
	default:
		return valueText(out)
	}
}

// Extract invokes the extraction agent.
func (a *remoteAgents) Extract(ctx context.Context, text string) (Result, error) {
	return a.structured(ctx, methodExtract, text)
}

// Draft invokes the drafting agent.
func (a *remoteAgents) Draft(ctx context.Context, prompt string) (Result, error) {
	return a.structured(ctx, methodDraft, prompt)
}

func (a *remoteAgents) structured(ctx context.Context, method, input string) (Result, error) {
	in, err := a.request(input)
	if err != nil {
		return Result{}, err
	}

	out := &structpb.Struct{}
	if err := a.client.conn.Invoke(ctx, method, in, out); err != nil {
		return Result{}, fmt.Errorf("agent %s: %w", method, err)
	}

	res := Result{Fields: out.AsMap()}
	if raw, ok := out.GetFields()["raw"]; ok {
		text, err := valueText(raw)
		if err != nil {
			return Result{}, err
		}
		res.Raw = text
		return res, nil
	}

	// No textual form supplied: fall back to the JSON rendering.
	data, err := protojson.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("render agent result: %w", err)
	}
	res.Raw = string(data)
	return res, nil
}

// Close drops the sidecar-side agents for this handle.
func (a *remoteAgents) Close(ctx context.Context) error {
	if err := a.client.conn.Invoke(ctx, methodDisconnect, wrapperspb.String(a.handle), &emptypb.Empty{}); err != nil {
		return fmt.Errorf("agent disconnect: %w", err)
	}
	return nil
}

func valueText(v *structpb.Value) (string, error) {
	if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		return s.StringValue, nil
	}
	data, err := protojson.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render agent value: %w", err)
	}
	return string(data), nil
}

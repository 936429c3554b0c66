package agent

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// fakeSidecar answers agent calls without generated stubs.
type fakeSidecar struct {
	mu           sync.Mutex
	connectReq   map[string]any
	lastInput    map[string]string
	disconnected []string
	queryAnswer  *structpb.Value
	extract      *structpb.Struct
	failMethod   string
}

func (f *fakeSidecar) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)

	f.mu.Lock()
	defer f.mu.Unlock()

	if method == f.failMethod {
		return status.Error(codes.Unavailable, "model overloaded")
	}

	switch method {
	case methodConnect:
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		f.connectReq = in.AsMap()
		return stream.SendMsg(wrapperspb.String("h-1"))
	case methodRunQuery, methodExtract, methodDraft:
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		if f.lastInput == nil {
			f.lastInput = map[string]string{}
		}
		f.lastInput[method] = in.GetFields()["input"].GetStringValue()
		if in.GetFields()["handle"].GetStringValue() != "h-1" {
			return status.Error(codes.NotFound, "unknown handle")
		}
		switch method {
		case methodRunQuery:
			return stream.SendMsg(f.queryAnswer)
		case methodExtract:
			return stream.SendMsg(f.extract)
		default:
			out, _ := structpb.NewStruct(map[string]any{"raw": "Subject: Hi\nDear Acme,\nacme@x.com"})
			return stream.SendMsg(out)
		}
	case methodDisconnect:
		in := &wrapperspb.StringValue{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		f.disconnected = append(f.disconnected, in.GetValue())
		return stream.SendMsg(&emptypb.Empty{})
	}
	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func startSidecar(t *testing.T, fake *fakeSidecar) *GrpcClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(fake.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	client, err := NewGrpcClientWithConfig(cfg, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewGrpcClientWithConfig failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestNewGrpcClientRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := NewGrpcClient("", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestConnectAndRunQuery(t *testing.T) {
	t.Parallel()

	fake := &fakeSidecar{queryAnswer: structpb.NewStringValue("| name | email |")}
	client := startSidecar(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agents, err := client.Connect(ctx, ConnectRequest{DataSource: "merchant_data.db", Model: "llama3-70b-8192", APIKey: "k"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if fake.connectReq["data_source"] != "merchant_data.db" || fake.connectReq["model"] != "llama3-70b-8192" {
		t.Fatalf("unexpected connect request %v", fake.connectReq)
	}

	out, err := agents.RunQuery(ctx, "list merchants")
	if err != nil {
		t.Fatalf("RunQuery failed: %v", err)
	}
	if out != "| name | email |" {
		t.Fatalf("RunQuery = %q", out)
	}
	if fake.lastInput[methodRunQuery] != "list merchants" {
		t.Fatalf("sidecar saw input %q", fake.lastInput[methodRunQuery])
	}

	if err := agents.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(fake.disconnected) != 1 || fake.disconnected[0] != "h-1" {
		t.Fatalf("disconnected = %v", fake.disconnected)
	}
}

func TestRunQueryStructOutput(t *testing.T) {
	t.Parallel()

	answer, _ := structpb.NewValue(map[string]any{"output": "three merchants"})
	client := startSidecar(t, &fakeSidecar{queryAnswer: answer})

	ctx := context.Background()
	agents, err := client.Connect(ctx, ConnectRequest{DataSource: "merchant_data.db"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	out, err := agents.RunQuery(ctx, "q")
	if err != nil {
		t.Fatalf("RunQuery failed: %v", err)
	}
	if out != "three merchants" {
		t.Fatalf("RunQuery = %q", out)
	}
}

func TestRunQueryStructWithoutOutput(t *testing.T) {
	t.Parallel()

	answer, _ := structpb.NewValue(map[string]any{"rows": 3.0})
	client := startSidecar(t, &fakeSidecar{queryAnswer: answer})

	ctx := context.Background()
	agents, err := client.Connect(ctx, ConnectRequest{DataSource: "merchant_data.db"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if _, err := agents.RunQuery(ctx, "q"); !errors.Is(err, errMissingOutput) {
		t.Fatalf("expected errMissingOutput, got %v", err)
	}
}

func TestExtractUsesRawOrJSON(t *testing.T) {
	t.Parallel()

	withRaw, _ := structpb.NewStruct(map[string]any{"raw": "Acme, acme@x.com", "merchants": []any{"Acme"}})
	client := startSidecar(t, &fakeSidecar{extract: withRaw})

	ctx := context.Background()
	agents, err := client.Connect(ctx, ConnectRequest{DataSource: "merchant_data.db"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := agents.Extract(ctx, "raw rows")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if res.Raw != "Acme, acme@x.com" {
		t.Fatalf("Raw = %q", res.Raw)
	}
	if _, ok := res.Fields["merchants"]; !ok {
		t.Fatalf("Fields = %v", res.Fields)
	}

	noRaw, _ := structpb.NewStruct(map[string]any{"name": "Acme"})
	client2 := startSidecar(t, &fakeSidecar{extract: noRaw})
	agents2, err := client2.Connect(ctx, ConnectRequest{DataSource: "merchant_data.db"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	res, err = agents2.Extract(ctx, "raw rows")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !strings.Contains(res.Raw, `"name"`) || !strings.Contains(res.Raw, "Acme") {
		t.Fatalf("expected JSON fallback, got %q", res.Raw)
	}
}

func TestDraftReturnsRaw(t *testing.T) {
	t.Parallel()

	client := startSidecar(t, &fakeSidecar{})

	ctx := context.Background()
	agents, err := client.Connect(ctx, ConnectRequest{DataSource: "merchant_data.db"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := agents.Draft(ctx, "Dear {merchant}")
	if err != nil {
		t.Fatalf("Draft failed: %v", err)
	}
	if !strings.HasPrefix(res.Raw, "Subject: Hi") {
		t.Fatalf("Raw = %q", res.Raw)
	}
}

func TestAgentFailureIsPropagated(t *testing.T) {
	t.Parallel()

	client := startSidecar(t, &fakeSidecar{failMethod: methodRunQuery})

	ctx := context.Background()
	agents, err := client.Connect(ctx, ConnectRequest{DataSource: "merchant_data.db"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err = agents.RunQuery(ctx, "q")
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	client := startSidecar(t, &fakeSidecar{failMethod: methodConnect})

	if _, err := client.Connect(context.Background(), ConnectRequest{DataSource: "missing.db"}); err == nil {
		t.Fatal("expected connect failure")
	}
}

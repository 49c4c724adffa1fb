package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-radius-sql/internal/engine"
	"github.com/ggoodman/mcp-radius-sql/internal/jsonrpc"
	"github.com/ggoodman/mcp-radius-sql/mcp"
	"github.com/ggoodman/mcp-radius-sql/mcpservice"
	"github.com/ggoodman/mcp-radius-sql/sessions"
)

type logBridge struct{ t *testing.T }

func (b logBridge) Write(p []byte) (int, error) {
	b.t.Helper()
	b.t.Log(string(p))
	return len(p), nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"minLength=1"`
}

type emptyArgs struct{}

func testEngine(started chan<- struct{}) *engine.Engine {
	tools := mcpservice.NewToolsContainer([]mcpservice.StaticTool{
		mcpservice.NewTool("echo", func(_ context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
			return w.AppendText(r.Args().Text)
		}),
		mcpservice.NewTool("block", func(ctx context.Context, _ *sessions.Session, _ mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[emptyArgs]) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	return engine.NewEngine(tools)
}

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t       *testing.T
	stdinW  *io.PipeWriter
	started chan struct{}
	done    chan error

	outMu sync.Mutex
	lines []string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	started := make(chan struct{}, 1)
	log := slog.New(slog.NewTextHandler(logBridge{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := NewHandler(testEngine(started), WithIO(inR, outW), WithLogger(log), WithUserProvider(StaticUser("tester")))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, stdinW: inW, started: started, done: make(chan error, 1)}

	go func() {
		th.done <- h.Serve(ctx)
		_ = outW.Close()
	}()

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		select {
		case <-th.done:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
		<-collected
	})
	return th
}

func (th *testHarness) sendRaw(s string) {
	th.t.Helper()
	if _, err := th.stdinW.Write([]byte(s + "\n")); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse() *jsonrpc.Response {
	th.t.Helper()
	line, err := th.nextLine(5 * time.Second)
	if err != nil {
		th.t.Fatal(err)
	}
	var res jsonrpc.Response
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		th.t.Fatalf("decode %q: %v", line, err)
	}
	return &res
}

func TestInitializeListAndCall(t *testing.T) {
	th := newHarness(t)

	th.sendRaw(`{"jsonrpc":"2.0","id":"init-1","method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"client","version":"0.0.1"}}}`)
	res := th.expectResponse()
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatal(err)
	}
	if initRes.ServerInfo.Name != "radius-sql" || initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected initialize result: %+v", initRes)
	}
	th.sendRaw(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	th.sendRaw(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	res = th.expectResponse()
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 2 || list.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}

	th.sendRaw(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	res = th.expectResponse()
	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError || len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("unexpected tool result: %+v", result)
	}
}

func TestMalformedInput(t *testing.T) {
	th := newHarness(t)

	th.sendRaw(`{not json`)
	res := th.expectResponse()
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError || !res.ID.IsNil() {
		t.Fatalf("expected parse error with null id, got %+v", res)
	}

	th.sendRaw(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	res = th.expectResponse()
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request for batch, got %+v", res)
	}

	// Blank lines are skipped and the loop keeps serving.
	th.sendRaw(``)
	th.sendRaw(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	res = th.expectResponse()
	if res.Error != nil || res.ID.String() != "3" {
		t.Fatalf("ping after bad input: %+v", res)
	}
}

func TestCancellation(t *testing.T) {
	th := newHarness(t)

	th.sendRaw(`{"jsonrpc":"2.0","id":"slow","method":"tools/call","params":{"name":"block"}}`)
	select {
	case <-th.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	// Other requests are served while the call is outstanding.
	th.sendRaw(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	if res := th.expectResponse(); res.ID.String() != "7" {
		t.Fatalf("expected ping response first, got id %s", res.ID)
	}

	th.sendRaw(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"slow"}}`)
	res := th.expectResponse()
	if res.ID.String() != "slow" || res.Error == nil || res.Error.Message != "cancelled" {
		t.Fatalf("expected cancelled error for slow, got %+v", res)
	}
}

func TestServeReturnsOnEOF(t *testing.T) {
	th := newHarness(t)
	th.sendRaw(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	_ = th.expectResponse()

	_ = th.stdinW.Close()
	select {
	case err := <-th.done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
		th.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return on EOF")
	}
}

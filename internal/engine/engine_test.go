package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ggoodman/mcp-radius-sql/internal/jsonrpc"
	"github.com/ggoodman/mcp-radius-sql/internal/metrics"
	"github.com/ggoodman/mcp-radius-sql/mcp"
	"github.com/ggoodman/mcp-radius-sql/mcpservice"
	"github.com/ggoodman/mcp-radius-sql/sessions"
	"github.com/ggoodman/mcp-radius-sql/sessions/memorystream"
)

type logBridge struct{ t *testing.T }

func (b logBridge) Write(p []byte) (int, error) {
	b.t.Helper()
	b.t.Log(string(p))
	return len(p), nil
}

type greetArgs struct {
	Name string `json:"name" jsonschema:"minLength=1"`
}

type emptyArgs struct{}

func testTools(started chan<- struct{}) *mcpservice.ToolsContainer {
	return mcpservice.NewToolsContainer([]mcpservice.StaticTool{
		mcpservice.NewTool("greet", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[greetArgs]) error {
			if r.Args().Name == "nobody" {
				w.SetError(true)
				return w.AppendText(mcpservice.ErrorText("no such person"))
			}
			return w.AppendText("hello " + r.Args().Name)
		}),
		mcpservice.NewTool("explode", func(context.Context, *sessions.Session, mcpservice.ToolResponseWriter, *mcpservice.ToolRequest[emptyArgs]) error {
			panic("boom")
		}),
		mcpservice.NewTool("slow_write", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[emptyArgs]) error {
			started <- struct{}{}
			select {
			case <-time.After(200 * time.Millisecond):
				return w.AppendText("committed")
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
		mcpservice.NewTool("block", func(ctx context.Context, _ *sessions.Session, _ mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[emptyArgs]) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}),
	}, mcpservice.WithPageSize(2))
}

type fixture struct {
	engine   *Engine
	registry *sessions.Registry
	metrics  *metrics.Metrics
	sess     *sessions.Session
	started  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(logBridge{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := metrics.New()
	started := make(chan struct{}, 1)
	e := NewEngine(testTools(started), WithLogger(log), WithMetrics(m))

	reg := sessions.NewRegistry(memorystream.New(), sessions.WithHandshake(e.Connect), sessions.WithLogger(log))
	t.Cleanup(func() { _ = reg.CloseAll(context.Background()) })
	sess, created, err := reg.ResolveOrCreate(context.Background(), "")
	if err != nil || !created {
		t.Fatalf("ResolveOrCreate: created=%v err=%v", created, err)
	}
	return &fixture{engine: e, registry: reg, metrics: m, sess: sess, started: started}
}

func request(id int64, method, params string) *jsonrpc.Request {
	r := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.IntID(id)}
	if params != "" {
		r.Params = json.RawMessage(params)
	}
	return r
}

func (f *fixture) do(t *testing.T, req *jsonrpc.Request) *jsonrpc.Response {
	t.Helper()
	res, err := f.engine.HandleRequest(context.Background(), f.sess, req)
	if err != nil {
		t.Fatalf("HandleRequest(%s): %v", req.Method, err)
	}
	if res.ID.String() != req.ID.String() {
		t.Fatalf("response id %s, want %s", res.ID, req.ID)
	}
	return res
}

func wantCode(t *testing.T, res *jsonrpc.Response, code jsonrpc.ErrorCode) {
	t.Helper()
	if res.Error == nil || res.Error.Code != code {
		t.Fatalf("expected error %d, got %+v (result %s)", code, res.Error, res.Result)
	}
}

func TestConnectCountsHandshakes(t *testing.T) {
	f := newFixture(t)
	const want = `
# HELP radius_sql_session_handshakes_total Session handshakes completed.
# TYPE radius_sql_session_handshakes_total counter
radius_sql_session_handshakes_total 1
`
	if err := testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(want), "radius_sql_session_handshakes_total"); err != nil {
		t.Fatal(err)
	}
}

func TestInitialize(t *testing.T) {
	cases := []struct {
		requested string
		want      string
	}{
		{"2025-06-18", "2025-06-18"},
		{"2025-03-26", "2025-03-26"},
		{"2024-11-05", "2024-11-05"},
		{"1999-01-01", mcp.LatestProtocolVersion},
		{"", mcp.LatestProtocolVersion},
	}
	for _, tc := range cases {
		t.Run(tc.requested, func(t *testing.T) {
			f := newFixture(t)
			params := `{"protocolVersion":"` + tc.requested + `","capabilities":{},"clientInfo":{"name":"probe","version":"0.1"}}`
			res := f.do(t, request(1, "initialize", params))
			if res.Error != nil {
				t.Fatalf("initialize: %+v", res.Error)
			}
			var init mcp.InitializeResult
			if err := json.Unmarshal(res.Result, &init); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if init.ProtocolVersion != tc.want {
				t.Fatalf("protocolVersion = %q, want %q", init.ProtocolVersion, tc.want)
			}
			if init.ServerInfo.Name != "radius-sql" || init.Capabilities.Tools == nil {
				t.Fatalf("unexpected result: %+v", init)
			}
			if f.sess.ProtocolVersion() != tc.want || f.sess.ClientInfo().Name != "probe" {
				t.Fatalf("session not updated: %q %+v", f.sess.ProtocolVersion(), f.sess.ClientInfo())
			}

			wantCode(t, f.do(t, request(2, "initialize", params)), jsonrpc.ErrorCodeInvalidRequest)
		})
	}
}

func TestPingAndUnknownMethod(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, request(1, "ping", ""))
	if res.Error != nil || string(res.Result) != "{}" {
		t.Fatalf("ping: %+v %s", res.Error, res.Result)
	}
	wantCode(t, f.do(t, request(2, "resources/list", "")), jsonrpc.ErrorCodeMethodNotFound)
}

func TestToolsListPaginates(t *testing.T) {
	f := newFixture(t)

	var names []string
	cursor := ""
	for i := int64(1); ; i++ {
		params := ""
		if cursor != "" {
			params = `{"cursor":"` + cursor + `"}`
		}
		res := f.do(t, request(i, "tools/list", params))
		var page mcp.ListToolsResult
		if err := json.Unmarshal(res.Result, &page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, tool := range page.Tools {
			names = append(names, tool.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if strings.Join(names, ",") != "greet,explode,slow_write,block" {
		t.Fatalf("tools: %v", names)
	}

	wantCode(t, f.do(t, request(9, "tools/list", `{"cursor":"bogus"}`)), jsonrpc.ErrorCodeInvalidParams)
}

func callResult(t *testing.T, res *jsonrpc.Response) mcp.CallToolResult {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestToolsCall(t *testing.T) {
	f := newFixture(t)

	out := callResult(t, f.do(t, request(1, "tools/call", `{"name":"greet","arguments":{"name":"ada"}}`)))
	if out.IsError || out.Content[0].Text != "hello ada" {
		t.Fatalf("greet: %+v", out)
	}

	out = callResult(t, f.do(t, request(2, "tools/call", `{"name":"greet","arguments":{"name":"nobody"}}`)))
	if !out.IsError || out.Content[0].Text != `{"error":"no such person"}` {
		t.Fatalf("caller error: %+v", out)
	}

	out = callResult(t, f.do(t, request(3, "tools/call", `{"name":"explode"}`)))
	if !out.IsError || out.Content[0].Text != `{"error":"internal error"}` {
		t.Fatalf("panic: %+v", out)
	}

	wantCode(t, f.do(t, request(4, "tools/call", `{"arguments":{}}`)), jsonrpc.ErrorCodeInvalidParams)
	wantCode(t, f.do(t, request(5, "tools/call", `{"name":"radius_nope"}`)), jsonrpc.ErrorCodeInvalidParams)
	wantCode(t, f.do(t, request(6, "tools/call", `[1,2]`)), jsonrpc.ErrorCodeInvalidParams)

	const want = `
# HELP radius_sql_tool_calls_total Tool invocations by tool and outcome.
# TYPE radius_sql_tool_calls_total counter
radius_sql_tool_calls_total{outcome="caller_error",tool="greet"} 1
radius_sql_tool_calls_total{outcome="error",tool="explode"} 1
radius_sql_tool_calls_total{outcome="ok",tool="greet"} 1
`
	if err := testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(want), "radius_sql_tool_calls_total"); err != nil {
		t.Fatal(err)
	}
}

func TestCancelledNotificationAbortsCall(t *testing.T) {
	f := newFixture(t)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := f.engine.HandleRequest(context.Background(), f.sess, request(42, "tools/call", `{"name":"block"}`))
		done <- res
	}()

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	note := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.CancelledNotificationMethod),
		Params:         json.RawMessage(`{"requestId":42,"reason":"user abort"}`),
	}
	if err := f.engine.HandleNotification(context.Background(), f.sess, note); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	select {
	case res := <-done:
		wantCode(t, res, jsonrpc.ErrorCodeInternalError)
		if res.Error.Message != "cancelled" {
			t.Fatalf("message: %q", res.Error.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call was not cancelled")
	}

	if f.sess.CancelRequest(jsonrpc.IntID(42).Key()) {
		t.Fatal("request should have been untracked after completion")
	}
}

func cancelNote(id string) *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.CancelledNotificationMethod),
		Params:         json.RawMessage(`{"requestId":` + id + `}`),
	}
}

func TestInflightIDs(t *testing.T) {
	f := newFixture(t)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := f.engine.HandleRequest(context.Background(), f.sess, request(7, "tools/call", `{"name":"block"}`))
		done <- res
	}()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	// A second call under the same id is refused and leaves the first alone.
	wantCode(t, f.do(t, request(7, "tools/call", `{"name":"greet","arguments":{"name":"ada"}}`)), jsonrpc.ErrorCodeInvalidRequest)

	// The string "7" is a different id.
	if err := f.engine.HandleNotification(context.Background(), f.sess, cancelNote(`"7"`)); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	select {
	case res := <-done:
		t.Fatalf("call ended early: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	if err := f.engine.HandleNotification(context.Background(), f.sess, cancelNote(`7`)); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	select {
	case res := <-done:
		wantCode(t, res, jsonrpc.ErrorCodeInternalError)
	case <-time.After(5 * time.Second):
		t.Fatal("call was not cancelled")
	}
}

func TestDrainLetsCallsFinish(t *testing.T) {
	f := newFixture(t)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := f.engine.HandleRequest(context.Background(), f.sess, request(1, "tools/call", `{"name":"slow_write"}`))
		done <- res
	}()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	if err := f.registry.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	select {
	case res := <-done:
		out := callResult(t, res)
		if out.IsError || out.Content[0].Text != "committed" {
			t.Fatalf("drain interrupted the call: %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call never finished")
	}
}

func TestInitializedNotification(t *testing.T) {
	f := newFixture(t)
	if f.sess.Initialized() {
		t.Fatal("fresh session should not be initialized")
	}
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
	if err := f.engine.HandleNotification(context.Background(), f.sess, note); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if !f.sess.Initialized() {
		t.Fatal("session should be initialized")
	}

	other := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "notifications/roots/list_changed"}
	if err := f.engine.HandleNotification(context.Background(), f.sess, other); err != nil {
		t.Fatalf("unknown notifications should be ignored: %v", err)
	}
}

package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/mcp"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "radius_user_get", Kind: "read_only"})

	log.With("component", "test").InfoContext(ctx, "tool.call.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v\n%s", err, buf.String())
	}
	req, _ := rec["req"].(map[string]any)
	if req["id"] != "r1" || req["path"] != "/mcp" {
		t.Fatalf("unexpected req group: %v", rec["req"])
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "s1" {
		t.Fatalf("unexpected sess group: %v", rec["sess"])
	}
	if _, ok := sess["user_id"]; ok {
		t.Fatalf("empty user_id should be omitted: %v", sess)
	}
	tool, _ := rec["tool"].(map[string]any)
	if tool["name"] != "radius_user_get" {
		t.Fatalf("unexpected tool group: %v", rec["tool"])
	}
	if rec["component"] != "test" {
		t.Fatalf("With attrs lost: %v", rec)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	log := Wrap(slog.Default())
	if Wrap(log) != log {
		t.Fatal("wrapping a wrapped logger should return it unchanged")
	}
}

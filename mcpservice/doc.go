// Package mcpservice is the tool layer between the protocol engine and
// domain code.
//
// A tool is declared once with NewTool from a typed argument struct. The
// struct's tags drive both the advertised JSON Schema (through
// invopop/jsonschema) and runtime decoding, which rejects unknown fields.
// When the argument type implements Normalizer its Normalize method runs
// after decoding to apply defaults and enforce bounds; a failure there is
// reported to the caller as an error result, never as a transport failure.
//
// Tools are collected into a ToolsContainer at startup:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"minLength=1"`
//	}
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool[EchoArgs]("echo", func(ctx context.Context, s *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText("you said: " + r.Args().Message)
//	    }, mcpservice.WithToolDescription("Echo a message back")),
//	)
//
// The set is fixed for the life of the container.
package mcpservice

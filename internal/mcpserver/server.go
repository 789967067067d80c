// Package mcpserver exposes the authorization pipeline over the Model
// Context Protocol. Connectors push content in, agent hosts submit
// intents and redeem tokens; nothing behind this surface executes
// without passing through the policy engine and tool runner.
package mcpserver

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/capgate/capgate/internal/gateway"
)

// Version is reported in the MCP implementation handshake.
const Version = "0.1.0"

// Server wraps the MCP SDK server around a gateway.
type Server struct {
	mcpServer *mcpsdk.Server
	gw        *gateway.Gateway
}

// New creates an MCP server over the given gateway.
func New(gw *gateway.Gateway) *Server {
	s := &Server{
		gw: gw,
		mcpServer: mcpsdk.NewServer(
			&mcpsdk.Implementation{
				Name:    "capgate",
				Version: Version,
			},
			nil,
		),
	}
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Close flushes the audit trail.
func (s *Server) Close() error {
	return s.gw.Close()
}

// registerTools adds every capgate tool to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_ingest",
		Description: "Store untrusted content as evidence. Returns chunk references and the assigned trust tier; content is addressable only by reference afterwards.",
	}, s.handleIngest)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_submit",
		Description: "Submit proposed action intents for an envelope. Returns the policy decision and, per permitted intent, a single-use capability token.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_execute",
		Description: "Execute one approved intent under its capability token. Rejected calls return the reason; every attempt is audited.",
	}, s.handleExecute)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_fetch",
		Description: "Fetch one evidence chunk by explicit id. Rate-limited per request and logged.",
	}, s.handleFetch)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_audit_verify",
		Description: "Verify the tamper-evident hash chain over the audit trail.",
	}, s.handleAuditVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_confirmations",
		Description: "List intents parked pending human confirmation. Granting or denying a confirmation is done out of band with the capgate approve command.",
	}, s.handleConfirmations)
}

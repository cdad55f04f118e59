// Package mcpserver exposes the text analyzer and the call history to AI
// agents over the Model Context Protocol.
//
// Tools:
//
//   - analyze_conversation scores a piece of conversation text.
//   - list_call_history lists closed calls, newest first.
//   - get_call returns one closed call with its full transcript.
package mcpserver

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voiceshield/internal/analyze"
	"github.com/MrWong99/voiceshield/internal/history"
)

// Tool names.
const (
	ToolAnalyzeConversation = "analyze_conversation"
	ToolListCallHistory     = "list_call_history"
	ToolGetCall             = "get_call"
)

// Deps are the backends the tools call into.
type Deps struct {
	Analyzer *analyze.Client
	History  history.Store

	// Version is reported to clients during initialization.
	Version string
}

// New returns an MCP server with every tool registered.
func New(d Deps) (*mcp.Server, error) {
	if d.Analyzer == nil {
		return nil, errors.New("mcpserver: analyzer is required")
	}
	if d.History == nil {
		return nil, errors.New("mcpserver: history store is required")
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	h := &handlers{analyzer: d.Analyzer, history: d.History}

	s := mcp.NewServer(&mcp.Implementation{Name: "voiceshield", Version: d.Version}, nil)
	mcp.AddTool(s, &mcp.Tool{
		Name: ToolAnalyzeConversation,
		Description: "Score a phone conversation for fraud-call patterns such as requests for OTPs, " +
			"UPI PINs or card details, remote-access apps, bank impersonation and artificial urgency. " +
			"Returns a 0-100 risk score, a SAFE/LOW/MEDIUM/HIGH label, the detected triggers and a " +
			"short explanation for the user.",
	}, h.analyzeConversation)
	mcp.AddTool(s, &mcp.Tool{
		Name: ToolListCallHistory,
		Description: "List previously monitored calls, newest first, with their final risk label, " +
			"score, number of turns and any feedback the user gave.",
	}, h.listCallHistory)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolGetCall,
		Description: "Fetch one previously monitored call by id, including its full transcript.",
	}, h.getCall)
	return s, nil
}

// Serve runs s over stdin/stdout until ctx is cancelled or the client
// disconnects.
func Serve(ctx context.Context, s *mcp.Server) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

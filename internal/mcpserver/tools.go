package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voiceshield/internal/analyze"
	"github.com/MrWong99/voiceshield/internal/history"
	"github.com/MrWong99/voiceshield/pkg/types"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type handlers struct {
	analyzer *analyze.Client
	history  history.Store
}

// AnalyzeInput is the argument of analyze_conversation.
type AnalyzeInput struct {
	Text     string `json:"text" jsonschema:"the conversation text, one or more sentences spoken by the caller"`
	Language string `json:"language,omitempty" jsonschema:"BCP-47 language tag of the text, defaults to en"`
}

// AnalyzeOutput is the result of analyze_conversation.
type AnalyzeOutput struct {
	Score       int             `json:"risk_score"`
	Label       types.RiskLabel `json:"risk_label"`
	Explanation string          `json:"explanation"`
	Triggers    []types.Trigger `json:"triggers"`
	Source      string          `json:"source" jsonschema:"which backend scored the text: remote or local"`
}

func (h *handlers) analyzeConversation(ctx context.Context, _ *mcp.CallToolRequest, in AnalyzeInput) (*mcp.CallToolResult, AnalyzeOutput, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, AnalyzeOutput{}, errors.New("text must not be empty")
	}
	lang := in.Language
	if lang == "" {
		lang = "en"
	}
	res, source := h.analyzer.Analyze(ctx, in.Text, lang)
	out := AnalyzeOutput{
		Score:       res.Score,
		Label:       res.Label,
		Explanation: res.Explanation,
		Triggers:    res.Triggers,
		Source:      source,
	}
	if out.Triggers == nil {
		out.Triggers = []types.Trigger{}
	}
	return textResult(fmt.Sprintf("%s risk (%d/100). %s", res.Label, res.Score, res.Explanation)), out, nil
}

// ListInput is the argument of list_call_history.
type ListInput struct {
	Limit  int `json:"limit,omitempty" jsonschema:"maximum number of calls to return (default 20, max 100)"`
	Offset int `json:"offset,omitempty" jsonschema:"number of newest calls to skip"`
}

// CallSummary is one entry of list_call_history.
type CallSummary struct {
	ID           string          `json:"id"`
	StartTime    string          `json:"startTime" jsonschema:"RFC 3339 start of the call"`
	EndTime      string          `json:"endTime,omitempty"`
	Label        types.RiskLabel `json:"risk_label"`
	Score        int             `json:"risk_score"`
	Turns        int             `json:"turns"`
	UserFeedback *bool           `json:"userFeedback,omitempty"`
}

// ListOutput is the result of list_call_history.
type ListOutput struct {
	Calls []CallSummary `json:"calls"`
}

func (h *handlers) listCallHistory(ctx context.Context, _ *mcp.CallToolRequest, in ListInput) (*mcp.CallToolResult, ListOutput, error) {
	if in.Limit < 0 || in.Offset < 0 {
		return nil, ListOutput{}, errors.New("limit and offset must not be negative")
	}
	limit := in.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	sessions, err := h.history.List(ctx, limit, in.Offset)
	if err != nil {
		return nil, ListOutput{}, fmt.Errorf("list call history: %w", err)
	}
	out := ListOutput{Calls: make([]CallSummary, 0, len(sessions))}
	var b strings.Builder
	fmt.Fprintf(&b, "%d call(s)", len(sessions))
	for _, s := range sessions {
		c := summarize(s)
		out.Calls = append(out.Calls, c)
		fmt.Fprintf(&b, "\n%s  %s  %s (%d)  %d turns", c.ID, c.StartTime, c.Label, c.Score, c.Turns)
	}
	return textResult(b.String()), out, nil
}

// GetInput is the argument of get_call.
type GetInput struct {
	ID string `json:"id" jsonschema:"the call id, e.g. call_6f1c..."`
}

// Turn is one transcript entry of get_call.
type Turn struct {
	Speaker   types.Speaker `json:"speaker"`
	Text      string        `json:"text"`
	Timestamp string        `json:"timestamp"`
	Language  string        `json:"language,omitempty"`
}

// CallDetail is the result of get_call.
type CallDetail struct {
	Call        CallSummary     `json:"call"`
	Explanation string          `json:"explanation"`
	Triggers    []types.Trigger `json:"triggers"`
	Transcript  []Turn          `json:"transcript"`
}

func (h *handlers) getCall(ctx context.Context, _ *mcp.CallToolRequest, in GetInput) (*mcp.CallToolResult, CallDetail, error) {
	if in.ID == "" {
		return nil, CallDetail{}, errors.New("id must not be empty")
	}
	s, err := h.history.Get(ctx, in.ID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, CallDetail{}, fmt.Errorf("no call with id %q", in.ID)
	}
	if err != nil {
		return nil, CallDetail{}, fmt.Errorf("get call: %w", err)
	}

	out := CallDetail{
		Call:        summarize(s),
		Triggers:    []types.Trigger{},
		Transcript:  make([]Turn, 0, len(s.Transcript)),
	}
	if s.FinalRisk != nil {
		out.Explanation = s.FinalRisk.Explanation
		out.Triggers = append(out.Triggers, s.FinalRisk.Triggers...)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (%d). %s", out.Call.ID, out.Call.Label, out.Call.Score, out.Explanation)
	for _, t := range s.Transcript {
		out.Transcript = append(out.Transcript, Turn{
			Speaker:   t.Speaker,
			Text:      t.Text,
			Timestamp: t.Timestamp.UTC().Format(time.RFC3339),
			Language:  t.Language,
		})
		fmt.Fprintf(&b, "\n[%s] %s", t.Speaker, t.Text)
	}
	return textResult(b.String()), out, nil
}

func summarize(s types.CallSession) CallSummary {
	c := CallSummary{
		ID:           s.ID,
		StartTime:    s.StartTime.UTC().Format(time.RFC3339),
		Label:        types.LabelSafe,
		Turns:        len(s.Transcript),
		UserFeedback: s.UserFeedback,
	}
	if s.EndTime != nil {
		c.EndTime = s.EndTime.UTC().Format(time.RFC3339)
	}
	if s.FinalRisk != nil {
		c.Label, c.Score = s.FinalRisk.Label, s.FinalRisk.Score
	}
	return c
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

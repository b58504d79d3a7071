package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/predictor"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Predictor   *predictor.Predictor
	Invalidator *predictor.Invalidator
}

// NewMCPServer creates an MCP server exposing the prediction engine as
// tools, so assistant clients can request predictions and report new
// sleep sessions.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"baby-sleep-prediction",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("Predicts a baby's next sleep time from recent sleep history. Report new sessions so cached predictions stay fresh."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("predict_next_sleep",
			mcp.WithDescription("Predict the next sleep time from the baby's age and recent sleep history."),
			mcp.WithNumber("age_in_months", mcp.Description("Baby's age in months"), mcp.Required()),
			mcp.WithString("subject_id", mcp.Description("Stable subject identifier; omit for one-off requests")),
			mcp.WithString("name", mcp.Description("Baby's name, used in the explanation text")),
			mcp.WithString("kind", mcp.Description("Free-form subject descriptor, e.g. 'newborn' or 'toddler'")),
			mcp.WithString("sleep_history", mcp.Description("JSON array of sessions: {id, startTime, endTime, duration, quality}")),
		),
		mcpPredictNextSleep(deps),
	)

	s.AddTool(
		mcp.NewTool("record_session",
			mcp.WithDescription("Report a newly logged sleep session so stale cached predictions are invalidated."),
			mcp.WithString("subject_id", mcp.Description("Stable subject identifier"), mcp.Required()),
			mcp.WithString("session", mcp.Description("JSON session object: {id, startTime, endTime, duration, quality}"), mcp.Required()),
		),
		mcpRecordSession(deps),
	)

	return s
}

func mcpPredictNextSleep(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		age, err := req.RequireFloat("age_in_months")
		if err != nil {
			return mcpError("age_in_months is required"), nil
		}
		if age <= 0 || age > maxAgeMonths {
			return mcpError(fmt.Sprintf("age_in_months must be between 0 and %d", maxAgeMonths)), nil
		}

		var sessions []session.Session
		if raw := req.GetString("sleep_history", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
				return mcpError(fmt.Sprintf("invalid sleep_history JSON: %v", err)), nil
			}
		}

		result, err := deps.Predictor.Predict(ctx, predictor.Request{
			SubjectID: req.GetString("subject_id", ""),
			AgeMonths: age,
			Sessions:  sessions,
			Name:      req.GetString("name", ""),
			Kind:      req.GetString("kind", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("prediction failed: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecordSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subjectID, err := req.RequireString("subject_id")
		if err != nil {
			return mcpError("subject_id is required"), nil
		}
		raw, err := req.RequireString("session")
		if err != nil {
			return mcpError("session is required"), nil
		}

		var s session.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return mcpError(fmt.Sprintf("invalid session JSON: %v", err)), nil
		}
		if s.ID == "" {
			return mcpError("session id is required"), nil
		}

		invalidated, err := deps.Invalidator.OnNewSession(subjectID, s)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to invalidate predictions: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded session %s; invalidated %d cached prediction(s)", s.ID, invalidated)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

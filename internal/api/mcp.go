package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vysti/revise/internal/dismiss"
	"github.com/vysti/revise/internal/preview"
	"github.com/vysti/revise/internal/rewrite"
	"github.com/vysti/revise/internal/session"
)

// MCPDeps holds dependencies for the MCP surface.
type MCPDeps struct {
	Controller *session.Controller
}

// NewMCPServer creates an MCP server exposing the essay session as tools and
// resources, so agent clients can drive a marking run end to end.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vysti",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vysti essay marking session: mark a document, review flagged issues, check and apply rewrites, recheck."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("mark_essay",
			mcp.WithDescription("Run a full marking pass over the selected document."),
			mcp.WithString("mode", mcp.Description("Marking mode (default analytic)")),
		),
		mcpMarkEssay(deps),
	)

	s.AddTool(
		mcp.NewTool("recheck_essay",
			mcp.WithDescription("Re-mark the current preview text, keeping applied rewrites."),
		),
		mcpRecheckEssay(deps),
	)

	s.AddTool(
		mcp.NewTool("list_issues",
			mcp.WithDescription("List the flagged issues grouped by document region with adjusted counts."),
		),
		mcpListIssues(deps),
	)

	s.AddTool(
		mcp.NewTool("select_issue",
			mcp.WithDescription("Select an issue label and fetch its example sentences."),
			mcp.WithString("label", mcp.Description("Issue label to select"), mcp.Required()),
		),
		mcpSelectIssue(deps),
	)

	s.AddTool(
		mcp.NewTool("check_rewrite",
			mcp.WithDescription("Submit a rewritten sentence for approval against a flagged issue."),
			mcp.WithString("label", mcp.Description("Issue label"), mcp.Required()),
			mcp.WithString("sentence", mcp.Description("The original flagged sentence"), mcp.Required()),
			mcp.WithString("rewrite", mcp.Description("The proposed rewrite"), mcp.Required()),
			mcp.WithNumber("paragraph_index", mcp.Description("Paragraph index of the flagged sentence")),
		),
		mcpCheckRewrite(deps),
	)

	s.AddTool(
		mcp.NewTool("apply_rewrite",
			mcp.WithDescription("Replace the flagged sentence in the preview with its approved rewrite."),
			mcp.WithString("label", mcp.Description("Issue label"), mcp.Required()),
			mcp.WithString("sentence", mcp.Description("The original flagged sentence"), mcp.Required()),
			mcp.WithNumber("paragraph_index", mcp.Description("Paragraph index of the flagged sentence")),
		),
		mcpApplyRewrite(deps),
	)

	s.AddTool(
		mcp.NewTool("dismiss_issue",
			mcp.WithDescription("Dismiss a flagged sentence with a reason, scrubbing its marks from the preview."),
			mcp.WithString("label", mcp.Description("Issue label"), mcp.Required()),
			mcp.WithString("sentence", mcp.Description("The flagged sentence"), mcp.Required()),
			mcp.WithString("reason", mcp.Description("One of no_issue, unable_to_repair, unclear_guidance, other"), mcp.Required()),
			mcp.WithString("other_text", mcp.Description("Free-text explanation, required for reason=other")),
			mcp.WithNumber("paragraph_index", mcp.Description("Paragraph index of the flagged sentence")),
		),
		mcpDismissIssue(deps),
	)

	s.AddTool(
		mcp.NewTool("list_attempts",
			mcp.WithDescription("List prior marking runs of the selected file, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum attempts to return (default all)")),
		),
		mcpListAttempts(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"session://status",
			"Session Status",
			mcp.WithResourceDescription("Current session state, counts, and status line as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"session://preview",
			"Preview Text",
			mcp.WithResourceDescription("Plain text of the current preview"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourcePreview(deps),
	)

	return s
}

func mcpMarkEssay(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if mode := req.GetString("mode", ""); mode != "" {
			deps.Controller.SetMode(mode)
		}
		if err := deps.Controller.Mark(ctx); err != nil {
			return mcpError(fmt.Sprintf("mark failed: %v", err)), nil
		}
		return mcpJSON(sessionView(deps.Controller))
	}
}

func mcpRecheckEssay(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Controller.Recheck(ctx); err != nil {
			return mcpError(fmt.Sprintf("recheck failed: %v", err)), nil
		}
		return mcpJSON(sessionView(deps.Controller))
	}
}

func mcpListIssues(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(issuesView(deps.Controller))
	}
}

func mcpSelectIssue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return mcpError("label is required"), nil
		}
		m := deps.Controller.Model()
		m.Select(label)
		if err := m.FetchExamples(ctx); err != nil {
			return mcpError(fmt.Sprintf("fetching examples: %v", err)), nil
		}
		return mcpJSON(issuesView(deps.Controller))
	}
}

func rewriteKeyFromRequest(req mcp.CallToolRequest) (rewrite.Key, *mcp.CallToolResult) {
	label, err := req.RequireString("label")
	if err != nil {
		return rewrite.Key{}, mcpError("label is required")
	}
	sentence, err := req.RequireString("sentence")
	if err != nil {
		return rewrite.Key{}, mcpError("sentence is required")
	}
	return rewrite.Key{
		Label:          label,
		Sentence:       sentence,
		ParagraphIndex: req.GetInt("paragraph_index", 0),
	}, nil
}

func mcpCheckRewrite(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, errResult := rewriteKeyFromRequest(req)
		if errResult != nil {
			return errResult, nil
		}
		text, err := req.RequireString("rewrite")
		if err != nil {
			return mcpError("rewrite is required"), nil
		}

		eng := deps.Controller.Rewrites()
		eng.SetDraft(key, text)
		if err := eng.Check(ctx, key); err != nil {
			return mcpError(fmt.Sprintf("check failed: %v", err)), nil
		}
		return mcpJSON(eng.Entry(key))
	}
}

func mcpApplyRewrite(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, errResult := rewriteKeyFromRequest(req)
		if errResult != nil {
			return errResult, nil
		}
		eng := deps.Controller.Rewrites()
		if err := eng.Apply(key); err != nil {
			return mcpError(fmt.Sprintf("apply failed: %v", err)), nil
		}
		return mcpJSON(eng.Entry(key))
	}
}

func mcpDismissIssue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return mcpError("label is required"), nil
		}
		sentence, err := req.RequireString("sentence")
		if err != nil {
			return mcpError("sentence is required"), nil
		}
		reason, err := req.RequireString("reason")
		if err != nil {
			return mcpError("reason is required"), nil
		}

		result, err := deps.Controller.Dismissals().Dismiss(
			label,
			sentence,
			req.GetInt("paragraph_index", 0),
			dismiss.Reason(reason),
			req.GetString("other_text", ""),
		)
		if err != nil {
			return mcpError(fmt.Sprintf("dismiss failed: %v", err)), nil
		}
		if result.ScrubErr != nil {
			return mcpText(fmt.Sprintf("Dismissed %q; preview scrub failed: %v", label, result.ScrubErr)), nil
		}
		return mcpText(fmt.Sprintf("Dismissed %q", label)), nil
	}
}

func mcpListAttempts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 0)
		attempts, err := deps.Controller.Attempts(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing attempts: %v", err)), nil
		}
		return mcpJSON(attempts)
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(sessionView(deps.Controller))
		if err != nil {
			return nil, fmt.Errorf("marshalling session view: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourcePreview(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     preview.ExtractText(deps.Controller.Preview().Root()),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("marshalling result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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

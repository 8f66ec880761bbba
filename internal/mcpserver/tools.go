package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/klioai/klio/internal/failure"
)

// --- Tool Definitions ---

const childSchema = `{
	"type": "object",
	"properties": {
		"child_id": {
			"type": "integer",
			"description": "Id of the child profile"
		}
	},
	"required": ["child_id"]
}`

func getMemoryGraphTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_memory_graph",
		"Get a child's long-term knowledge graph: main interests, recent learning and every topic ranked by engagement.",
		json.RawMessage(childSchema),
	)
}

func getLearningPatternsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_learning_patterns",
		"Get a child's strengths, interests, sustained engagement and growth areas derived from the knowledge graph.",
		json.RawMessage(childSchema),
	)
}

func listSummariesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_summaries",
		"List a child's most recent conversation summaries, newest first.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"child_id": {
					"type": "integer",
					"description": "Id of the child profile"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of summaries (default 10)"
				}
			},
			"required": ["child_id"]
		}`),
	)
}

func deleteMemoryTopicTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"delete_memory_topic",
		"Remove a topic from a child's knowledge graph. Matching is case-insensitive.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"child_id": {
					"type": "integer",
					"description": "Id of the child profile"
				},
				"topic": {
					"type": "string",
					"description": "Topic label to remove"
				}
			},
			"required": ["child_id", "topic"]
		}`),
	)
}

func getQuotaTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_quota",
		"Get a child's daily message allowance: used, limit, remaining and whether it is near the limit.",
		json.RawMessage(childSchema),
	)
}

// --- Tool Handlers ---

type childArgs struct {
	ChildID int64 `json:"child_id"`
}

type listSummariesArgs struct {
	ChildID int64 `json:"child_id"`
	Limit   int   `json:"limit"`
}

type deleteTopicArgs struct {
	ChildID int64  `json:"child_id"`
	Topic   string `json:"topic"`
}

func (a childArgs) child() int64         { return a.ChildID }
func (a listSummariesArgs) child() int64 { return a.ChildID }
func (a deleteTopicArgs) child() int64   { return a.ChildID }

// bind decodes the tool arguments and checks the child id. A non-nil
// result is the error to return to the caller.
func bind(req mcp.CallToolRequest, args interface{ child() int64 }) *mcp.CallToolResult {
	if err := req.BindArguments(args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.child() <= 0 {
		return mcp.NewToolResultError("child_id is required")
	}
	return nil
}

func (s *Server) handleGetMemoryGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args childArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	return resultJSON(s.parent.MemoryGraph(ctx, args.ChildID))
}

func (s *Server) handleGetLearningPatterns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args childArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	return resultJSON(s.parent.LearningPatterns(ctx, args.ChildID))
}

func (s *Server) handleListSummaries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listSummariesArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	if args.Limit < 0 {
		return mcp.NewToolResultError("limit must be non-negative"), nil
	}
	list, err := s.parent.Summaries(ctx, args.ChildID, args.Limit)
	if err != nil {
		return s.toolError("list summaries", err), nil
	}
	return resultJSON(list)
}

func (s *Server) handleDeleteMemoryTopic(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args deleteTopicArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	topic := strings.TrimSpace(args.Topic)
	if topic == "" {
		return mcp.NewToolResultError("topic is required"), nil
	}
	if err := s.parent.DeleteMemoryTopic(ctx, args.ChildID, topic); err != nil {
		return s.toolError("delete topic", err), nil
	}
	s.logger.Info("memory topic deleted via mcp", "child_id", args.ChildID, "topic", topic)
	return resultJSON(map[string]any{"deleted": topic})
}

func (s *Server) handleGetQuota(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args childArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	snap, err := s.parent.Quota(ctx, args.ChildID)
	if err != nil {
		return s.toolError("get quota", err), nil
	}
	return resultJSON(snap)
}

// toolError reports err to the calling agent. Storage details stay in the
// log.
func (s *Server) toolError(op string, err error) *mcp.CallToolResult {
	kind := failure.KindOf(err)
	if kind == failure.KindStorage {
		s.logger.Error("mcp tool failed", "op", op, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s: internal error", op))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s (%s)", op, failure.Message(err), kind))
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Package mcpserver exposes a child's summaries, memory graph and quota to
// parent-side agents as MCP tools over stdio JSON-RPC.
package mcpserver

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/klioai/klio/internal/chat"
	"github.com/klioai/klio/internal/config"
	"github.com/klioai/klio/internal/memory"
	"github.com/klioai/klio/internal/quota"
)

// Parent is the read-mostly slice of the chat service the tools need.
type Parent interface {
	MemoryGraph(ctx context.Context, childID int64) memory.Graph
	LearningPatterns(ctx context.Context, childID int64) memory.Patterns
	Summaries(ctx context.Context, childID int64, limit int) ([]chat.SummaryView, error)
	DeleteMemoryTopic(ctx context.Context, childID int64, topic string) error
	Quota(ctx context.Context, childID int64) (quota.Snapshot, error)
}

var _ Parent = (*chat.Service)(nil)

// Server holds the MCP server state.
type Server struct {
	parent Parent
	logger *slog.Logger
}

// NewServer creates an MCP server backed by p.
func NewServer(p Parent, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{parent: p, logger: logger}
}

// MCPServer builds the protocol server with every tool registered.
func (s *Server) MCPServer() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"klio",
		config.Version,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(
		server.ServerTool{Tool: getMemoryGraphTool(), Handler: s.handleGetMemoryGraph},
		server.ServerTool{Tool: getLearningPatternsTool(), Handler: s.handleGetLearningPatterns},
		server.ServerTool{Tool: listSummariesTool(), Handler: s.handleListSummaries},
		server.ServerTool{Tool: deleteMemoryTopicTool(), Handler: s.handleDeleteMemoryTopic},
		server.ServerTool{Tool: getQuotaTool(), Handler: s.handleGetQuota},
	)
	return mcpServer
}

// Serve runs the stdio transport on in and out. It blocks until ctx is
// cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.MCPServer())
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))
	return stdio.Listen(ctx, in, out)
}

package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/ratelimit"
	"sqlgateway/internal/service"
)

// Server is the MCP server of the gateway.
// It exposes query and introspection tools so agents can work against the
// registered data sources.
type Server struct {
	mcp    *server.MCPServer
	logger *zap.Logger

	sources   *service.DataSourceService
	workflows *service.WorkflowRegistry
	limiter   *ratelimit.Limiter

	defaultTimeout time.Duration
	defaultMaxRows int
}

// Deps holds everything the server dispatches to.
type Deps struct {
	Logger    *zap.Logger
	Sources   *service.DataSourceService
	Workflows *service.WorkflowRegistry // nil disables workflow-scoped queries
	Limiter   *ratelimit.Limiter        // only read for stats

	DefaultTimeout time.Duration
	DefaultMaxRows int

	Notifier *Notifier // optional; attached to the new server
}

// New creates and configures the MCP server with all tools, resources and prompts.
func New(deps Deps) *Server {
	s := &Server{
		logger:         deps.Logger,
		sources:        deps.Sources,
		workflows:      deps.Workflows,
		limiter:        deps.Limiter,
		defaultTimeout: deps.DefaultTimeout,
		defaultMaxRows: deps.DefaultMaxRows,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	s.mcp = server.NewMCPServer(
		"sqlgateway",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
	)

	if deps.Notifier != nil {
		deps.Notifier.attach(s.mcp)
	}

	s.registerQueryTools()
	s.registerIntrospectionTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("starting MCP stdio server")
	return server.ServeStdio(s.mcp)
}

// Notifier forwards gateway lifecycle events to connected MCP clients. The
// services are built before the server, so it is created empty and attached
// by New.
type Notifier struct {
	mu  sync.RWMutex
	srv *server.MCPServer
}

func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) attach(srv *server.MCPServer) {
	n.mu.Lock()
	n.srv = srv
	n.mu.Unlock()
}

// Emit sends event as a notifications/<event> message. Events emitted
// before the server exists are dropped.
func (n *Notifier) Emit(_ context.Context, event string, data any) {
	n.mu.RLock()
	srv := n.srv
	n.mu.RUnlock()
	if srv == nil {
		return
	}
	srv.SendNotificationToAllClients("notifications/"+event, map[string]any{"data": data})
}

var _ service.EventEmitter = (*Notifier)(nil)

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

// errorResult reports err to the agent as a failed tool call, prefixed with
// its kind so the agent can decide whether a retry makes sense.
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(errorKind(err) + ": " + err.Error())
}

func errorKind(err error) string {
	var ve *domain.ValidationError
	var qe *domain.QueryError
	var ce *domain.ConnectionError
	switch {
	case errors.Is(err, domain.ErrQueryTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrQueryCancelled):
		return "cancelled"
	case errors.Is(err, domain.ErrQueueTimeout):
		return "rate_limited"
	case errors.Is(err, domain.ErrUnknownDataSource):
		return "unknown_data_source"
	case errors.As(err, &ve):
		return "invalid_request"
	case errors.As(err, &ce):
		return "connection_failed"
	case errors.As(err, &qe):
		return "query_failed"
	default:
		return "error"
	}
}

package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/ratelimit"
)

func (s *Server) registerQueryTools() {
	s.mcp.AddTool(mcp.NewTool("list_data_sources",
		mcp.WithDescription("List the registered data sources and their engines"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListDataSources)

	s.mcp.AddTool(mcp.NewTool("run_sql",
		mcp.WithDescription("Run a read-only SQL query. Use the data source's own dialect; "+
			"positional ? placeholders are bound from params. Results are capped at maxRows "+
			"and hasMoreRows tells whether rows were left out."),
		mcp.WithString("dataSource", mcp.Description("Data source name, or data source id when workflowId is set"), mcp.Required()),
		mcp.WithString("sql", mcp.Description("SQL statement"), mcp.Required()),
		mcp.WithArray("params", mcp.Description("Positional parameter values")),
		mcp.WithNumber("maxRows", mcp.Description("Maximum rows to return")),
		mcp.WithNumber("timeoutMs", mcp.Description("Query timeout in milliseconds")),
		mcp.WithString("workflowId", mcp.Description("Workflow run id; reuses that run's connections")),
	), s.handleRunSQL)

	s.mcp.AddTool(mcp.NewTool("test_data_source",
		mcp.WithDescription("Check that a data source accepts connections"),
		mcp.WithString("dataSource", mcp.Description("Data source name"), mcp.Required()),
	), s.handleTestDataSource)

	s.mcp.AddTool(mcp.NewTool("end_workflow",
		mcp.WithDescription("Close every connection opened for a workflow run"),
		mcp.WithString("workflowId", mcp.Description("Workflow run id"), mcp.Required()),
	), s.handleEndWorkflow)

	s.mcp.AddTool(mcp.NewTool("rate_limit_stats",
		mcp.WithDescription("Show in-flight and queued SQL executions"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleRateLimitStats)
}

type dataSourceSummary struct {
	Name string                `json:"name"`
	Type domain.DataSourceType `json:"type"`
}

func (s *Server) handleListDataSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names := s.sources.Names()
	out := make([]dataSourceSummary, 0, len(names))
	for _, n := range names {
		cfg, err := s.sources.Config(n)
		if err != nil {
			continue // closed since Names
		}
		out = append(out, dataSourceSummary{Name: n, Type: cfg.Type})
	}
	return jsonResult(out)
}

func (s *Server) queryOptions(req mcp.CallToolRequest) domain.QueryOptions {
	opts := domain.QueryOptions{
		MaxRows: req.GetInt("maxRows", s.defaultMaxRows),
		Timeout: s.defaultTimeout,
	}
	if ms := req.GetInt("timeoutMs", 0); ms > 0 {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}
	return opts
}

func (s *Server) handleRunSQL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	source := req.GetString("dataSource", "")
	query := req.GetString("sql", "")
	workflowID := req.GetString("workflowId", "")
	if source == "" || query == "" {
		return nil, fmt.Errorf("dataSource and sql are required")
	}
	if isWriteStatement(query) {
		return errorResult(&domain.ValidationError{Field: "sql", Message: "only read statements are allowed"}), nil
	}
	params, _ := args["params"].([]any)
	opts := s.queryOptions(req)

	start := time.Now()
	var (
		res *domain.QueryResult
		err error
	)
	if workflowID != "" {
		if s.workflows == nil {
			return errorResult(&domain.ValidationError{Field: "workflowId", Message: "workflow-scoped queries are not configured"}), nil
		}
		res, err = s.workflows.GetOrCreate(workflowID).Query(ctx, source, query, params, opts)
	} else {
		res, err = s.sources.Query(ctx, source, query, params, opts)
	}
	if err != nil {
		s.logger.Warn("run_sql failed",
			zap.String("datasource", source),
			zap.String("sql", truncate(query, 200)),
			zap.Error(err))
		return errorResult(err), nil
	}
	s.logger.Debug("run_sql",
		zap.String("datasource", source),
		zap.Int("rows", res.RowCount),
		zap.Bool("hasMoreRows", res.HasMoreRows),
		zap.Duration("elapsed", time.Since(start)))
	return jsonResult(res)
}

func (s *Server) handleTestDataSource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("dataSource", "")
	if name == "" {
		return nil, fmt.Errorf("dataSource is required")
	}
	ok, err := s.sources.TestDataSource(ctx, name)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"dataSource": name, "ok": ok})
}

func (s *Server) handleEndWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("workflowId", "")
	if id == "" {
		return nil, fmt.Errorf("workflowId is required")
	}
	if s.workflows == nil {
		return textResult("no workflow connections"), nil
	}
	if err := s.workflows.Release(ctx, id); err != nil {
		return errorResult(err), nil
	}
	return textResult("workflow " + id + " released"), nil
}

func (s *Server) handleRateLimitStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.limiter == nil {
		return textResult("rate limiting disabled"), nil
	}
	return jsonResult(s.limiter.Stats(ratelimit.SQLExecution))
}

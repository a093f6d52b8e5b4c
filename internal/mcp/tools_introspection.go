package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"sqlgateway/internal/service"
)

func (s *Server) registerIntrospectionTools() {
	source := mcp.WithString("dataSource", mcp.Description("Data source name"), mcp.Required())
	database := mcp.WithString("database", mcp.Description("Database (catalog/project) name"))
	schema := mcp.WithString("schema", mcp.Description("Schema (dataset) name"))

	s.mcp.AddTool(mcp.NewTool("get_databases",
		mcp.WithDescription("List databases of a data source"),
		mcp.WithReadOnlyHintAnnotation(true),
		source,
	), s.handleGetDatabases)

	s.mcp.AddTool(mcp.NewTool("get_schemas",
		mcp.WithDescription("List schemas; empty database means all"),
		mcp.WithReadOnlyHintAnnotation(true),
		source, database,
	), s.handleGetSchemas)

	s.mcp.AddTool(mcp.NewTool("get_tables",
		mcp.WithDescription("List tables; empty filters mean all"),
		mcp.WithReadOnlyHintAnnotation(true),
		source, database, schema,
	), s.handleGetTables)

	s.mcp.AddTool(mcp.NewTool("get_columns",
		mcp.WithDescription("List columns with types, nullability and keys"),
		mcp.WithReadOnlyHintAnnotation(true),
		source, database, schema,
		mcp.WithString("table", mcp.Description("Table name")),
	), s.handleGetColumns)

	s.mcp.AddTool(mcp.NewTool("get_views",
		mcp.WithDescription("List views with their definitions"),
		mcp.WithReadOnlyHintAnnotation(true),
		source, database, schema,
	), s.handleGetViews)

	s.mcp.AddTool(mcp.NewTool("get_table_statistics",
		mcp.WithDescription("Row count and per-column null/distinct counts, min/max and sample values"),
		mcp.WithReadOnlyHintAnnotation(true),
		source,
		mcp.WithString("database", mcp.Description("Database name"), mcp.Required()),
		mcp.WithString("schema", mcp.Description("Schema name"), mcp.Required()),
		mcp.WithString("table", mcp.Description("Table name"), mcp.Required()),
	), s.handleGetTableStatistics)

	s.mcp.AddTool(mcp.NewTool("get_full_introspection",
		mcp.WithDescription("Whole metadata tree of a data source, optionally narrowed by comma-separated allow-lists"),
		mcp.WithReadOnlyHintAnnotation(true),
		source,
		mcp.WithString("databases", mcp.Description("Comma-separated database names")),
		mcp.WithString("schemas", mcp.Description("Comma-separated schema names")),
		mcp.WithString("tables", mcp.Description("Comma-separated table names")),
		mcp.WithBoolean("includeStatistics", mcp.Description("Also collect table statistics (slow on large catalogs)")),
	), s.handleGetFullIntrospection)

	s.mcp.AddTool(mcp.NewTool("refresh_introspection",
		mcp.WithDescription("Drop cached metadata so the next call re-reads the catalog"),
		source,
	), s.handleRefreshIntrospection)
}

func requireSource(req mcp.CallToolRequest) (string, error) {
	name := req.GetString("dataSource", "")
	if name == "" {
		return "", fmt.Errorf("dataSource is required")
	}
	return name, nil
}

func (s *Server) handleGetDatabases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireSource(req)
	if err != nil {
		return nil, err
	}
	dbs, err := s.sources.GetDatabases(ctx, name)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(dbs)
}

func (s *Server) handleGetSchemas(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireSource(req)
	if err != nil {
		return nil, err
	}
	schemas, err := s.sources.GetSchemas(ctx, name, req.GetString("database", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(schemas)
}

func (s *Server) handleGetTables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireSource(req)
	if err != nil {
		return nil, err
	}
	tables, err := s.sources.GetTables(ctx, name, req.GetString("database", ""), req.GetString("schema", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(tables)
}

func (s *Server) handleGetColumns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireSource(req)
	if err != nil {
		return nil, err
	}
	cols, err := s.sources.GetColumns(ctx, name,
		req.GetString("database", ""), req.GetString("schema", ""), req.GetString("table", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(cols)
}

func (s *Server) handleGetViews(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireSource(req)
	if err != nil {
		return nil, err
	}
	views, err := s.sources.GetViews(ctx, name, req.GetString("database", ""), req.GetString("schema", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(views)
}

func (s *Server) handleGetTableStatistics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireSource(req)
	if err != nil {
		return nil, err
	}
	table := req.GetString("table", "")
	if table == "" {
		return nil, fmt.Errorf("table is required")
	}
	stats, err := s.sources.GetTableStatistics(ctx, name, req.GetString("database", ""), req.GetString("schema", ""), table)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleGetFullIntrospection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireSource(req)
	if err != nil {
		return nil, err
	}
	res, err := s.sources.GetFullIntrospection(ctx, name, service.IntrospectionOptions{
		Databases:         splitList(req.GetString("databases", "")),
		Schemas:           splitList(req.GetString("schemas", "")),
		Tables:            splitList(req.GetString("tables", "")),
		IncludeStatistics: req.GetBool("includeStatistics", false),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleRefreshIntrospection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireSource(req)
	if err != nil {
		return nil, err
	}
	if err := s.sources.RefreshIntrospection(ctx, name); err != nil {
		return errorResult(err), nil
	}
	return textResult("metadata cache cleared for " + name), nil
}

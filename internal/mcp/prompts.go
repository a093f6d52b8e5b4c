package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("explore_data_source",
		mcp.WithPromptDescription("Walk a data source's catalog before writing queries against it"),
		mcp.WithArgument("dataSource",
			mcp.ArgumentDescription("Data source name"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("question",
			mcp.ArgumentDescription("What the data should answer"),
		),
	), s.handleExplorePrompt)
}

func (s *Server) handleExplorePrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := req.Params.Arguments["dataSource"]
	question := req.Params.Arguments["question"]
	engine := "unknown"
	if cfg, err := s.sources.Config(name); err == nil {
		engine = string(cfg.Type)
	}
	if question == "" {
		question = "Summarize what data is available."
	}
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Explore data source %s", name),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Explore the data source "%s" (engine: %s) and answer: %s

1. Use get_tables (and get_views) to find candidate tables.
2. Use get_columns on the candidates to learn names and types.
3. Use get_table_statistics when value ranges or null rates matter.
4. Write read-only SQL in the %s dialect and run it with run_sql. Keep maxRows small
   while exploring; hasMoreRows tells you when results were cut off.`, name, engine, question, engine),
				},
			},
		},
	}, nil
}

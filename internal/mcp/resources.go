package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"sqlgateway/internal/service"
)

const (
	dataSourcesURI    = "sqlgateway://datasources"
	schemaURIPrefix   = "sqlgateway://datasource/"
	schemaURISuffix   = "/schema"
	schemaURITemplate = schemaURIPrefix + "{name}" + schemaURISuffix
)

func (s *Server) registerResources() {
	// ── sqlgateway://datasources ───────────────────────
	s.mcp.AddResource(mcp.NewResource(
		dataSourcesURI,
		"Data Sources",
		mcp.WithMIMEType("application/json"),
	), s.handleDataSourcesResource)

	// ── sqlgateway://datasource/{name}/schema ──────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			schemaURITemplate,
			"Data Source Schema",
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSchemaResource,
	)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleDataSourcesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	var summaries []dataSourceSummary
	for _, n := range s.sources.Names() {
		cfg, err := s.sources.Config(n)
		if err != nil {
			continue
		}
		summaries = append(summaries, dataSourceSummary{Name: n, Type: cfg.Type})
	}
	return jsonContents(dataSourcesURI, summaries)
}

// schemaResourceName extracts {name} from sqlgateway://datasource/{name}/schema.
func schemaResourceName(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, schemaURIPrefix)
	if !ok {
		return "", fmt.Errorf("unexpected resource uri %q", uri)
	}
	name, ok := strings.CutSuffix(rest, schemaURISuffix)
	if !ok || name == "" {
		return "", fmt.Errorf("unexpected resource uri %q", uri)
	}
	return name, nil
}

func (s *Server) handleSchemaResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	name, err := schemaResourceName(req.Params.URI)
	if err != nil {
		return nil, err
	}
	res, err := s.sources.GetFullIntrospection(ctx, name, service.IntrospectionOptions{})
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, res)
}

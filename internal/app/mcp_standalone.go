package app

import (
	"context"

	mcpserver "sqlgateway/internal/mcp"
)

// ServeMCP runs the gateway as an MCP server on stdin/stdout until the
// client disconnects. Startup must have succeeded.
func (a *App) ServeMCP(ctx context.Context) error {
	if err := a.StartBackground(ctx); err != nil {
		return err
	}
	srv := mcpserver.New(mcpserver.Deps{
		Logger:         a.logger.Named("mcp"),
		Sources:        a.sources,
		Workflows:      a.workflows,
		Limiter:        a.limiter,
		DefaultTimeout: a.cfg.QueryTimeout,
		DefaultMaxRows: a.cfg.QueryMaxRows,
		Notifier:       a.notifier,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.ServeStdio() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}

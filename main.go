package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"sqlgateway/internal/app"
	"sqlgateway/internal/config"
	"sqlgateway/internal/domain"
	"sqlgateway/internal/service"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := &cli.Command{
		Name:  "sqlgateway",
		Usage: "Vendor-neutral SQL gateway for agents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file to load before reading the environment",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			mcpCommand(),
			queryCommand(),
			introspectCommand(),
			testCommand(),
			dataSourceCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr so stdout stays free for MCP and results.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// withApp loads configuration, starts the gateway, runs fn and shuts down.
func withApp(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, a *app.App, cfg config.Config) error) error {
	cfg, err := config.Load(cmd.Root().String("env-file"))
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a := app.New(cfg, logger)
	if err := a.Startup(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()
	return fn(ctx, a, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dataSourceArg(cmd *cli.Command) (string, error) {
	name := cmd.Args().First()
	if name == "" {
		return "", fmt.Errorf("data source name is required")
	}
	return name, nil
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the gateway tools over MCP on stdin/stdout",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App, _ config.Config) error {
				return a.ServeMCP(ctx)
			})
		},
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Run a SQL statement against a data source",
		ArgsUsage: "<datasource> <sql>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-rows", Usage: "maximum rows to return (default from QUERY_DEFAULT_MAX_ROWS)"},
			&cli.DurationFlag{Name: "timeout", Usage: "query timeout (default from QUERY_DEFAULT_TIMEOUT)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := dataSourceArg(cmd)
			if err != nil {
				return err
			}
			sql := cmd.Args().Get(1)
			if sql == "" {
				return fmt.Errorf("sql is required")
			}
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App, cfg config.Config) error {
				opts := domain.QueryOptions{MaxRows: cfg.QueryMaxRows, Timeout: cfg.QueryTimeout}
				if n := cmd.Int("max-rows"); n > 0 {
					opts.MaxRows = int(n)
				}
				if d := cmd.Duration("timeout"); d > 0 {
					opts.Timeout = d
				}
				res, err := a.Sources().Query(ctx, name, sql, nil, opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func introspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "introspect",
		Usage:     "Print the metadata tree of a data source",
		ArgsUsage: "<datasource>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "database", Usage: "only these databases"},
			&cli.StringSliceFlag{Name: "schema", Usage: "only these schemas"},
			&cli.StringSliceFlag{Name: "table", Usage: "only these tables"},
			&cli.BoolFlag{Name: "stats", Usage: "include table statistics"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := dataSourceArg(cmd)
			if err != nil {
				return err
			}
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App, _ config.Config) error {
				res, err := a.Sources().GetFullIntrospection(ctx, name, service.IntrospectionOptions{
					Databases:         cmd.StringSlice("database"),
					Schemas:           cmd.StringSlice("schema"),
					Tables:            cmd.StringSlice("table"),
					IncludeStatistics: cmd.Bool("stats"),
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func testCommand() *cli.Command {
	return &cli.Command{
		Name:      "test",
		Usage:     "Check that a data source accepts connections",
		ArgsUsage: "<datasource>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := dataSourceArg(cmd)
			if err != nil {
				return err
			}
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App, _ config.Config) error {
				ok, err := a.Sources().TestDataSource(ctx, name)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: connection check failed", name)
				}
				fmt.Println(name + ": ok")
				return nil
			})
		},
	}
}

func dataSourceCommand() *cli.Command {
	return &cli.Command{
		Name:  "datasource",
		Usage: "Manage stored data sources",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Store a data source; credentials go to the secret store",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "engine: " + engineList(), Required: true},
					&cli.StringFlag{Name: "credentials", Usage: "credentials JSON, or @file to read it from a file", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					name, err := dataSourceArg(cmd)
					if err != nil {
						return err
					}
					raw, err := readCredentials(cmd.String("credentials"))
					if err != nil {
						return err
					}
					typ := domain.DataSourceType(cmd.String("type"))
					creds, err := domain.ParseCredentials(typ, raw)
					if err != nil {
						return err
					}
					return withApp(ctx, cmd, func(ctx context.Context, a *app.App, _ config.Config) error {
						view, err := a.AddDataSource(ctx, domain.DataSourceConfig{Name: name, Type: typ, Credentials: creds})
						if err != nil {
							return err
						}
						return printJSON(view)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List data sources",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app.App, _ config.Config) error {
						views, err := a.ListDataSources()
						if err != nil {
							return err
						}
						return printJSON(views)
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete a stored data source and its credentials",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					name, err := dataSourceArg(cmd)
					if err != nil {
						return err
					}
					return withApp(ctx, cmd, func(ctx context.Context, a *app.App, _ config.Config) error {
						return a.RemoveDataSource(name)
					})
				},
			},
		},
	}
}

func engineList() string {
	s := ""
	for i, t := range domain.DataSourceTypes {
		if i > 0 {
			s += ", "
		}
		s += string(t)
	}
	return s
}

func readCredentials(v string) ([]byte, error) {
	if len(v) > 1 && v[0] == '@' {
		return os.ReadFile(v[1:])
	}
	return []byte(v), nil
}

package dbclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"sqlgateway/internal/cancellation"
	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// Adapter is the engine-neutral contract every data source implements.
//
// Lifecycle: new -> connected (Initialize) -> closed (Close). Query before
// Initialize or after Close fails with domain.ErrNotConnected without any I/O.
type Adapter interface {
	Type() domain.DataSourceType

	// Initialize validates credentials (before any I/O) and connects.
	Initialize(ctx context.Context, creds domain.Credentials) error

	// Query runs sql with positional ? params. At most opts.MaxRows rows are
	// returned; HasMoreRows reports whether the engine had more.
	Query(ctx context.Context, sql string, params []any, opts domain.QueryOptions) (*domain.QueryResult, error)

	// TestConnection reports whether the connection is usable. It never fails.
	TestConnection(ctx context.Context) bool

	Introspector() introspect.Introspector

	// Close releases the connection. It is idempotent.
	Close() error
}

// CancellableAdapter can plan executions that are cancelled from outside.
type CancellableAdapter interface {
	Adapter
	CreateCancellableQuery(sql string, params []any, opts domain.QueryOptions) *cancellation.Query
	IsQueryCancellable() bool
}

// Factory builds adapters keyed on the engine tag. It owns the Snowflake warm
// connection pool shared by every adapter it builds.
type Factory struct {
	logger         *zap.Logger
	pool           *WarmPool
	introspectOpts []introspect.Option
}

type FactoryOption func(*Factory)

func WithLogger(l *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithWarmPool replaces the default Snowflake pool.
func WithWarmPool(p *WarmPool) FactoryOption {
	return func(f *Factory) {
		if p != nil {
			f.pool = p
		}
	}
}

// WithIntrospection passes options (cache backend, TTL) to every introspector.
func WithIntrospection(opts ...introspect.Option) FactoryOption {
	return func(f *Factory) {
		f.introspectOpts = append(f.introspectOpts, opts...)
	}
}

func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{logger: zap.NewNop()}
	for _, o := range opts {
		o(f)
	}
	if f.pool == nil {
		f.pool = NewWarmPool(DefaultPoolSize, DefaultIdleTimeout, f.logger)
	}
	f.introspectOpts = append([]introspect.Option{introspect.WithLogger(f.logger)}, f.introspectOpts...)
	return f
}

// NewAdapter returns an unconnected adapter for t.
func (f *Factory) NewAdapter(t domain.DataSourceType) (Adapter, error) {
	switch t {
	case domain.DataSourceSnowflake:
		return newSnowflakeAdapter(f.pool, f.logger, f.introspectOpts), nil
	case domain.DataSourceBigQuery:
		return newBigQueryAdapter(f.logger, f.introspectOpts), nil
	case domain.DataSourcePostgreSQL:
		return newPostgresAdapter(f.logger, f.introspectOpts), nil
	case domain.DataSourceRedshift:
		return newRedshiftAdapter(f.logger, f.introspectOpts), nil
	case domain.DataSourceMySQL:
		return newMySQLAdapter(f.logger, f.introspectOpts), nil
	case domain.DataSourceSQLServer:
		return newSQLServerAdapter(f.logger, f.introspectOpts), nil
	case domain.DataSourceDatabricks:
		return newDatabricksAdapter(f.logger, f.introspectOpts), nil
	case domain.DataSourceMotherDuck:
		return newMotherDuckAdapter(f.logger, f.introspectOpts), nil
	case domain.DataSourceSQLite:
		return newSQLiteAdapter(f.logger, f.introspectOpts), nil
	default:
		return nil, &domain.ValidationError{Field: "type", Message: fmt.Sprintf("unsupported data source type %q", t)}
	}
}

// Connect validates cfg, builds its adapter and initializes it.
func (f *Factory) Connect(ctx context.Context, cfg domain.DataSourceConfig) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a, err := f.NewAdapter(cfg.Type)
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx, cfg.Credentials); err != nil {
		return nil, err
	}
	return a, nil
}

// Close tears down every pooled connection.
func (f *Factory) Close() error {
	return f.pool.Close()
}

// credentialsAs checks that creds belongs to engine and returns the concrete
// variant. It performs no I/O.
func credentialsAs[T domain.Credentials](engine domain.DataSourceType, creds domain.Credentials) (T, error) {
	var zero T
	required := &domain.ValidationError{Field: "credentials", Message: fmt.Sprintf("%s: credentials are required", engine)}
	if creds == nil {
		return zero, required
	}
	var c T
	switch v := any(creds).(type) {
	case T:
		c = v
	case *T:
		if v == nil {
			return zero, required
		}
		c = *v
	default:
		return zero, &domain.ValidationError{Field: "type", Message: fmt.Sprintf("%s adapter cannot use %T credentials", engine, creds)}
	}
	if c.Type() != engine {
		return zero, &domain.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("%s adapter cannot use %s credentials", engine, c.Type()),
		}
	}
	if err := c.Validate(); err != nil {
		return zero, err
	}
	return c, nil
}

// fingerprint identifies a connection target without exposing its secrets.
func fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

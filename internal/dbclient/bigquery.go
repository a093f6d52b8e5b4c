package dbclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"sqlgateway/internal/cancellation"
	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// bigQueryAdapter runs query jobs through the BigQuery client. Rows are
// paged with the fetch size capped at the batch size, and reading stops as
// soon as the extra row past MaxRows arrives.
type bigQueryAdapter struct {
	logger    *zap.Logger
	introOpts []introspect.Option

	mu     sync.RWMutex
	state  lifecycle
	client *bigquery.Client
	creds  domain.BigQueryCredentials
	intro  introspect.Introspector
}

func newBigQueryAdapter(logger *zap.Logger, introOpts []introspect.Option) *bigQueryAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &bigQueryAdapter{
		logger:    logger.With(zap.String("engine", string(domain.DataSourceBigQuery))),
		introOpts: introOpts,
	}
}

func (a *bigQueryAdapter) Type() domain.DataSourceType { return domain.DataSourceBigQuery }

func (a *bigQueryAdapter) Initialize(ctx context.Context, creds domain.Credentials) (err error) {
	if err := claimInit(&a.mu, &a.state, domain.DataSourceBigQuery); err != nil {
		return err
	}
	defer finishInit(&a.mu, &a.state, &err)

	c, err := credentialsAs[domain.BigQueryCredentials](domain.DataSourceBigQuery, creds)
	if err != nil {
		return err
	}
	var opts []option.ClientOption
	switch {
	case len(c.ServiceAccountKey) > 0:
		opts = append(opts, option.WithCredentialsJSON(c.ServiceAccountKey))
	case c.KeyFilePath != "":
		opts = append(opts, option.WithCredentialsFile(c.KeyFilePath))
	}
	client, err := bigquery.NewClient(ctx, c.ProjectID, opts...)
	if err != nil {
		return &domain.ConnectionError{DataSource: domain.DataSourceBigQuery, Cause: err}
	}
	if c.Location != "" {
		client.Location = c.Location
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := a.run(pctx, client, c, "SELECT 1", nil, domain.QueryOptions{MaxRows: 1}, nil); err != nil {
		client.Close()
		return &domain.ConnectionError{DataSource: domain.DataSourceBigQuery, Cause: err}
	}

	a.mu.Lock()
	if a.state != stateConnecting {
		a.mu.Unlock()
		client.Close()
		return domain.ErrNotConnected
	}
	a.client = client
	a.creds = c
	a.intro = introspect.NewDirect(a, bigQueryScoped(c), bigQueryDialect(), a.introOpts...)
	a.state = stateConnected
	a.mu.Unlock()
	a.logger.Info("connected", zap.String("project", c.ProjectID), zap.String("location", c.Location))
	return nil
}

func (a *bigQueryAdapter) handle() (*bigquery.Client, domain.BigQueryCredentials, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != stateConnected || a.client == nil {
		return nil, domain.BigQueryCredentials{}, domain.ErrNotConnected
	}
	return a.client, a.creds, nil
}

func (a *bigQueryAdapter) Query(ctx context.Context, query string, params []any, opts domain.QueryOptions) (*domain.QueryResult, error) {
	client, c, err := a.handle()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := withTimeout(ctx, query, opts.EffectiveTimeout(), false, func(ctx context.Context) (*domain.QueryResult, error) {
		return a.run(ctx, client, c, query, params, opts, nil)
	})
	if err != nil {
		a.logger.Debug("query failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, err
	}
	a.logger.Debug("query",
		zap.Int("rows", res.RowCount),
		zap.Bool("hasMoreRows", res.HasMoreRows),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// run submits one query job. onJob, when set, receives the job as soon as it
// exists so it can be cancelled.
func (a *bigQueryAdapter) run(ctx context.Context, client *bigquery.Client, c domain.BigQueryCredentials,
	query string, params []any, opts domain.QueryOptions, onJob func(*bigquery.Job)) (*domain.QueryResult, error) {
	stmt, named := namedParams(query, params)
	q := client.Query(stmt)
	for _, p := range named {
		q.Parameters = append(q.Parameters, bigquery.QueryParameter{Name: p.Name, Value: p.Value})
	}
	q.DefaultProjectID = c.ProjectID
	q.DefaultDatasetID = c.DefaultDataset
	q.Location = c.Location
	q.JobTimeout = opts.EffectiveTimeout()

	job, err := q.Run(ctx)
	if err != nil {
		return nil, err
	}
	if onJob != nil {
		onJob(job)
	}
	it, err := job.Read(ctx)
	if err != nil {
		return nil, err
	}
	it.PageInfo().MaxSize = opts.BatchSize()

	limit := opts.FetchLimit()
	rows := make([]domain.Row, 0)
	for limit == 0 || len(rows) < limit {
		var vals []bigquery.Value
		err := it.Next(&vals)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(domain.Row, len(it.Schema))
		for i, f := range it.Schema {
			if i < len(vals) {
				row[f.Name] = bigQueryValue(vals[i], f)
			}
		}
		rows = append(rows, row)
	}
	return domain.NewQueryResult(rows, bigQueryFields(it.Schema), opts.MaxRows), nil
}

func (a *bigQueryAdapter) TestConnection(ctx context.Context) bool {
	client, c, err := a.handle()
	if err != nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := a.run(pctx, client, c, "SELECT 1", nil, domain.QueryOptions{MaxRows: 1}, nil); err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	return true
}

func (a *bigQueryAdapter) Introspector() introspect.Introspector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.intro == nil {
		return disconnected{}
	}
	return a.intro
}

func (a *bigQueryAdapter) Close() error {
	a.mu.Lock()
	if a.state == stateClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = stateClosed
	client := a.client
	a.client = nil
	a.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}

func (a *bigQueryAdapter) IsQueryCancellable() bool { return true }

// CreateCancellableQuery plans query so that a cancel aborts the query job
// server side.
func (a *bigQueryAdapter) CreateCancellableQuery(query string, params []any, opts domain.QueryOptions) *cancellation.Query {
	jc := &jobCanceller{}
	exec := func(ctx context.Context) (*domain.QueryResult, error) {
		client, c, err := a.handle()
		if err != nil {
			return nil, err
		}
		res, err := a.run(ctx, client, c, query, params, opts, jc.set)
		if err != nil {
			return nil, domain.WrapQueryError(query, err)
		}
		return res, nil
	}
	return cancellation.NewQuery(query, exec, jc).OnTimeout(opts.EffectiveTimeout())
}

// jobCanceller cancels the query job once it has been created.
type jobCanceller struct {
	mu  sync.Mutex
	job *bigquery.Job
}

func (j *jobCanceller) set(job *bigquery.Job) {
	j.mu.Lock()
	j.job = job
	j.mu.Unlock()
}

func (j *jobCanceller) Cancel(ctx context.Context) error {
	j.mu.Lock()
	job := j.job
	j.mu.Unlock()
	if job == nil {
		return nil
	}
	if err := job.Cancel(ctx); err != nil {
		return fmt.Errorf("cancel job %s: %w", job.ID(), err)
	}
	return nil
}

func bigQueryFields(schema bigquery.Schema) []domain.FieldMetadata {
	fields := make([]domain.FieldMetadata, len(schema))
	for i, f := range schema {
		fm := domain.FieldMetadata{
			Name:     f.Name,
			Type:     normalizeType(string(f.Type)),
			Nullable: !f.Required,
		}
		if f.Repeated {
			fm.Type = TypeArray
		}
		if f.MaxLength > 0 {
			l := f.MaxLength
			fm.Length = &l
		}
		if f.Precision > 0 {
			p, s := f.Precision, f.Scale
			fm.Precision, fm.Scale = &p, &s
		}
		fields[i] = fm
	}
	return fields
}

// bigQueryValue flattens client values: repeated fields become slices,
// records become maps and civil dates and times become their ISO strings.
func bigQueryValue(v bigquery.Value, f *bigquery.FieldSchema) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []bigquery.Value:
		if f.Repeated {
			elem := *f
			elem.Repeated = false
			out := make([]any, len(val))
			for i, e := range val {
				out[i] = bigQueryValue(e, &elem)
			}
			return out
		}
		rec := make(map[string]any, len(val))
		for i, sub := range f.Schema {
			if i < len(val) {
				rec[sub.Name] = bigQueryValue(val[i], sub)
			}
		}
		return rec
	case time.Time:
		return val.Format(time.RFC3339)
	case *big.Rat:
		fl, _ := val.Float64()
		return fl
	case []byte:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}

func bigQueryQuote(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "\\`") + "`"
}

func bigQueryDialect() introspect.Dialect {
	return introspect.Dialect{QuoteIdent: bigQueryQuote, TextType: "STRING"}
}

// bigQueryScoped treats the project as the only database and datasets as
// schemas. Cross-dataset listings go through the region INFORMATION_SCHEMA.
func bigQueryScoped(c domain.BigQueryCredentials) introspect.ScopedQueries {
	region := "region-us"
	if c.Location != "" {
		region = "region-" + strings.ToLower(c.Location)
	}
	from := func(project, dataset, view string) string {
		if project == "" {
			project = c.ProjectID
		}
		if dataset == "" {
			dataset = region
		}
		return bigQueryQuote(project) + "." + bigQueryQuote(dataset) + ".INFORMATION_SCHEMA." + view
	}
	return introspect.ScopedQueries{
		ListDatabases: func(context.Context) ([]domain.Database, error) {
			return []domain.Database{{Name: c.ProjectID}}, nil
		},

		Schemas: func(project string) (string, []any) {
			return `SELECT catalog_name AS database_name, schema_name
				FROM ` + from(project, "", "SCHEMATA") + ` ORDER BY schema_name`, nil
		},

		Tables: func(project, dataset string) (string, []any) {
			f := newFilter("table_type <> 'VIEW'")
			return `SELECT table_catalog AS database_name, table_schema AS schema_name,
					table_name, table_type
				FROM ` + from(project, dataset, "TABLES") + f.where() + `
				ORDER BY table_schema, table_name`, f.args
		},

		Columns: func(project, dataset, table string) (string, []any) {
			f := newFilter()
			f.eq("table_name", table)
			return `SELECT table_catalog AS database_name, table_schema AS schema_name,
					table_name, column_name, data_type, is_nullable, ordinal_position,
					column_default
				FROM ` + from(project, dataset, "COLUMNS") + f.where() + `
				ORDER BY table_schema, table_name, ordinal_position`, f.args
		},

		Views: func(project, dataset string) (string, []any) {
			return `SELECT table_catalog AS database_name, table_schema AS schema_name,
					table_name AS view_name, view_definition
				FROM ` + from(project, dataset, "VIEWS") + `
				ORDER BY table_schema, table_name`, nil
		},
	}
}

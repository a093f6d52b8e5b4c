package introspect_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// ─────────────────────────────────────────────────────────────
// Fake querier
// ─────────────────────────────────────────────────────────────

type fakeQuerier struct {
	mu      sync.Mutex
	results map[string]*domain.QueryResult // keyed by statement prefix
	errs    map[string]error
	calls   []string
	delay   time.Duration
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		results: make(map[string]*domain.QueryResult),
		errs:    make(map[string]error),
	}
}

func (f *fakeQuerier) on(prefix string, rows ...domain.Row) {
	f.results[prefix] = &domain.QueryResult{Rows: rows, RowCount: len(rows)}
}

func (f *fakeQuerier) fail(prefix string, err error) {
	f.errs[prefix] = err
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, params []any, opts domain.QueryOptions) (*domain.QueryResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sql)
	for prefix, err := range f.errs {
		if strings.HasPrefix(sql, prefix) {
			return nil, err
		}
	}
	for prefix, res := range f.results {
		if strings.HasPrefix(sql, prefix) {
			return res, nil
		}
	}
	return &domain.QueryResult{Rows: []domain.Row{}}, nil
}

func (f *fakeQuerier) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var catalog = introspect.CatalogQueries{
	Databases: "DBS",
	Schemas:   "SCHEMAS",
	Tables:    "TABLES",
	Columns:   "COLUMNS",
	Views:     "VIEWS",
}

func seededQuerier() *fakeQuerier {
	q := newFakeQuerier()
	q.on("DBS", domain.Row{"database_name": "shop"})
	q.on("SCHEMAS",
		domain.Row{"database_name": "shop", "schema_name": "public"},
		domain.Row{"database_name": "shop", "schema_name": "audit"})
	q.on("TABLES",
		domain.Row{"database_name": "shop", "schema_name": "public", "table_name": "orders", "table_type": "BASE TABLE", "row_count": int64(42)},
		domain.Row{"database_name": "shop", "schema_name": "audit", "table_name": "events", "table_type": "BASE TABLE"})
	q.on("COLUMNS",
		domain.Row{"DATABASE_NAME": "shop", "SCHEMA_NAME": "public", "TABLE_NAME": "orders", "COLUMN_NAME": "id", "DATA_TYPE": "integer", "IS_NULLABLE": "NO", "ORDINAL_POSITION": int64(1)},
		domain.Row{"DATABASE_NAME": "shop", "SCHEMA_NAME": "public", "TABLE_NAME": "orders", "COLUMN_NAME": "note", "DATA_TYPE": "text", "IS_NULLABLE": "YES", "ORDINAL_POSITION": "2"})
	q.on("VIEWS", domain.Row{"database_name": "shop", "schema_name": "public", "view_name": "recent_orders"})
	return q
}

// ─────────────────────────────────────────────────────────────
// Cached
// ─────────────────────────────────────────────────────────────

func TestCached_SecondCallWithinTTLHitsCache(t *testing.T) {
	q := seededQuerier()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	in := introspect.NewCached("pg:shop", q, catalog, introspect.ANSIDialect(), introspect.WithClock(clk.Now))

	ctx := context.Background()
	_, err := in.GetTables(ctx, "", "")
	require.NoError(t, err)
	clk.Advance(4 * time.Minute)
	_, err = in.GetTables(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, q.count("TABLES"))

	clk.Advance(2 * time.Minute)
	_, err = in.GetTables(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, q.count("TABLES"), "expired snapshot is re-fetched wholesale")
	assert.Equal(t, 2, q.count("COLUMNS"))
}

func TestCached_FiltersInMemory(t *testing.T) {
	in := introspect.NewCached("k", seededQuerier(), catalog, introspect.ANSIDialect())
	ctx := context.Background()

	tables, err := in.GetTables(ctx, "shop", "public")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "orders", tables[0].Name)
	require.NotNil(t, tables[0].RowCount)
	assert.Equal(t, int64(42), *tables[0].RowCount)

	schemas, err := in.GetSchemas(ctx, "SHOP")
	require.NoError(t, err)
	assert.Len(t, schemas, 2)

	cols, err := in.GetColumns(ctx, "shop", "public", "orders")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "id", cols[0].Name)
	assert.False(t, cols[0].Nullable)
	assert.Equal(t, 2, cols[1].Ordinal)
	assert.True(t, cols[1].Nullable)

	views, err := in.GetViews(ctx, "shop", "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "recent_orders", views[0].Name)

	none, err := in.GetTables(ctx, "other", "")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestCached_SubFetchFailureDegradesAndIsNotCached(t *testing.T) {
	q := seededQuerier()
	q.fail("VIEWS", errors.New("permission denied"))
	in := introspect.NewCached("k", q, catalog, introspect.ANSIDialect())
	ctx := context.Background()

	tables, err := in.GetTables(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, tables, 2)

	views, err := in.GetViews(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Equal(t, 2, q.count("TABLES"), "incomplete snapshots are retried")
}

func TestCached_NotConnectedSurfaces(t *testing.T) {
	q := newFakeQuerier()
	q.fail("DBS", domain.ErrNotConnected)
	in := introspect.NewCached("k", q, catalog, introspect.ANSIDialect())

	_, err := in.GetDatabases(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestCached_ConcurrentMissesShareOneFetch(t *testing.T) {
	q := seededQuerier()
	q.delay = 5 * time.Millisecond
	in := introspect.NewCached("k", q, catalog, introspect.ANSIDialect())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := in.GetTables(context.Background(), "", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, q.count("TABLES"))
}

func TestCached_Refresh(t *testing.T) {
	q := seededQuerier()
	in := introspect.NewCached("k", q, catalog, introspect.ANSIDialect())
	ctx := context.Background()

	_, err := in.GetDatabases(ctx)
	require.NoError(t, err)
	require.NoError(t, in.Refresh(ctx))
	_, err = in.GetDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, q.count("DBS"))
}

func TestCached_SharedBigcacheStore(t *testing.T) {
	ctx := context.Background()
	store, err := introspect.NewBigcacheStore(ctx, time.Minute)
	require.NoError(t, err)

	q := seededQuerier()
	first := introspect.NewCached("shared", q, catalog, introspect.ANSIDialect(), introspect.WithCache(store))
	second := introspect.NewCached("shared", q, catalog, introspect.ANSIDialect(), introspect.WithCache(store))

	_, err = first.GetTables(ctx, "", "")
	require.NoError(t, err)
	tables, err := second.GetTables(ctx, "shop", "public")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "orders", tables[0].Name)
	assert.Equal(t, 1, q.count("TABLES"))
}

// ─────────────────────────────────────────────────────────────
// Direct
// ─────────────────────────────────────────────────────────────

func scoped() introspect.ScopedQueries {
	return introspect.ScopedQueries{
		Databases: "DBS",
		Tables: func(database, schema string) (string, []any) {
			return "TABLES IN " + database, []any{schema}
		},
		Columns: func(database, schema, table string) (string, []any) {
			return "COLUMNS IN " + database, []any{schema, table}
		},
	}
}

func TestDirect_FansOutOverDatabasesAndSkipsFailures(t *testing.T) {
	q := newFakeQuerier()
	q.on("DBS", domain.Row{"database_name": "a"}, domain.Row{"database_name": "b"})
	q.on("TABLES IN a", domain.Row{"schema_name": "s", "table_name": "t1"})
	q.fail("TABLES IN b", errors.New("access denied"))

	in := introspect.NewDirect(q, scoped(), introspect.ANSIDialect())
	tables, err := in.GetTables(context.Background(), "", "s")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "a", tables[0].Database, "database filled from scope")
	assert.Equal(t, 1, q.count("TABLES IN b"))
}

func TestDirect_ExplicitDatabaseSurfacesError(t *testing.T) {
	q := newFakeQuerier()
	q.fail("TABLES IN b", errors.New("access denied"))

	in := introspect.NewDirect(q, scoped(), introspect.ANSIDialect())
	_, err := in.GetTables(context.Background(), "b", "")
	assert.Error(t, err)
	assert.Zero(t, q.count("DBS"))
}

func TestDirect_EveryCallQueries(t *testing.T) {
	q := newFakeQuerier()
	in := introspect.NewDirect(q, scoped(), introspect.ANSIDialect())
	ctx := context.Background()
	_, _ = in.GetTables(ctx, "a", "")
	_, _ = in.GetTables(ctx, "a", "")
	assert.Equal(t, 2, q.count("TABLES IN a"))

	views, err := in.GetViews(ctx, "a", "")
	require.NoError(t, err)
	assert.Empty(t, views)
}

// ─────────────────────────────────────────────────────────────
// Statistics
// ─────────────────────────────────────────────────────────────

func TestStatisticsSQL_OneQueryForAllColumns(t *testing.T) {
	cols := []domain.Column{
		{Name: "id", DataType: "integer"},
		{Name: "name", DataType: "text"},
		{Name: "created_at", DataType: "timestamp"},
	}
	sql := introspect.StatisticsSQL(introspect.ANSIDialect(), "", "public", "orders", cols)

	assert.Equal(t, 2, strings.Count(sql, " UNION ALL "))
	assert.Contains(t, sql, `FROM "public"."orders"`)
	assert.Contains(t, sql, `CAST(MIN("id") AS VARCHAR)`)
	assert.Contains(t, sql, `CAST(MAX("created_at") AS VARCHAR)`)
	assert.NotContains(t, sql, `MIN("name")`)
}

func TestSampleSQL(t *testing.T) {
	cols := []domain.Column{{Name: "id"}, {Name: `we"ird`}}
	sql := introspect.SampleSQL(introspect.ANSIDialect(), "", "s", "t", cols)
	assert.Equal(t, `SELECT "id", "we""ird" FROM "s"."t" LIMIT 5`, sql)
}

func TestGetTableStatistics(t *testing.T) {
	q := seededQuerier()
	q.on("SELECT 'id'",
		domain.Row{"column_name": "id", "total_count": int64(3), "distinct_count": int64(3), "null_count": int64(0), "min_value": "1", "max_value": "3"},
		domain.Row{"column_name": "note", "total_count": int64(3), "distinct_count": int64(2), "null_count": int64(1), "min_value": nil, "max_value": nil})
	q.on(`SELECT "id", "note"`,
		domain.Row{"id": int64(1), "note": strings.Repeat("x", 150)},
		domain.Row{"id": int64(2), "note": nil})

	in := introspect.NewCached("k", q, catalog, introspect.ANSIDialect())
	stats, err := in.GetTableStatistics(context.Background(), "shop", "public", "orders")
	require.NoError(t, err)

	require.NotNil(t, stats.RowCount)
	assert.Equal(t, int64(3), *stats.RowCount)
	require.Len(t, stats.Columns, 2)
	assert.Equal(t, int64(3), *stats.Columns[0].DistinctCount)
	assert.Equal(t, "1", stats.Columns[0].Min)
	assert.Equal(t, []any{int64(1), int64(2)}, stats.Columns[0].SampleValues)
	assert.Equal(t, int64(1), *stats.Columns[1].NullCount)
	require.Len(t, stats.Columns[1].SampleValues, 1)
	assert.Len(t, stats.Columns[1].SampleValues[0], 100)
}

func TestGetTableStatistics_DegradesOnFailure(t *testing.T) {
	q := seededQuerier()
	q.fail("SELECT 'id'", errors.New("could not identify an equality operator for type json"))

	in := introspect.NewCached("k", q, catalog, introspect.ANSIDialect())
	stats, err := in.GetTableStatistics(context.Background(), "shop", "public", "orders")
	require.NoError(t, err)
	require.Len(t, stats.Columns, 2)
	assert.Equal(t, "id", stats.Columns[0].Column)
	assert.Nil(t, stats.Columns[0].DistinctCount)
	assert.Nil(t, stats.RowCount)
}

func TestGetTableStatistics_SampleFailureKeepsCounts(t *testing.T) {
	q := seededQuerier()
	q.on("SELECT 'id'",
		domain.Row{"column_name": "id", "total_count": int64(3), "distinct_count": int64(3), "null_count": int64(0), "min_value": "1", "max_value": "3"})
	q.fail(`SELECT "id", "note"`, errors.New("permission denied for table orders"))

	in := introspect.NewCached("k", q, catalog, introspect.ANSIDialect())
	stats, err := in.GetTableStatistics(context.Background(), "shop", "public", "orders")
	require.NoError(t, err)

	require.NotNil(t, stats.RowCount)
	assert.Equal(t, int64(3), *stats.RowCount)
	require.Len(t, stats.Columns, 2)
	assert.Equal(t, int64(3), *stats.Columns[0].DistinctCount)
	assert.Equal(t, "3", stats.Columns[0].Max)
	assert.Empty(t, stats.Columns[0].SampleValues)
}

func TestGetTableStatistics_TruncatesOnRuneBoundary(t *testing.T) {
	q := seededQuerier()
	q.on(`SELECT "id", "note"`, domain.Row{"id": int64(1), "note": strings.Repeat("é", 150)})

	in := introspect.NewCached("k", q, catalog, introspect.ANSIDialect())
	stats, err := in.GetTableStatistics(context.Background(), "shop", "public", "orders")
	require.NoError(t, err)

	require.Len(t, stats.Columns[1].SampleValues, 1)
	got := stats.Columns[1].SampleValues[0].(string)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 100, utf8.RuneCountInString(got))
}

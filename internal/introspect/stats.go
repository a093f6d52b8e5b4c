package introspect

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sqlgateway/internal/domain"
)

const (
	sampleSize      = 5
	sampleMaxLength = 100
)

// Dialect renders the engine-specific pieces of the statistics queries.
type Dialect struct {
	// QuoteIdent quotes one identifier.
	QuoteIdent func(string) string
	// TableRef renders a fully qualified table reference from raw names.
	TableRef func(database, schema, table string) string
	// TextType is the cast target for min/max values.
	TextType string
	// Limit wraps a SELECT so it returns at most n rows.
	Limit func(selectList, from string, n int) string
}

// ANSIDialect uses double-quoted identifiers and LIMIT.
func ANSIDialect() Dialect {
	return Dialect{
		QuoteIdent: func(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` },
		TextType:   "VARCHAR",
		Limit:      limitClause,
	}
}

func limitClause(selectList, from string, n int) string {
	return fmt.Sprintf("SELECT %s FROM %s LIMIT %d", selectList, from, n)
}

func (d Dialect) tableRef(database, schema, table string) string {
	if d.TableRef != nil {
		return d.TableRef(database, schema, table)
	}
	var parts []string
	for _, p := range []string{database, schema, table} {
		if p != "" {
			parts = append(parts, d.QuoteIdent(p))
		}
	}
	return strings.Join(parts, ".")
}

func (d Dialect) limit(selectList, from string, n int) string {
	if d.Limit != nil {
		return d.Limit(selectList, from, n)
	}
	return limitClause(selectList, from, n)
}

// minMaxTypes are type-name fragments for which MIN and MAX are meaningful.
var minMaxTypes = []string{
	"int", "numeric", "decimal", "number", "fixed", "float", "double", "real",
	"money", "date", "time",
}

func supportsMinMax(dataType string) bool {
	t := strings.ToLower(dataType)
	for _, frag := range minMaxTypes {
		if strings.Contains(t, frag) {
			return true
		}
	}
	return false
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// StatisticsSQL builds one UNION ALL query returning a row per column with
// total, distinct and null counts plus min/max for ordered types.
func StatisticsSQL(d Dialect, database, schema, table string, columns []domain.Column) string {
	from := d.tableRef(database, schema, table)
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		q := d.QuoteIdent(c.Name)
		minMax := fmt.Sprintf("CAST(NULL AS %s) AS min_value, CAST(NULL AS %s) AS max_value", d.TextType, d.TextType)
		if supportsMinMax(c.DataType) {
			minMax = fmt.Sprintf("CAST(MIN(%s) AS %s) AS min_value, CAST(MAX(%s) AS %s) AS max_value", q, d.TextType, q, d.TextType)
		}
		parts = append(parts, fmt.Sprintf(
			"SELECT %s AS column_name, COUNT(*) AS total_count, COUNT(DISTINCT %s) AS distinct_count, COUNT(*) - COUNT(%s) AS null_count, %s FROM %s",
			quoteLiteral(c.Name), q, q, minMax, from))
	}
	return strings.Join(parts, " UNION ALL ")
}

// SampleSQL selects the first few rows of the given columns.
func SampleSQL(d Dialect, database, schema, table string, columns []domain.Column) string {
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, d.QuoteIdent(c.Name))
	}
	return d.limit(strings.Join(cols, ", "), d.tableRef(database, schema, table), sampleSize)
}

// collectStatistics runs the statistics and sample queries. When either fails
// the result degrades to column names only and a warning is logged.
func collectStatistics(ctx context.Context, q Querier, d Dialect, logger *zap.Logger, database, schema, table string, columns []domain.Column) *domain.TableStatistics {
	out := &domain.TableStatistics{Database: database, Schema: schema, Table: table}
	if len(columns) == 0 {
		return out
	}

	degraded := func(scope string, err error) *domain.TableStatistics {
		logger.Warn("table statistics degraded",
			zap.Error(&domain.IntrospectionWarning{Scope: scope, Cause: err}))
		out.RowCount = nil
		out.Columns = make([]domain.ColumnStatistics, 0, len(columns))
		for _, c := range columns {
			out.Columns = append(out.Columns, domain.ColumnStatistics{Column: c.Name})
		}
		return out
	}

	scope := strings.Trim(strings.Join([]string{database, schema, table}, "."), ".")

	res, err := q.Query(ctx, StatisticsSQL(d, database, schema, table, columns), nil, metadataOptions())
	if err != nil {
		return degraded(scope, err)
	}
	byName := make(map[string]domain.Row, len(res.Rows))
	for _, r := range res.Rows {
		byName[strings.ToLower(str(r, "column_name"))] = r
	}

	var samples []domain.Row
	sample, err := q.Query(ctx, SampleSQL(d, database, schema, table, columns), nil, domain.QueryOptions{MaxRows: sampleSize, Timeout: metadataTimeout})
	if err != nil {
		logger.Warn("table sample skipped",
			zap.Error(&domain.IntrospectionWarning{Scope: scope, Cause: err}))
	} else {
		samples = sample.Rows
	}

	for _, c := range columns {
		cs := domain.ColumnStatistics{Column: c.Name}
		if r, ok := byName[strings.ToLower(c.Name)]; ok {
			if out.RowCount == nil {
				out.RowCount = int64Ptr(r, "total_count")
			}
			cs.DistinctCount = int64Ptr(r, "distinct_count")
			cs.NullCount = int64Ptr(r, "null_count")
			if v, ok := field(r, "min_value"); ok {
				cs.Min = v
			}
			if v, ok := field(r, "max_value"); ok {
				cs.Max = v
			}
		}
		for _, sr := range samples {
			v, ok := field(sr, c.Name)
			if !ok || v == nil {
				continue
			}
			cs.SampleValues = append(cs.SampleValues, truncateSample(v))
		}
		out.Columns = append(out.Columns, cs)
	}
	return out
}

func truncateSample(v any) any {
	s, ok := v.(string)
	if !ok || len(s) <= sampleMaxLength {
		return v
	}
	n := 0
	for i := range s {
		if n == sampleMaxLength {
			return s[:i]
		}
		n++
	}
	return s
}

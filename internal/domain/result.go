package domain

import "time"

const (
	// DefaultQueryTimeout applies when the caller does not set one.
	DefaultQueryTimeout = 60 * time.Second
	// MaxFetchBatch caps a single cursor fetch.
	MaxFetchBatch = 1000
)

// QueryOptions bounds a single execution. MaxRows <= 0 means unbounded.
type QueryOptions struct {
	MaxRows int           `json:"maxRows,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// EffectiveTimeout returns the caller timeout or the default.
func (o QueryOptions) EffectiveTimeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultQueryTimeout
	}
	return o.Timeout
}

// FetchLimit is the number of rows to request from the engine: one more than
// MaxRows, so an extra row signals that the result was truncated.
func (o QueryOptions) FetchLimit() int {
	if o.MaxRows <= 0 {
		return 0
	}
	return o.MaxRows + 1
}

// BatchSize is the cursor fetch size for streaming engines.
func (o QueryOptions) BatchSize() int {
	n := o.FetchLimit()
	if n <= 0 || n > MaxFetchBatch {
		return MaxFetchBatch
	}
	return n
}

// Row is one result record keyed by column name.
type Row map[string]any

// FieldMetadata describes one result column, in result order.
type FieldMetadata struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Nullable  bool   `json:"nullable"`
	Length    *int64 `json:"length,omitempty"`
	Precision *int64 `json:"precision,omitempty"`
	Scale     *int64 `json:"scale,omitempty"`
}

// QueryResult is the engine-neutral result of a query.
// len(Rows) == RowCount always holds.
type QueryResult struct {
	Rows        []Row           `json:"rows"`
	RowCount    int             `json:"rowCount"`
	Fields      []FieldMetadata `json:"fields"`
	HasMoreRows bool            `json:"hasMoreRows"`
}

// NewQueryResult truncates rows to maxRows and sets HasMoreRows when the engine
// returned more than that.
func NewQueryResult(rows []Row, fields []FieldMetadata, maxRows int) *QueryResult {
	hasMore := false
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
		hasMore = true
	}
	if rows == nil {
		rows = []Row{}
	}
	return &QueryResult{
		Rows:        rows,
		RowCount:    len(rows),
		Fields:      fields,
		HasMoreRows: hasMore,
	}
}

// ColumnNames returns the field names in order.
func (r *QueryResult) ColumnNames() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

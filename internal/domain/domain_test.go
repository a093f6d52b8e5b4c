package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlgateway/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// Credentials
// ─────────────────────────────────────────────────────────────

func TestParseCredentials_Postgres(t *testing.T) {
	raw := []byte(`{"host":"db.local","port":5433,"database":"app","username":"u","password":"p","ssl":true}`)
	creds, err := domain.ParseCredentials(domain.DataSourcePostgreSQL, raw)
	require.NoError(t, err)

	pg, ok := creds.(domain.PostgresCredentials)
	require.True(t, ok)
	assert.Equal(t, "db.local", pg.Host)
	assert.Equal(t, 5433, pg.Port)
	assert.True(t, pg.SSL)
	assert.Equal(t, domain.DataSourcePostgreSQL, creds.Type())
}

func TestParseCredentials_RedshiftKeepsEngineTag(t *testing.T) {
	raw := []byte(`{"host":"rs","database":"dev","username":"u","password":"p"}`)
	creds, err := domain.ParseCredentials(domain.DataSourceRedshift, raw)
	require.NoError(t, err)
	assert.Equal(t, domain.DataSourceRedshift, creds.Type())
}

func TestParseCredentials_MissingField(t *testing.T) {
	_, err := domain.ParseCredentials(domain.DataSourceSnowflake, []byte(`{"account_id":"acc"}`))
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestParseCredentials_UnknownType(t *testing.T) {
	_, err := domain.ParseCredentials("oracle", []byte(`{}`))
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "type", ve.Field)
}

func TestDataSourceConfig_ValidateTypeMismatch(t *testing.T) {
	cfg := domain.DataSourceConfig{
		Name:        "warehouse",
		Type:        domain.DataSourceSnowflake,
		Credentials: domain.SQLiteCredentials{Path: ":memory:"},
	}
	var ve *domain.ValidationError
	require.ErrorAs(t, cfg.Validate(), &ve)
	assert.Equal(t, "type", ve.Field)
}

func TestDataSourceConfig_JSONRoundTrip(t *testing.T) {
	in := domain.DataSourceConfig{
		Name:        "local",
		Type:        domain.DataSourceSQLite,
		Credentials: domain.SQLiteCredentials{Path: "/tmp/x.db"},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out domain.DataSourceConfig
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

// ─────────────────────────────────────────────────────────────
// Results
// ─────────────────────────────────────────────────────────────

func TestNewQueryResult_Truncates(t *testing.T) {
	rows := []domain.Row{{"n": 1}, {"n": 2}, {"n": 3}}
	res := domain.NewQueryResult(rows, nil, 2)
	assert.Equal(t, 2, res.RowCount)
	assert.Len(t, res.Rows, 2)
	assert.True(t, res.HasMoreRows)
}

func TestNewQueryResult_ExactFit(t *testing.T) {
	rows := []domain.Row{{"n": 1}, {"n": 2}}
	res := domain.NewQueryResult(rows, nil, 2)
	assert.Equal(t, 2, res.RowCount)
	assert.False(t, res.HasMoreRows)
}

func TestNewQueryResult_EmptyIsNotNil(t *testing.T) {
	res := domain.NewQueryResult(nil, nil, 10)
	assert.NotNil(t, res.Rows)
	assert.Equal(t, 0, res.RowCount)
}

func TestQueryOptions_Limits(t *testing.T) {
	assert.Equal(t, 0, domain.QueryOptions{}.FetchLimit())
	assert.Equal(t, 11, domain.QueryOptions{MaxRows: 10}.FetchLimit())
	assert.Equal(t, 11, domain.QueryOptions{MaxRows: 10}.BatchSize())
	assert.Equal(t, domain.MaxFetchBatch, domain.QueryOptions{MaxRows: 5000}.BatchSize())
	assert.Equal(t, domain.DefaultQueryTimeout, domain.QueryOptions{}.EffectiveTimeout())
}

// ─────────────────────────────────────────────────────────────
// Errors + policy
// ─────────────────────────────────────────────────────────────

func TestQueryCancellationError_Is(t *testing.T) {
	timeout := &domain.QueryCancellationError{SQL: "SELECT 1", Timeout: true}
	assert.True(t, errors.Is(timeout, domain.ErrQueryCancelled))
	assert.True(t, errors.Is(timeout, domain.ErrQueryTimeout))

	explicit := &domain.QueryCancellationError{SQL: "SELECT 1"}
	assert.True(t, errors.Is(explicit, domain.ErrQueryCancelled))
	assert.False(t, errors.Is(explicit, domain.ErrQueryTimeout))
}

func TestWrapQueryError_KeepsSQL(t *testing.T) {
	err := domain.WrapQueryError("SELECT nope", errors.New("column does not exist"))
	var qe *domain.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "SELECT nope", qe.SQL)
	assert.Contains(t, err.Error(), "column does not exist")
	assert.Contains(t, err.Error(), "SELECT nope")
}

func TestRetryPolicy_TimeoutFor(t *testing.T) {
	p := domain.RetryPolicy{BaseTimeout: time.Second, Multiplier: 2, MaxTimeout: 5 * time.Second, MaxAttempts: 4}
	assert.Equal(t, time.Second, p.TimeoutFor(0))
	assert.Equal(t, 2*time.Second, p.TimeoutFor(1))
	assert.Equal(t, 4*time.Second, p.TimeoutFor(2))
	assert.Equal(t, 5*time.Second, p.TimeoutFor(3))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}

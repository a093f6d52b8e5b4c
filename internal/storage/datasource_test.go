package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/storage"
)

func newStore(t *testing.T) *storage.DataSourceStore {
	t.Helper()
	db, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewDataSourceStore(db)
}

func TestDataSourceStore_CRUD(t *testing.T) {
	s := newStore(t)

	r := &domain.DataSourceRecord{Name: "warehouse", Type: domain.DataSourceSnowflake}
	require.NoError(t, s.CreateDataSource(r))
	assert.Len(t, r.ID, 36)

	got, err := s.GetDataSource(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "warehouse", got.Name)
	assert.Equal(t, domain.DataSourceSnowflake, got.Type)

	byName, err := s.GetDataSourceByName("warehouse")
	require.NoError(t, err)
	assert.Equal(t, r.ID, byName.ID)

	r.Name = "dwh"
	require.NoError(t, s.UpdateDataSource(r))

	require.NoError(t, s.CreateDataSource(&domain.DataSourceRecord{Name: "app", Type: domain.DataSourcePostgreSQL}))
	list, err := s.ListDataSources()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "app", list[0].Name)
	assert.Equal(t, "dwh", list[1].Name)

	require.NoError(t, s.DeleteDataSource(r.ID))
	_, err = s.GetDataSource(r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDataSourceStore_NamesAreUnique(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateDataSource(&domain.DataSourceRecord{Name: "a", Type: domain.DataSourceMySQL}))
	assert.Error(t, s.CreateDataSource(&domain.DataSourceRecord{Name: "a", Type: domain.DataSourceMySQL}))
}

func TestDataSourceStore_UpdateMissing(t *testing.T) {
	s := newStore(t)
	err := s.UpdateDataSource(&domain.DataSourceRecord{ID: "nope", Name: "x", Type: domain.DataSourceSQLite})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

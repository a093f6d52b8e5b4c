package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/service"
)

const twoSources = `
datasources:
  - name: warehouse
    type: postgresql
    credentials:
      host: db.internal
      database: app
      username: gw
      password: ${GW_TEST_PG_PASSWORD}
  - name: local
    type: sqlite
    credentials:
      path: /tmp/local.db
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestParseDataSourceFile_ExpandsEnv(t *testing.T) {
	t.Setenv("GW_TEST_PG_PASSWORD", "s3cret")

	cfgs, err := service.ParseDataSourceFile([]byte(twoSources))
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "warehouse", cfgs[0].Name)
	pg, ok := cfgs[0].Credentials.(domain.PostgresCredentials)
	require.True(t, ok)
	assert.Equal(t, "s3cret", pg.Password)
	assert.Equal(t, domain.DataSourceSQLite, cfgs[1].Type)
}

func TestParseDataSourceFile_Rejects(t *testing.T) {
	cases := map[string]string{
		"duplicate name": `
datasources:
  - {name: a, type: sqlite, credentials: {path: x.db}}
  - {name: a, type: sqlite, credentials: {path: y.db}}`,
		"unknown engine": `
datasources:
  - {name: a, type: oracle, credentials: {}}`,
		"missing field": `
datasources:
  - {name: a, type: postgresql, credentials: {host: h}}`,
		"bad yaml": `datasources: [`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := service.ParseDataSourceFile([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_ReplacesAndRemoves(t *testing.T) {
	f := &fakeFactory{}
	s := service.NewDataSourceService(f)
	path := filepath.Join(t.TempDir(), "datasources.yaml")
	writeFile(t, path, twoSources)

	require.NoError(t, s.LoadFile(path))
	assert.Equal(t, []string{"local", "warehouse"}, s.Names())

	_, err := s.Register(pgConfig("manual"))
	require.NoError(t, err)
	_, err = s.Query(context.Background(), "warehouse", "SELECT 1", nil, domain.QueryOptions{})
	require.NoError(t, err)
	warehouse := f.built()[0]

	writeFile(t, path, `
datasources:
  - name: warehouse
    type: postgresql
    credentials: {host: db2.internal, database: app, username: gw}
`)
	require.NoError(t, s.LoadFile(path))

	assert.Equal(t, []string{"manual", "warehouse"}, s.Names(), "local dropped, manual kept")
	assert.EqualValues(t, 1, warehouse.closes.Load(), "replaced adapter closed")
	cfg, err := s.Config("warehouse")
	require.NoError(t, err)
	assert.Equal(t, "db2.internal", cfg.Credentials.(domain.PostgresCredentials).Host)
}

func TestLoadFile_InvalidFileKeepsState(t *testing.T) {
	s := service.NewDataSourceService(&fakeFactory{})
	path := filepath.Join(t.TempDir(), "datasources.yaml")
	writeFile(t, path, twoSources)
	require.NoError(t, s.LoadFile(path))

	writeFile(t, path, `datasources: [`)
	assert.Error(t, s.LoadFile(path))
	assert.Equal(t, []string{"local", "warehouse"}, s.Names())
}

func TestWatchFile_ReloadsOnChange(t *testing.T) {
	em := &service.MockEmitter{}
	s := service.NewDataSourceService(&fakeFactory{}, service.WithEmitter(em))
	path := filepath.Join(t.TempDir(), "datasources.yaml")
	writeFile(t, path, twoSources)
	require.NoError(t, s.LoadFile(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.WatchFile(ctx, path))

	writeFile(t, path, `
datasources:
  - {name: only, type: sqlite, credentials: {path: only.db}}
`)
	assert.Eventually(t, func() bool {
		names := s.Names()
		return len(names) == 1 && names[0] == "only"
	}, 5*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, n := range em.Names() {
			if n == service.EventDataSourcesReloaded {
				return true
			}
		}
		return false
	}, time.Second, 20*time.Millisecond)
}

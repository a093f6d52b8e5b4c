package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/secret"
	"sqlgateway/internal/storage"
)

// ============================================================
// Stored data sources
// ============================================================

// registerStored registers every data source kept in the records database.
// A record whose credentials cannot be resolved is logged and skipped.
func (a *App) registerStored(ctx context.Context) error {
	recs, err := a.records.ListDataSources()
	if err != nil {
		return fmt.Errorf("list data sources: %w", err)
	}
	resolver := secret.NewStoreResolver(a.records, a.secrets)
	for _, rec := range recs {
		cfg, err := resolver.Resolve(ctx, rec.ID)
		if err != nil {
			a.logger.Warn("stored data source skipped", zap.String("datasource", rec.Name), zap.Error(err))
			continue
		}
		if _, err := a.sources.Register(cfg); err != nil {
			a.logger.Warn("stored data source skipped", zap.String("datasource", rec.Name), zap.Error(err))
		}
	}
	return nil
}

// AddDataSource validates cfg, stores its record and credentials, and
// registers it. Credentials never reach the records database.
func (a *App) AddDataSource(ctx context.Context, cfg domain.DataSourceConfig) (*DataSourceView, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := a.records.GetDataSourceByName(cfg.Name); err == nil {
		return nil, &domain.ValidationError{Field: "name", Message: fmt.Sprintf("data source %q already exists", cfg.Name)}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rec := &domain.DataSourceRecord{Name: cfg.Name, Type: cfg.Type}
	if err := a.records.CreateDataSource(rec); err != nil {
		return nil, fmt.Errorf("save data source: %w", err)
	}
	if err := secret.PutCredentials(a.secrets, rec.ID, cfg.Credentials); err != nil {
		// Rollback record
		a.records.DeleteDataSource(rec.ID)
		return nil, fmt.Errorf("save credentials: %w", err)
	}

	replaced, err := a.sources.Register(cfg)
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		replaced.Close()
	}
	a.logger.Info("data source added", zap.String("datasource", rec.Name), zap.String("id", rec.ID))
	return &DataSourceView{ID: rec.ID, Name: rec.Name, Type: rec.Type, Source: "store", CreatedAt: &rec.CreatedAt}, nil
}

// ListDataSources returns stored data sources followed by file-defined ones.
func (a *App) ListDataSources() ([]DataSourceView, error) {
	recs, err := a.records.ListDataSources()
	if err != nil {
		return nil, err
	}
	views := make([]DataSourceView, 0, len(recs))
	stored := make(map[string]bool, len(recs))
	for _, r := range recs {
		stored[r.Name] = true
		views = append(views, DataSourceView{ID: r.ID, Name: r.Name, Type: r.Type, Source: "store", CreatedAt: &r.CreatedAt})
	}
	for _, name := range a.sources.Names() {
		if stored[name] {
			continue
		}
		cfg, err := a.sources.Config(name)
		if err != nil {
			continue
		}
		views = append(views, DataSourceView{Name: name, Type: cfg.Type, Source: "file"})
	}
	slices.SortStableFunc(views, func(x, y DataSourceView) int {
		switch {
		case x.Name < y.Name:
			return -1
		case x.Name > y.Name:
			return 1
		}
		return 0
	})
	return views, nil
}

// RemoveDataSource deletes a stored data source, its credentials and its
// open connection.
func (a *App) RemoveDataSource(name string) error {
	rec, err := a.records.GetDataSourceByName(name)
	if err != nil {
		return err
	}
	if err := a.secrets.Delete(domain.SecretKey(rec.ID)); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	if err := a.records.DeleteDataSource(rec.ID); err != nil {
		return err
	}
	if err := a.sources.Close(name); err != nil && !errors.Is(err, domain.ErrUnknownDataSource) {
		return err
	}
	a.logger.Info("data source removed", zap.String("datasource", name))
	return nil
}

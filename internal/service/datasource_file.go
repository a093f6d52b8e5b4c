package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sqlgateway/internal/domain"
)

// ── Data source file (load + watch) ───────────────────────

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 500 * time.Millisecond

// dataSourceFile is the on-disk shape:
//
//	datasources:
//	  - name: warehouse
//	    type: postgresql
//	    credentials:
//	      host: db.internal
//	      password: ${PG_PASSWORD}
type dataSourceFile struct {
	DataSources []struct {
		Name        string         `yaml:"name"`
		Type        string         `yaml:"type"`
		Credentials map[string]any `yaml:"credentials"`
	} `yaml:"datasources"`
}

// ParseDataSourceFile decodes a data source file. ${VAR} references are
// expanded from the environment before decoding.
func ParseDataSourceFile(data []byte) ([]domain.DataSourceConfig, error) {
	var f dataSourceFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse data source file: %w", err)
	}
	out := make([]domain.DataSourceConfig, 0, len(f.DataSources))
	seen := make(map[string]bool)
	for i, ds := range f.DataSources {
		if seen[ds.Name] {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("datasources[%d].name", i), Message: fmt.Sprintf("duplicate data source %q", ds.Name)}
		}
		seen[ds.Name] = true

		t := domain.DataSourceType(ds.Type)
		raw, err := json.Marshal(ds.Credentials)
		if err != nil {
			return nil, fmt.Errorf("data source %q: %w", ds.Name, err)
		}
		creds, err := domain.ParseCredentials(t, raw)
		if err != nil {
			return nil, fmt.Errorf("data source %q: %w", ds.Name, err)
		}
		cfg := domain.DataSourceConfig{Name: ds.Name, Type: t, Credentials: creds}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("data source %q: %w", ds.Name, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// LoadFile registers every data source in path. Data sources that an
// earlier LoadFile registered and that are gone from the file are closed,
// as are connected adapters replaced by a new definition. Data sources
// registered by other means are left alone unless the file redefines them.
// The file is validated as a whole before anything is registered.
func (s *DataSourceService) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read data source file: %w", err)
	}
	cfgs, err := ParseDataSourceFile(data)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		next[cfg.Name] = struct{}{}
		replaced, err := s.Register(cfg)
		if err != nil {
			return err
		}
		if replaced != nil {
			if err := replaced.Close(); err != nil {
				s.logger.Warn("close replaced adapter", zap.String("datasource", cfg.Name), zap.Error(err))
			}
		}
	}

	s.mu.Lock()
	prev := s.fileNames
	s.fileNames = next
	s.mu.Unlock()
	for name := range prev {
		if _, ok := next[name]; ok {
			continue
		}
		if err := s.Close(name); err != nil {
			s.logger.Warn("close removed data source", zap.String("datasource", name), zap.Error(err))
		}
	}

	s.logger.Info("data source file loaded", zap.String("path", path), zap.Int("count", len(cfgs)))
	return nil
}

// WatchFile reloads path whenever it changes until ctx is done. A reload
// that fails is logged and the previous definitions stay in place.
func (s *DataSourceService) WatchFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if p, _ := filepath.Abs(event.Name); p != absPath {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := s.LoadFile(absPath); err != nil {
						s.logger.Warn("data source file reload failed", zap.String("path", absPath), zap.Error(err))
						return
					}
					s.emitter.Emit(ctx, EventDataSourcesReloaded, s.Names())
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("data source watcher error", zap.Error(err))
			}
		}
	}()

	s.logger.Info("watching data source file", zap.String("path", absPath))
	return nil
}

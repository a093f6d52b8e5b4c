package secret

import (
	"context"
	"encoding/json"
	"fmt"

	"sqlgateway/internal/domain"
)

// CredentialResolver turns a data source id into a validated configuration.
type CredentialResolver interface {
	Resolve(ctx context.Context, dataSourceID string) (domain.DataSourceConfig, error)
}

// ResolverFunc adapts a function to CredentialResolver.
type ResolverFunc func(ctx context.Context, dataSourceID string) (domain.DataSourceConfig, error)

func (f ResolverFunc) Resolve(ctx context.Context, id string) (domain.DataSourceConfig, error) {
	return f(ctx, id)
}

// RecordLookup is the read side of domain.DataSourceStore.
type RecordLookup interface {
	GetDataSource(id string) (*domain.DataSourceRecord, error)
}

// StoreResolver joins a persisted record with the credentials JSON kept in
// the secret store under domain.SecretKey(id).
type StoreResolver struct {
	records RecordLookup
	secrets SecretStore
}

func NewStoreResolver(records RecordLookup, secrets SecretStore) *StoreResolver {
	return &StoreResolver{records: records, secrets: secrets}
}

func (r *StoreResolver) Resolve(ctx context.Context, id string) (domain.DataSourceConfig, error) {
	if err := ctx.Err(); err != nil {
		return domain.DataSourceConfig{}, err
	}
	rec, err := r.records.GetDataSource(id)
	if err != nil {
		return domain.DataSourceConfig{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	raw, err := r.secrets.Get(domain.SecretKey(rec.ID))
	if err != nil {
		return domain.DataSourceConfig{}, fmt.Errorf("resolve %s credentials: %w", rec.Name, err)
	}
	creds, err := domain.ParseCredentials(rec.Type, raw)
	if err != nil {
		return domain.DataSourceConfig{}, err
	}
	return domain.DataSourceConfig{Name: rec.Name, Type: rec.Type, Credentials: creds}, nil
}

// PutCredentials stores creds as JSON under the data source's secret key.
func PutCredentials(s SecretStore, dataSourceID string, creds domain.Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return s.Set(domain.SecretKey(dataSourceID), raw)
}

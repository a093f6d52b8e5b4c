package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DataSourceType is the engine tag of a data source. It selects both the
// credentials variant and the adapter built for it.
type DataSourceType string

const (
	DataSourceSnowflake  DataSourceType = "snowflake"
	DataSourceBigQuery   DataSourceType = "bigquery"
	DataSourcePostgreSQL DataSourceType = "postgresql"
	DataSourceRedshift   DataSourceType = "redshift"
	DataSourceMySQL      DataSourceType = "mysql"
	DataSourceSQLServer  DataSourceType = "sqlserver"
	DataSourceDatabricks DataSourceType = "databricks"
	DataSourceMotherDuck DataSourceType = "motherduck"
	DataSourceSQLite     DataSourceType = "sqlite"
)

// DataSourceTypes lists every engine tag the gateway knows how to build.
var DataSourceTypes = []DataSourceType{
	DataSourceSnowflake,
	DataSourceBigQuery,
	DataSourcePostgreSQL,
	DataSourceRedshift,
	DataSourceMySQL,
	DataSourceSQLServer,
	DataSourceDatabricks,
	DataSourceMotherDuck,
	DataSourceSQLite,
}

// DataSourceConfig is the unit registered with the data source service.
type DataSourceConfig struct {
	Name        string         `json:"name" yaml:"name"`
	Type        DataSourceType `json:"type" yaml:"type"`
	Credentials Credentials    `json:"-" yaml:"-"`
}

// Validate checks that the credentials variant matches the declared type.
func (c DataSourceConfig) Validate() error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Message: "data source name is required"}
	}
	if c.Credentials == nil {
		return &ValidationError{Field: "credentials", Message: fmt.Sprintf("no credentials for %q", c.Name)}
	}
	if c.Credentials.Type() != c.Type {
		return &ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("credentials of type %s cannot be used for a %s data source", c.Credentials.Type(), c.Type),
		}
	}
	return c.Credentials.Validate()
}

// rawDataSourceConfig is the on-disk / on-wire shape, with credentials still encoded.
type rawDataSourceConfig struct {
	Name        string          `json:"name"`
	Type        DataSourceType  `json:"type"`
	Credentials json.RawMessage `json:"credentials"`
}

// UnmarshalJSON decodes the credentials variant selected by the type tag.
func (c *DataSourceConfig) UnmarshalJSON(data []byte) error {
	var raw rawDataSourceConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	creds, err := ParseCredentials(raw.Type, raw.Credentials)
	if err != nil {
		return err
	}
	c.Name = raw.Name
	c.Type = raw.Type
	c.Credentials = creds
	return nil
}

// MarshalJSON encodes the config together with its credentials.
func (c DataSourceConfig) MarshalJSON() ([]byte, error) {
	creds, err := json.Marshal(c.Credentials)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawDataSourceConfig{Name: c.Name, Type: c.Type, Credentials: creds})
}

// DataSourceRecord is the persisted, secret-free description of a data source.
// Credentials live in the SecretStore under SecretKey(ID).
type DataSourceRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      DataSourceType `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// SecretKey is the secret store key holding the credentials JSON of a data source.
func SecretKey(dataSourceID string) string {
	return "datasource:" + dataSourceID
}

// DataSourceStore manages persisted data source records.
type DataSourceStore interface {
	CreateDataSource(r *DataSourceRecord) error
	GetDataSource(id string) (*DataSourceRecord, error)
	ListDataSources() ([]DataSourceRecord, error)
	DeleteDataSource(id string) error
}

package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Credentials is the tagged union of per-engine connection parameters.
// Every variant reports the engine it belongs to, so an adapter can refuse a
// mismatched variant before touching the network.
type Credentials interface {
	Type() DataSourceType
	Validate() error
}

type SnowflakeCredentials struct {
	AccountID       string `json:"account_id"`
	WarehouseID     string `json:"warehouse_id"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	DefaultDatabase string `json:"default_database"`
	Role            string `json:"role,omitempty"`
	DefaultSchema   string `json:"default_schema,omitempty"`
}

func (SnowflakeCredentials) Type() DataSourceType { return DataSourceSnowflake }

func (c SnowflakeCredentials) Validate() error {
	return requireFields(DataSourceSnowflake, map[string]string{
		"account_id":       c.AccountID,
		"warehouse_id":     c.WarehouseID,
		"username":         c.Username,
		"password":         c.Password,
		"default_database": c.DefaultDatabase,
	})
}

type BigQueryCredentials struct {
	ProjectID         string          `json:"project_id"`
	ServiceAccountKey json.RawMessage `json:"service_account_key,omitempty"`
	KeyFilePath       string          `json:"key_file_path,omitempty"`
	DefaultDataset    string          `json:"default_dataset,omitempty"`
	Location          string          `json:"location,omitempty"`
}

func (BigQueryCredentials) Type() DataSourceType { return DataSourceBigQuery }

func (c BigQueryCredentials) Validate() error {
	return requireFields(DataSourceBigQuery, map[string]string{"project_id": c.ProjectID})
}

// PostgresCredentials is shared by PostgreSQL and Redshift; Engine tells them apart.
type PostgresCredentials struct {
	Engine            DataSourceType `json:"-"`
	Host              string         `json:"host"`
	Port              int            `json:"port,omitempty"`
	Database          string         `json:"database"`
	Username          string         `json:"username"`
	Password          string         `json:"password"`
	SSL               bool           `json:"ssl,omitempty"`
	ConnectionTimeout int            `json:"connection_timeout,omitempty"` // milliseconds
}

func (c PostgresCredentials) Type() DataSourceType {
	if c.Engine == "" {
		return DataSourcePostgreSQL
	}
	return c.Engine
}

func (c PostgresCredentials) Validate() error {
	return requireFields(c.Type(), map[string]string{
		"host":     c.Host,
		"database": c.Database,
		"username": c.Username,
	})
}

type MySQLCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSL      bool   `json:"ssl,omitempty"`
	Charset  string `json:"charset,omitempty"`
}

func (MySQLCredentials) Type() DataSourceType { return DataSourceMySQL }

func (c MySQLCredentials) Validate() error {
	return requireFields(DataSourceMySQL, map[string]string{
		"host":     c.Host,
		"database": c.Database,
		"username": c.Username,
	})
}

type SQLServerCredentials struct {
	Server                 string `json:"server"`
	Port                   int    `json:"port,omitempty"`
	Database               string `json:"database"`
	Username               string `json:"username"`
	Password               string `json:"password"`
	Domain                 string `json:"domain,omitempty"`
	Instance               string `json:"instance,omitempty"`
	Encrypt                *bool  `json:"encrypt,omitempty"`
	TrustServerCertificate bool   `json:"trust_server_certificate,omitempty"`
}

func (SQLServerCredentials) Type() DataSourceType { return DataSourceSQLServer }

func (c SQLServerCredentials) Validate() error {
	return requireFields(DataSourceSQLServer, map[string]string{
		"server":   c.Server,
		"database": c.Database,
		"username": c.Username,
	})
}

type DatabricksCredentials struct {
	ServerHostname string `json:"server_hostname"`
	HTTPPath       string `json:"http_path"`
	AccessToken    string `json:"access_token"`
	Port           int    `json:"port,omitempty"`
	Catalog        string `json:"catalog,omitempty"`
	Schema         string `json:"schema,omitempty"`
}

func (DatabricksCredentials) Type() DataSourceType { return DataSourceDatabricks }

func (c DatabricksCredentials) Validate() error {
	return requireFields(DataSourceDatabricks, map[string]string{
		"server_hostname": c.ServerHostname,
		"http_path":       c.HTTPPath,
		"access_token":    c.AccessToken,
	})
}

type MotherDuckCredentials struct {
	Token           string `json:"token"`
	DefaultDatabase string `json:"default_database"`
	SaaSMode        bool   `json:"saas_mode,omitempty"`
	AttachMode      string `json:"attach_mode,omitempty"` // "workspace" or "single"
}

func (MotherDuckCredentials) Type() DataSourceType { return DataSourceMotherDuck }

func (c MotherDuckCredentials) Validate() error {
	return requireFields(DataSourceMotherDuck, map[string]string{
		"token":            c.Token,
		"default_database": c.DefaultDatabase,
	})
}

// SQLiteCredentials points at a local database file (":memory:" allowed).
type SQLiteCredentials struct {
	Path string `json:"path"`
}

func (SQLiteCredentials) Type() DataSourceType { return DataSourceSQLite }

func (c SQLiteCredentials) Validate() error {
	return requireFields(DataSourceSQLite, map[string]string{"path": c.Path})
}

// ParseCredentials decodes raw JSON into the credentials variant for t.
func ParseCredentials(t DataSourceType, raw []byte) (Credentials, error) {
	var creds Credentials
	switch t {
	case DataSourceSnowflake:
		var c SnowflakeCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, decodeError(t, err)
		}
		creds = c
	case DataSourceBigQuery:
		var c BigQueryCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, decodeError(t, err)
		}
		creds = c
	case DataSourcePostgreSQL, DataSourceRedshift:
		var c PostgresCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, decodeError(t, err)
		}
		c.Engine = t
		creds = c
	case DataSourceMySQL:
		var c MySQLCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, decodeError(t, err)
		}
		creds = c
	case DataSourceSQLServer:
		var c SQLServerCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, decodeError(t, err)
		}
		creds = c
	case DataSourceDatabricks:
		var c DatabricksCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, decodeError(t, err)
		}
		creds = c
	case DataSourceMotherDuck:
		var c MotherDuckCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, decodeError(t, err)
		}
		creds = c
	case DataSourceSQLite:
		var c SQLiteCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, decodeError(t, err)
		}
		creds = c
	default:
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unsupported data source type %q", t)}
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

func decodeError(t DataSourceType, err error) error {
	return &ValidationError{Field: "credentials", Message: fmt.Sprintf("decode %s credentials: %v", t, err)}
}

func requireFields(t DataSourceType, fields map[string]string) error {
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if fields[name] == "" {
			return &ValidationError{Field: name, Message: fmt.Sprintf("%s credentials: %s is required", t, name)}
		}
	}
	return nil
}

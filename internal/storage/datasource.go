package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sqlgateway/internal/domain"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("data source record not found")

// DataSourceStore manages data source records in SQLite.
type DataSourceStore struct {
	db *DB
}

var _ domain.DataSourceStore = (*DataSourceStore)(nil)

func NewDataSourceStore(db *DB) *DataSourceStore {
	return &DataSourceStore{db: db}
}

// CreateDataSource assigns an id when r has none.
func (s *DataSourceStore) CreateDataSource(r *domain.DataSourceRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.Conn().Exec(
		`INSERT INTO data_sources (id, name, type, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Type), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert data source %s: %w", r.Name, err)
	}
	return nil
}

const selectDataSource = `SELECT id, name, type, created_at, updated_at FROM data_sources`

func scanDataSource(row interface{ Scan(...any) error }) (*domain.DataSourceRecord, error) {
	r := &domain.DataSourceRecord{}
	var typ string
	if err := row.Scan(&r.ID, &r.Name, &typ, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Type = domain.DataSourceType(typ)
	return r, nil
}

func (s *DataSourceStore) GetDataSource(id string) (*domain.DataSourceRecord, error) {
	r, err := scanDataSource(s.db.Conn().QueryRow(selectDataSource+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

func (s *DataSourceStore) GetDataSourceByName(name string) (*domain.DataSourceRecord, error) {
	r, err := scanDataSource(s.db.Conn().QueryRow(selectDataSource+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r, err
}

func (s *DataSourceStore) ListDataSources() ([]domain.DataSourceRecord, error) {
	rows, err := s.db.Conn().Query(selectDataSource + ` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.DataSourceRecord{}
	for rows.Next() {
		r, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *DataSourceStore) UpdateDataSource(r *domain.DataSourceRecord) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.Conn().Exec(
		`UPDATE data_sources SET name=?, type=?, updated_at=? WHERE id=?`,
		r.Name, string(r.Type), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

func (s *DataSourceStore) DeleteDataSource(id string) error {
	_, err := s.db.Conn().Exec(`DELETE FROM data_sources WHERE id = ?`, id)
	return err
}

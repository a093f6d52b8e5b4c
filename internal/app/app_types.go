package app

import (
	"time"

	"sqlgateway/internal/domain"
)

// DataSourceView is the secret-free view of a stored data source.
type DataSourceView struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Type      domain.DataSourceType `json:"type"`
	Source    string                `json:"source"` // "store" or "file"
	CreatedAt *time.Time            `json:"createdAt,omitempty"`
}

// Package secret stores data source credentials outside the records database
// and resolves a data source id into a ready-to-connect configuration.
package secret

import "errors"

// ErrNotFound is returned by Get when the key holds no secret.
var ErrNotFound = errors.New("secret not found")

// SecretStore holds opaque secret values by key.
type SecretStore interface {
	Set(key string, value []byte) error
	// Get returns ErrNotFound when the key does not exist.
	Get(key string) ([]byte, error)
	// Delete succeeds when the key does not exist.
	Delete(key string) error
}

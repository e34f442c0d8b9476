package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a key/value entry does not exist
var ErrNotFound = errors.New("not found")

// Well-known KV keys
const (
	KeyOperatorActive = "operator_active" // "1" while the operator GUI is open
	KeyStoreURL       = "store_url"       // Fallback store URL override for the unblock page
)

// KeyValuePair is one entry in the key/value store
type KeyValuePair struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

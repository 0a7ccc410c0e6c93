// Package store persists sellers and subscriptions for the license engine.
package store

import "keyconnect/internal/license"

// Store is implemented by every persistence backend.
type Store interface {
	license.AdminStore
	Close() error
}

var (
	_ Store = (*BBoltStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Package store persists the gateway's principals in a bbolt database.
package store

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// OpenDB opens (creating if needed) the bbolt database at path.
func OpenDB(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
}

// Package blob stores document bodies by generated key.
package blob

import (
	"context"
	"errors"
	"regexp"
)

var (
	ErrNotFound   = errors.New("blob: not found")
	ErrInvalidKey = errors.New("blob: invalid key")
	ErrCorrupt    = errors.New("blob: corrupt object")
)

// Store is a flat key/value object store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (Info, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Info describes a stored object.
type Info struct {
	Key  string
	Size int64
	// Digest is the hex BLAKE3 hash of the plaintext.
	Digest string
}

var keyPattern = regexp.MustCompile(`^[0-9A-Z]{26}(\.[0-9a-z]{1,10})?$`)

// ValidKey accepts the ULID-plus-extension keys produced by ids.NewKey.
func ValidKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

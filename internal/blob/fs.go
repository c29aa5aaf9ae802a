package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var _ Store = (*FSStore)(nil)

// FSStore keeps objects as files under a root directory, sharded by the random tail of the key.
type FSStore struct {
	root  string
	codec *Codec
}

func NewFSStore(root string, codec *Codec) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("blob: root directory is empty")
	}
	if codec == nil {
		var err error
		if codec, err = NewCodec(false, nil); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FSStore{root: root, codec: codec}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, key[24:26], key)
}

func (s *FSStore) Put(ctx context.Context, key string, data []byte) (Info, error) {
	if err := ValidKey(key); err != nil {
		return Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	object, err := s.codec.Seal(key, data, compressible(key))
	if err != nil {
		return Info{}, err
	}
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return Info{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return Info{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(object); err != nil {
		_ = tmp.Close()
		return Info{}, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Info{}, err
	}
	if err := tmp.Close(); err != nil {
		return Info{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Info{}, err
	}
	return Info{Key: key, Size: int64(len(data)), Digest: Digest(data)}, nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	object, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.codec.Open(key, object)
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// compressible skips formats that are already compressed.
func compressible(key string) bool {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".pdf", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".zip", ".gz", ".docx", ".xlsx", ".odt":
		return false
	}
	return true
}

package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"shapelake/internal/domain"
)

// Compile-time check.
var _ domain.ComponentStore = (*FSStore)(nil)

// FSStore is a filesystem-backed component store rooted at a data directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// Put streams r into the file at ref, replacing any previous content.
func (s *FSStore) Put(_ context.Context, ref string, r io.Reader) (int64, error) {
	if err := validRef(ref); err != nil {
		return 0, err
	}
	path := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create component dir: %w", err)
	}

	f, err := os.Create(path) //nolint:gosec // ref validated against traversal
	if err != nil {
		return 0, fmt.Errorf("create component file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("write component %s: %w", ref, err)
	}
	return n, nil
}

// Get opens the file at ref for sequential reading.
func (s *FSStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(ref))) //nolint:gosec // ref validated
	if os.IsNotExist(err) {
		return nil, &domain.MissingComponentError{Ref: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("open component %s: %w", ref, err)
	}
	return f, nil
}

// Delete removes the file at ref. Deleting an absent ref is not an error.
func (s *FSStore) Delete(_ context.Context, ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(ref)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete component %s: %w", ref, err)
	}
	return nil
}

// Package artifact resolves the conventional filesystem paths where
// rendered documents land, keyed by entity type and id.
package artifact

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hvilchis/facturaq/pkg/poll"
)

// Store resolves and checks artifacts under one root directory.
type Store struct {
	root string
}

func NewStore(root string) *Store { return &Store{root: root} }

// PathFor returns the conventional location of an entity's rendered
// artifact, e.g. <root>/invoice/<id>.pdf.
func (s *Store) PathFor(entityType, entityID, ext string) string {
	return filepath.Join(s.root, entityType, entityID+"."+ext)
}

// Exists reports whether the artifact at path is present and non-empty.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// Write persists an artifact, creating the entity directory as needed.
func (s *Store) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// WaitReady polls for the artifact within the given budget. Exhausting the
// budget yields the dependency-not-ready error kind.
func (s *Store) WaitReady(ctx context.Context, path string, budget, interval time.Duration) error {
	return poll.Until(ctx, budget, interval, func(context.Context) (bool, error) {
		return s.Exists(path), nil
	})
}

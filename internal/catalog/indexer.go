package catalog

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrCatalogNotFound means the catalog root directory is missing. This is
// fatal to startup; per-entry parse failures are not.
var ErrCatalogNotFound = errors.New("catalog root not found")

// defaultPlugin labels entries that sit directly under the catalog root.
const defaultPlugin = "core"

// Indexer scans the capability catalog and extracts metadata headers.
// Body bytes are never read during a scan, which keeps startup sub-second
// even for catalogs with thousands of entries.
type Indexer struct {
	root   string
	logger *zap.Logger
}

// NewIndexer creates an indexer rooted at the given catalog directory.
func NewIndexer(root string, logger *zap.Logger) *Indexer {
	return &Indexer{root: root, logger: logger}
}

// Load walks the catalog and returns metadata for every parsable entry.
// Malformed entries are logged and skipped. Duplicate names resolve
// last-one-wins with a warning, so the returned slice has unique names.
func (ix *Indexer) Load(ctx context.Context) ([]*Metadata, error) {
	info, err := os.Stat(ix.root)
	if err != nil || !info.IsDir() {
		return nil, ErrCatalogNotFound
	}

	byName := make(map[string]*Metadata)
	var order []string

	walkErr := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}

		meta, err := ix.loadHeader(path)
		if err != nil {
			ix.logger.Warn("skipping malformed catalog entry",
				zap.String("path", path),
				zap.Error(err),
			)
			return nil
		}

		if prev, ok := byName[meta.Name]; ok {
			ix.logger.Warn("duplicate capability name, last one wins",
				zap.String("name", meta.Name),
				zap.String("kept", meta.Path),
				zap.String("replaced", prev.Path),
			)
			byName[meta.Name] = meta
			return nil
		}
		byName[meta.Name] = meta
		order = append(order, meta.Name)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	entries := make([]*Metadata, 0, len(order))
	for _, name := range order {
		entries = append(entries, byName[name])
	}

	ix.logger.Info("catalog indexed",
		zap.String("root", ix.root),
		zap.Int("entries", len(entries)),
	)
	return entries, nil
}

// loadHeader parses only the frontmatter of a single entry.
func (ix *Indexer) loadHeader(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	raw, err := readFrontmatter(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	meta, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(ix.root, path)
	if err != nil {
		rel = path
	}
	meta.Path = rel
	meta.Plugin = pluginLabel(rel)
	return meta, nil
}

// pluginLabel derives the default category from the entry's top-level
// directory under the catalog root.
func pluginLabel(rel string) string {
	dir := filepath.Dir(rel)
	if dir == "." {
		return defaultPlugin
	}
	parts := strings.Split(filepath.ToSlash(dir), "/")
	return parts[0]
}

package catalog

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Definition fetch errors.
var (
	// ErrUnknownCapability means the name is not in the metadata store.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrStorageRead means the entry is indexed but its backing file could
	// not be read or parsed (stale index).
	ErrStorageRead = errors.New("storage read failed")
)

// DefaultDefinitionCacheSize bounds the definition cache when no capacity is
// configured. Definitions are 10-100x metadata size, so the default is small.
const DefaultDefinitionCacheSize = 20

// DefinitionCache loads full capability definitions just-in-time and keeps
// the most recently used ones, evicting the least-recently-used entry at
// capacity. Concurrent cold requests for the same name coalesce into a
// single storage read via singleflight.
type DefinitionCache struct {
	root     string
	store    *Store
	capacity int
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element // name → element holding *cacheSlot
	order   *list.List               // front = most recently used

	group singleflight.Group
	loads atomic.Uint64 // storage reads, exposed for the health endpoint
}

type cacheSlot struct {
	name string
	def  *Definition
}

// NewDefinitionCache creates a cache over the catalog root, bounded to
// capacity entries. A non-positive capacity falls back to the default.
func NewDefinitionCache(root string, store *Store, capacity int, logger *zap.Logger) *DefinitionCache {
	if capacity <= 0 {
		capacity = DefaultDefinitionCacheSize
	}
	return &DefinitionCache{
		root:     root,
		store:    store,
		capacity: capacity,
		logger:   logger,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the full definition for a capability name, reading it from
// storage on first reference. Repeated calls return identical content
// whether served warm or re-read after eviction.
func (c *DefinitionCache) Get(name string) (*Definition, error) {
	meta := c.store.Snapshot().Get(name)
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}

	if def, ok := c.lookup(name); ok {
		return def, nil
	}

	// Cold path: all concurrent requesters for the same name wait on one
	// read-and-parse instead of issuing redundant reads.
	v, err, _ := c.group.Do(name, func() (any, error) {
		if def, ok := c.lookup(name); ok {
			return def, nil
		}
		def, err := c.load(meta)
		if err != nil {
			return nil, err
		}
		c.insert(name, def)
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Definition), nil
}

// Loads returns the number of storage reads performed so far.
func (c *DefinitionCache) Loads() uint64 { return c.loads.Load() }

// Len returns the number of cached definitions.
func (c *DefinitionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DefinitionCache) lookup(name string) (*Definition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheSlot).def, true
}

func (c *DefinitionCache) insert(name string, def *Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[name]; ok {
		el.Value.(*cacheSlot).def = def
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		slot := oldest.Value.(*cacheSlot)
		c.order.Remove(oldest)
		delete(c.entries, slot.name)
		c.logger.Debug("definition evicted", zap.String("name", slot.name))
	}
	c.entries[name] = c.order.PushFront(&cacheSlot{name: name, def: def})
}

// load reads and parses the full entry (header and body) from storage.
func (c *DefinitionCache) load(meta *Metadata) (*Definition, error) {
	c.loads.Add(1)

	f, err := os.Open(filepath.Join(c.root, meta.Path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageRead, meta.Name, err)
	}
	defer f.Close() //nolint:errcheck

	r := bufio.NewReader(f)
	if _, err := readFrontmatter(r); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageRead, meta.Name, err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageRead, meta.Name, err)
	}

	return &Definition{Metadata: *meta, Body: string(body)}, nil
}

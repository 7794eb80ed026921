// Package registry implements the name -> *Database map: lazy creation of a
// database directory on first write, and one reader-writer lock per
// database so reads on distinct databases never block each other while
// writes to one database are serialized.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sergz72/smarthome-filestore/internal/database"
	"github.com/sergz72/smarthome-filestore/internal/kvcodec"
)

// sentinelVersion is the version reported for a database name that has
// never been written.
const sentinelVersion uint32 = 1

type entry struct {
	mu sync.RWMutex
	db *database.Database
}

// Databases is the multi-database registry: an outer reader-writer lock
// protecting the name->entry map (exclusive only when a brand-new name is
// inserted), and one RWMutex per Database guarding that database's reads
// and writes.
type Databases struct {
	baseFolder  string
	hashDivider uint32

	mu   sync.RWMutex
	data map[string]*entry
}

// New creates a registry rooted at baseFolder. It does not eagerly open any
// database: each is created (or, if its directory already exists, loaded)
// on the first write to its name, and reads of a name not yet written
// return the sentinel. OpenExisting loads all on-disk databases up front.
func New(baseFolder string, hashDivider uint32) *Databases {
	return &Databases{
		baseFolder:  baseFolder,
		hashDivider: hashDivider,
		data:        make(map[string]*entry),
	}
}

// OpenExisting scans baseFolder for pre-existing database subdirectories
// and loads each one eagerly, mirroring the source's Databases::new, which
// loads every directory under the base folder at startup.
func OpenExisting(baseFolder string, hashDivider uint32) (*Databases, error) {
	r := New(baseFolder, hashDivider)

	entries, err := os.ReadDir(baseFolder)
	if err != nil {
		return nil, fmt.Errorf("read base folder: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		db, err := database.Open(filepath.Join(baseFolder, e.Name()), hashDivider)
		if err != nil {
			return nil, fmt.Errorf("open database %q: %w", e.Name(), err)
		}
		r.data[e.Name()] = &entry{db: db}
	}
	return r, nil
}

// Get returns all entries with k1 <= key <= k2 in ascending order, along
// with the database's current version. An unknown name returns the
// sentinel (version=1, empty result) without creating the database.
func (r *Databases) Get(name string, k1, k2 uint32) (uint32, []*database.File) {
	e, ok := r.lookup(name)
	if !ok {
		return sentinelVersion, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.db.Version(), e.db.Get(k1, k2)
}

// GetLast returns the entry with the greatest key in [k1, k2] along with the
// database's current version, or (1, nil) for an unknown name.
func (r *Databases) GetLast(name string, k1, k2 uint32) (uint32, *database.File) {
	e, ok := r.lookup(name)
	if !ok {
		return sentinelVersion, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.db.Version(), e.db.GetLast(k1, k2)
}

// GetFileVersion returns the per-key version of key, along with the
// database's current version. An unknown name or key returns version 0 for
// the file; an unknown database additionally returns db_version=1.
func (r *Databases) GetFileVersion(name string, key uint32) (dbVersion uint32, fileVersion uint32) {
	e, ok := r.lookup(name)
	if !ok {
		return sentinelVersion, 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, _ := e.db.GetFileVersion(key)
	return e.db.Version(), v
}

// Set applies batch to the named database under expectedVersion. If the
// name is unknown, the backing directory (and a fresh Database at
// version=1) is created first — so a Set against a never-seen name only
// succeeds when expectedVersion==1; any other expected version fails with
// ErrVersionMismatch against that freshly created, still-empty database,
// and the (now empty) directory is left behind.
func (r *Databases) Set(name string, expectedVersion uint32, batch []kvcodec.KeyValue) error {
	e, err := r.getOrCreate(name)
	if err != nil {
		return fmt.Errorf("get or create database %q: %w", name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Set(expectedVersion, batch)
}

func (r *Databases) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[name]
	return e, ok
}

func (r *Databases) getOrCreate(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.data[name]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another writer may have created it while we waited for the
	// exclusive lock.
	if e, ok := r.data[name]; ok {
		return e, nil
	}

	path := filepath.Join(r.baseFolder, name)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("mkdir database folder: %w", err)
	}
	db, err := database.Open(path, r.hashDivider)
	if err != nil {
		return nil, fmt.Errorf("open new database: %w", err)
	}

	e = &entry{db: db}
	r.data[name] = e
	return e, nil
}

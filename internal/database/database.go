// Package database implements one logical, versioned key-value database:
// an in-memory ordered map backed by a sharded on-disk directory tree, a
// database-level optimistic-concurrency version counter, and a per-key
// version counter.
package database

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/google/btree"

	"github.com/sergz72/smarthome-filestore/internal/kvcodec"
)

// ErrVersionMismatch is returned by Set when the caller's expected_version
// does not match the database's current version. No mutation is performed.
var ErrVersionMismatch = errors.New("database version mismatch")

// ErrCorruptStore is returned by Open when a file under the base folder
// cannot be interpreted as a shard entry: its name does not parse as a
// decimal uint32 key, or its content is shorter than the 4-byte version
// header.
var ErrCorruptStore = errors.New("corrupt store")

const btreeDegree = 32

// File is one persisted record: a monotonically increasing per-key version
// and the opaque value bytes. An empty Value is never persisted; writing an
// empty value deletes the key.
type File struct {
	Key     uint32
	Version uint32
	Value   []byte
}

// Less implements btree.Item, ordering files by numeric key.
func (f *File) Less(than btree.Item) bool {
	return f.Key < than.(*File).Key
}

func keyItem(key uint32) *File { return &File{Key: key} }

// Database is one named logical database: its base folder, shard fan-out,
// database-level version counter, and in-memory ordered map of keys to
// files. A Database is safe for concurrent reads; callers serialize writes
// externally (see internal/registry, which holds one RWMutex per Database).
type Database struct {
	baseFolder  string
	hashDivider uint32
	version     uint32
	generation  uint64
	data        *btree.BTree

	fs         fileSystem
	writer     *atomicWriter
	syncWrites bool
}

// Option configures a Database at Open time.
type Option func(*Database)

// WithSynchronousWrites makes every record write fsync-durable: each write
// opens with O_SYNC and, after a temp-file rename, the parent directory is
// fsynced too. Disabled by default, relying on the page cache for
// durability of recent writes, which is considerably faster.
func WithSynchronousWrites(sync bool) Option {
	return func(db *Database) { db.syncWrites = sync }
}

func withFileSystem(fsys fileSystem) Option {
	return func(db *Database) { db.fs = fsys }
}

// Open scans base_folder for shard subdirectories and loads every regular
// file within them whose name parses as a decimal uint32 key. The first 4
// bytes of a file's content are its per-key version (little-endian); the
// remainder is its value. Database.version is always initialized to 1,
// regardless of what was loaded — db_version is not itself persisted.
func Open(baseFolder string, hashDivider uint32, opts ...Option) (*Database, error) {
	db := &Database{
		baseFolder:  baseFolder,
		hashDivider: hashDivider,
		version:     1,
		data:        btree.New(btreeDegree),
		fs:          osFS{},
	}
	for _, opt := range opts {
		opt(db)
	}
	db.writer = newAtomicWriter(db.fs, db.syncWrites)

	if err := db.load(); err != nil {
		return nil, fmt.Errorf("load database %q: %w", baseFolder, err)
	}
	if err := db.loadStats(); err != nil {
		return nil, fmt.Errorf("load stats %q: %w", baseFolder, err)
	}
	if err := db.syncStats(); err != nil {
		return nil, fmt.Errorf("reconcile stats %q: %w", baseFolder, err)
	}
	return db, nil
}

func (db *Database) load() error {
	shardDirs, err := db.fs.ReadDir(db.baseFolder)
	if err != nil {
		return fmt.Errorf("read base folder: %w", err)
	}

	for _, shardDir := range shardDirs {
		if !shardDir.IsDir() {
			continue
		}
		shardPath := filepath.Join(db.baseFolder, shardDir.Name())
		entries, err := db.fs.ReadDir(shardPath)
		if err != nil {
			return fmt.Errorf("read shard dir %q: %w", shardPath, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			key, err := strconv.ParseUint(entry.Name(), 10, 32)
			if err != nil {
				return fmt.Errorf("parse key from %q: %w: %w", entry.Name(), err, ErrCorruptStore)
			}
			content, err := db.fs.ReadFile(filepath.Join(shardPath, entry.Name()))
			if err != nil {
				return fmt.Errorf("read file %q: %w", entry.Name(), err)
			}
			if len(content) < 4 {
				return fmt.Errorf("file %q shorter than version header: %w", entry.Name(), ErrCorruptStore)
			}
			db.data.ReplaceOrInsert(&File{
				Key:     uint32(key),
				Version: leUint32(content[:4]),
				Value:   content[4:],
			})
		}
	}
	return nil
}

// Version returns the database's current optimistic-concurrency version.
func (db *Database) Version() uint32 { return db.version }

// Get returns all entries with k1 <= key <= k2 in ascending key order.
func (db *Database) Get(k1, k2 uint32) []*File {
	var result []*File
	db.data.AscendGreaterOrEqual(keyItem(k1), func(item btree.Item) bool {
		f := item.(*File)
		if f.Key > k2 {
			return false
		}
		result = append(result, f)
		return true
	})
	return result
}

// GetLast returns the entry with the greatest key in [k1, k2], or nil if
// none exists.
func (db *Database) GetLast(k1, k2 uint32) *File {
	var result *File
	db.data.DescendLessOrEqual(keyItem(k2), func(item btree.Item) bool {
		f := item.(*File)
		if f.Key < k1 {
			return false
		}
		result = f
		return false
	})
	return result
}

// GetFileVersion returns the per-key version of key, or (0, false) if the
// key is absent.
func (db *Database) GetFileVersion(key uint32) (uint32, bool) {
	item := db.data.Get(keyItem(key))
	if item == nil {
		return 0, false
	}
	return item.(*File).Version, true
}

// Set is the OCC write gate: if expectedVersion does not equal the current
// database version, it fails with ErrVersionMismatch and performs no
// mutation. Otherwise it increments the database version, then applies each
// record in batch, in order: an empty value deletes the key; any other
// value bumps (or starts) that key's per-key version and persists it.
//
// A duplicate key within one batch is applied twice, last write wins, in
// both the in-memory map and on disk — callers must not rely on the
// intermediate per-key version in that case.
//
// A write failure partway through the batch leaves the database version
// already incremented and a prefix of records committed to both memory and
// disk. This is a documented limitation, not a correctness guarantee: the
// caller can detect it by observing Version() and retrying with the new
// expected version.
func (db *Database) Set(expectedVersion uint32, batch []kvcodec.KeyValue) error {
	if expectedVersion != db.version {
		return fmt.Errorf("expected %d, current %d: %w", expectedVersion, db.version, ErrVersionMismatch)
	}
	db.version++

	for _, kv := range batch {
		if len(kv.Value) == 0 {
			if err := db.deleteKey(kv.Key); err != nil {
				return fmt.Errorf("delete key %d: %w", kv.Key, err)
			}
			continue
		}
		if err := db.putKey(kv.Key, kv.Value); err != nil {
			return fmt.Errorf("put key %d: %w", kv.Key, err)
		}
	}

	db.generation++
	_ = db.syncStats() // best-effort; Generation is reloaded on next Open, see metadata.go

	return nil
}

func (db *Database) putKey(key uint32, value []byte) error {
	newVersion := uint32(1)
	if item := db.data.Get(keyItem(key)); item != nil {
		newVersion = item.(*File).Version + 1
	}

	path, err := db.ensureShardPath(key)
	if err != nil {
		return err
	}

	content := make([]byte, 4+len(value))
	putLEUint32(content[:4], newVersion)
	copy(content[4:], value)

	if err := db.writer.WriteFile(path, content); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	db.data.ReplaceOrInsert(&File{Key: key, Version: newVersion, Value: value})
	return nil
}

func (db *Database) deleteKey(key uint32) error {
	path := db.filePath(key)
	if err := db.fs.Remove(path); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	db.data.Delete(keyItem(key))
	return nil
}

func (db *Database) ensureShardPath(key uint32) (string, error) {
	shardDir := filepath.Join(db.baseFolder, strconv.FormatUint(uint64(key/db.hashDivider), 10))
	if err := db.fs.MkdirAll(shardDir, defaultDirPerm); err != nil {
		return "", fmt.Errorf("mkdir shard: %w", err)
	}
	return filepath.Join(shardDir, strconv.FormatUint(uint64(key), 10)), nil
}

func (db *Database) filePath(key uint32) string {
	shardDir := filepath.Join(db.baseFolder, strconv.FormatUint(uint64(key/db.hashDivider), 10))
	return filepath.Join(shardDir, strconv.FormatUint(uint64(key), 10))
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

package database

import (
	"fmt"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const statsFilename = ".meta.msgpack"

// stats is a snapshot of a database's bookkeeping. Generation carries
// forward across restarts so it keeps counting Sets instead of resetting to
// zero; TotalEntries is reconciled against the live in-memory map on every
// Open, the same way the per-key version headers are the authority for
// their own field and this file is never trusted over them. Losing or
// corrupting it costs only the Generation counter, never a key or value.
type stats struct {
	TotalEntries uint32 `msgpack:"total_entries"`
	Generation   uint64 `msgpack:"generation"`
}

// Stats returns the current bookkeeping snapshot for diagnostics.
func (db *Database) Stats() (total uint32, generation uint64) {
	return uint32(db.data.Len()), db.generation
}

// loadStats reads back the persisted snapshot and carries its Generation
// forward. A missing file is expected for a brand-new database and is not
// an error; a corrupt file is logged nowhere here, it is simply discarded
// and Generation restarts from 0, since it is diagnostic only.
func (db *Database) loadStats() error {
	path := filepath.Join(db.baseFolder, statsFilename)
	data, err := db.fs.ReadFile(path)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("read stats: %w", err)
	}
	var s stats
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil
	}
	db.generation = s.Generation
	return nil
}

// syncStats persists the current bookkeeping snapshot, reconciling
// TotalEntries against the live in-memory map. Errors are non-fatal to the
// caller: a SET that fails to write its stats snapshot still committed its
// actual records and version bump.
func (db *Database) syncStats() error {
	s := stats{
		TotalEntries: uint32(db.data.Len()),
		Generation:   db.generation,
	}
	data, err := msgpack.Marshal(&s)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	path := filepath.Join(db.baseFolder, statsFilename)
	return db.writer.WriteFile(path, data)
}

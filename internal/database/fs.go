package database

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

var (
	defaultDiskSectorSize = 4096
	defaultFilePerm       = os.FileMode(0600)
	defaultDirPerm        = os.FileMode(0700)
)

// fileSystem abstracts the filesystem calls the storage engine needs, so
// tests can inject an in-memory fake instead of touching a real disk.
type fileSystem interface {
	ReadFile(name string) ([]byte, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	WriteFileSync(name string, data []byte, perm os.FileMode) error
	SyncDir(path string) error
	Remove(name string) error
	Rename(oldpath, newpath string) error
	MkdirAll(path string, perm os.FileMode) error
}

type osFS struct{}

func (osFS) ReadFile(name string) ([]byte, error)         { return os.ReadFile(name) }
func (osFS) ReadDir(name string) ([]fs.DirEntry, error)   { return os.ReadDir(name) }
func (osFS) Remove(name string) error                     { return os.Remove(name) }
func (osFS) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) }
func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

// WriteFileSync writes name with O_SYNC so the write is durable before the
// call returns, at the cost of a much slower write.
func (osFS) WriteFileSync(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_SYNC, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err1 := f.Close(); err1 != nil && err == nil {
		err = err1
	}
	return err
}

// SyncDir fsyncs a directory so a preceding rename or create within it is
// durable, not just the file itself. See https://lwn.net/Articles/457667/.
func (osFS) SyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	err = f.Sync()
	if err1 := f.Close(); err1 != nil && err == nil {
		err = err1
	}
	return err
}

// atomicWriter writes a file via a temp-file-then-rename so that a single
// key's record is never observed half-written, even though the batch as a
// whole is not made atomic (see the Database.Set documentation). On Linux,
// data no larger than one disk sector is written in place instead, relying
// on single-sector writes being atomic.
type atomicWriter struct {
	fs             fileSystem
	syncWrites     bool
	diskSectorSize int
	perm           os.FileMode
}

func newAtomicWriter(fsys fileSystem, syncWrites bool) *atomicWriter {
	return &atomicWriter{
		fs:             fsys,
		syncWrites:     syncWrites,
		diskSectorSize: defaultDiskSectorSize,
		perm:           defaultFilePerm,
	}
}

func (w *atomicWriter) WriteFile(path string, data []byte) (err error) {
	write := w.fs.WriteFile
	if w.syncWrites {
		write = w.fs.WriteFileSync
		defer func() {
			// Sync the parent directory too: the file's own O_SYNC write
			// durably persists its content, but not the directory entry
			// that makes it reachable after a crash.
			if err == nil {
				err = w.fs.SyncDir(filepath.Dir(path))
			}
		}()
	}

	if runtime.GOOS == "linux" && len(data) <= w.diskSectorSize {
		// A single-sector write can be assumed atomic on common filesystems,
		// so skip the temp-file dance for small records.
		return write(path, data, w.perm)
	}

	tmpPath := makeTempPath(path)
	if err = write(tmpPath, data, w.perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = w.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// makeTempPath places the temp file in the same directory as path so the
// subsequent rename is an atomic same-filesystem rename rather than a
// cross-device copy.
func makeTempPath(path string) string {
	name := fmt.Sprintf(".%s-%d-%d.tmp", filepath.Base(path), rand.Uint32(), time.Now().UnixNano())
	return filepath.Join(filepath.Dir(path), name)
}

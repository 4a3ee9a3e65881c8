package dlm

import (
	"io"
	"os"
	"sync"
)

// TargetFile is the on-disk artifact a download writes into: a single
// file shared by every slot under one write mutex. Writes are seek then
// write, performed as one critical section so concurrent slots writing
// disjoint regions never interleave their seek with another's write.
type TargetFile struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenTargetFile opens path for read-write, creating it first if absent
// (the create-then-reopen pattern lets a fresh download and a resumed one
// share the same open path).
func OpenTargetFile(path string) (*TargetFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, &TargetFileError{Err: err}
		}
		f.Close()
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, &TargetFileError{Err: err}
	}
	return &TargetFile{file: f, path: path}, nil
}

// Path returns the file's current on-disk path.
func (t *TargetFile) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Write seeks to offset and writes p under the single write lock.
func (t *TargetFile) Write(offset int64, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.file.Seek(offset, io.SeekStart); err != nil {
		return 0, &TargetFileError{Err: err}
	}
	n, err := t.file.Write(p)
	if err != nil {
		return n, &TargetFileError{Err: err}
	}
	return n, nil
}

// Truncate resizes the file, used to pre-size it once the filesize is known.
func (t *TargetFile) Truncate(size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Truncate(size); err != nil {
		return &TargetFileError{Err: err}
	}
	return nil
}

// Close closes the underlying file handle.
func (t *TargetFile) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

// Rename closes the file and moves it to newPath, used on finish to drop
// the ".dl" suffix.
func (t *TargetFile) Rename(newPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Close(); err != nil {
		return &TargetFileError{Err: err}
	}
	if err := os.Rename(t.path, newPath); err != nil {
		return &TargetFileError{Err: err}
	}
	t.path = newPath
	return nil
}

// Remove closes the file and deletes it, used on cancellation.
func (t *TargetFile) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.file.Close()
	return os.Remove(t.path)
}

// Package pim reads and writes the product-index map: a feed-scoped
// persistent dictionary from multicast sequence index to product signature.
// The multicast sender appends entries; the session engine resolves indices
// through a Reader. One reader at a time may hold a map open.
package pim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// recordLen is the fixed on-disk size of one entry: an 8-byte big-endian
// sequence index followed by the 16-byte signature.
const recordLen = 8 + ldm7.SignatureLen

// Sentinel errors for the index map.
var (
	// ErrReaderConflict indicates another reader already holds the map.
	ErrReaderConflict = errors.New("index map already has a reader")

	// ErrCorrupt indicates a map file whose size is not a whole number of
	// records.
	ErrCorrupt = errors.New("index map file is corrupt")
)

// FileName returns the map file name for a feed, used under the queue's
// parent directory.
func FileName(feed ldm7.Feed) string {
	return feed.String() + ".pim"
}

// Path returns the full map path for a feed under dir.
func Path(dir string, feed ldm7.Feed) string {
	return filepath.Join(dir, FileName(feed))
}

// -------------------------------------------------------------------------
// Reader
// -------------------------------------------------------------------------

// Reader resolves sequence indices to signatures. Entries appended by the
// writer process after open become visible to later lookups.
type Reader struct {
	f    *os.File
	lock *os.File

	mu     sync.Mutex
	closed bool
}

// OpenForReading opens the map for feed under dir. At most one reader may
// hold a map at a time; a second open fails with ErrReaderConflict. Exactly
// one Close must execute per successful open, on every exit path.
func OpenForReading(dir string, feed ldm7.Feed) (*Reader, error) {
	path := Path(dir, feed)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index map: %w", err)
	}

	// The reader slot is a separate lock file so the writer's append
	// locks on the data file are unaffected.
	lock, err := os.OpenFile(path+".reader", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open reader lock: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		lock.Close()
		return nil, fmt.Errorf("%w: %s", ErrReaderConflict, path)
	}

	return &Reader{f: f, lock: lock}, nil
}

// Get resolves index to the signature the sender recorded for it. Returns
// ldm7.ErrNotFound when the map has no such entry.
func (r *Reader) Get(index uint64) (ldm7.Signature, error) {
	var sig ldm7.Signature

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return sig, ldm7.ErrClosed
	}

	// Hold off the writer's in-flight append while sizing and reading.
	if err := unix.Flock(int(r.f.Fd()), unix.LOCK_SH); err != nil {
		return sig, fmt.Errorf("lock index map: %w", err)
	}
	defer unix.Flock(int(r.f.Fd()), unix.LOCK_UN)

	fi, err := r.f.Stat()
	if err != nil {
		return sig, fmt.Errorf("stat index map: %w", err)
	}
	if fi.Size()%recordLen != 0 {
		return sig, fmt.Errorf("%w: size %d", ErrCorrupt, fi.Size())
	}
	n := int(fi.Size() / recordLen)

	// Indices are appended in increasing order, so the record offset is
	// found by binary search over the file.
	var rec [recordLen]byte
	readIdx := func(i int) (uint64, error) {
		if _, err := r.f.ReadAt(rec[:], int64(i)*recordLen); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(rec[:8]), nil
	}

	var searchErr error
	pos := sort.Search(n, func(i int) bool {
		if searchErr != nil {
			return true
		}
		idx, err := readIdx(i)
		if err != nil {
			searchErr = err
			return true
		}
		return idx >= index
	})
	if searchErr != nil {
		return sig, fmt.Errorf("read index map: %w", searchErr)
	}
	if pos >= n {
		return sig, ldm7.ErrNotFound
	}
	idx, err := readIdx(pos)
	if err != nil {
		return sig, fmt.Errorf("read index map: %w", err)
	}
	if idx != index {
		return sig, ldm7.ErrNotFound
	}
	copy(sig[:], rec[8:])
	return sig, nil
}

// Close releases the reader slot. Idempotent.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	unix.Flock(int(r.lock.Fd()), unix.LOCK_UN)
	lerr := r.lock.Close()
	ferr := r.f.Close()
	if ferr != nil {
		return ferr
	}
	return lerr
}

// -------------------------------------------------------------------------
// Writer — the sender-side append path
// -------------------------------------------------------------------------

// Writer appends index→signature entries. Used by the multicast sender and
// by tests that seed maps.
type Writer struct {
	f      *os.File
	mu     sync.Mutex
	closed bool
}

// OpenForWriting opens (creating if needed) the map for feed under dir.
func OpenForWriting(dir string, feed ldm7.Feed) (*Writer, error) {
	f, err := os.OpenFile(Path(dir, feed), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open index map for writing: %w", err)
	}
	return &Writer{f: f}, nil
}

// Put appends an entry. Indices must be appended in increasing order; the
// reader's lookup depends on it.
func (w *Writer) Put(index uint64, sig ldm7.Signature) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ldm7.ErrClosed
	}

	var rec [recordLen]byte
	binary.BigEndian.PutUint64(rec[:8], index)
	copy(rec[8:], sig[:])

	if err := unix.Flock(int(w.f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock index map: %w", err)
	}
	defer unix.Flock(int(w.f.Fd()), unix.LOCK_UN)

	if _, err := w.f.Write(rec[:]); err != nil {
		return fmt.Errorf("append index map: %w", err)
	}
	return nil
}

// Close closes the map. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

var _ io.Closer = (*Reader)(nil)

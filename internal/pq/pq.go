// Package pq provides read-cursor access to the on-disk product queue: an
// append-only record store scanned in insertion order. The engine consumes
// the Reader; the Writer is the ingest/test-side append path. Cross-process
// coherence with a concurrent writer is through advisory file locks.
package pq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	xdr "github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/sys/unix"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// magic identifies a product queue file.
var magic = [4]byte{'G', 'P', 'Q', '1'}

// maxProductLen bounds a single stored product record.
const maxProductLen = 1 << 26 // 64 MiB

// Sentinel errors for the queue.
var (
	// ErrBadMagic indicates the file is not a product queue.
	ErrBadMagic = errors.New("not a product queue file")

	// ErrCorrupt indicates a record that cannot be decoded.
	ErrCorrupt = errors.New("product queue is corrupt")
)

// Reader walks the queue under a cursor. The cursor starts at the oldest
// product; SetCursorFromSignature and SetCursorFromTime reposition it;
// Sequence yields the next matching product and advances past it.
//
// A Reader is safe against a concurrent writer process (shared locks around
// each scan step) and against concurrent use from multiple goroutines,
// though the engine drives it from the single dispatcher thread.
type Reader struct {
	mu     sync.Mutex
	f      *os.File
	cursor int64
	closed bool
}

// Open opens the queue at path read-only, cursor at the oldest product.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open product queue: %w", err)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil || hdr != magic {
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read queue header: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrBadMagic, path)
	}
	return &Reader{f: f, cursor: int64(len(magic))}, nil
}

// readRecord decodes the record at off, returning the offset just past it.
func (r *Reader) readRecord(off int64) (ldm7.Product, int64, error) {
	var p ldm7.Product

	var lenBuf [4]byte
	if _, err := r.f.ReadAt(lenBuf[:], off); err != nil {
		if errors.Is(err, io.EOF) {
			return p, off, ldm7.ErrEndOfQueue
		}
		return p, off, fmt.Errorf("read record length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxProductLen {
		return p, off, fmt.Errorf("%w: record length %d at offset %d", ErrCorrupt, length, off)
	}

	body := make([]byte, length)
	if _, err := r.f.ReadAt(body, off+4); err != nil {
		if errors.Is(err, io.EOF) {
			// Truncated tail: the writer's append is not complete yet.
			return p, off, ldm7.ErrEndOfQueue
		}
		return p, off, fmt.Errorf("read record body: %w", err)
	}

	p, err := ldm7.DecodeProduct(xdr.NewDecoder(bytes.NewReader(body)))
	if err != nil {
		return p, off, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return p, off + 4 + int64(length), nil
}

// lockShared takes the cross-process shared lock for a scan.
func (r *Reader) lockShared() error {
	if err := unix.Flock(int(r.f.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("lock product queue: %w", err)
	}
	return nil
}

func (r *Reader) unlock() {
	unix.Flock(int(r.f.Fd()), unix.LOCK_UN)
}

// SetCursorFromSignature positions the cursor just past the product whose
// signature is sig. Returns ldm7.ErrNotFound (cursor unchanged) when no such
// product exists, e.g. because the retention window dropped it.
func (r *Reader) SetCursorFromSignature(sig ldm7.Signature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ldm7.ErrClosed
	}
	if err := r.lockShared(); err != nil {
		return err
	}
	defer r.unlock()

	off := int64(len(magic))
	for {
		p, next, err := r.readRecord(off)
		if errors.Is(err, ldm7.ErrEndOfQueue) {
			return ldm7.ErrNotFound
		}
		if err != nil {
			return err
		}
		if p.Info.Signature == sig {
			r.cursor = next
			return nil
		}
		off = next
	}
}

// SetCursorFromTime positions the cursor at the first product whose arrival
// time is not before t. With no such product the cursor lands at the end of
// the queue.
func (r *Reader) SetCursorFromTime(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ldm7.ErrClosed
	}
	if err := r.lockShared(); err != nil {
		return err
	}
	defer r.unlock()

	target := ldm7.TimestampFromTime(t)
	off := int64(len(magic))
	for {
		p, next, err := r.readRecord(off)
		if errors.Is(err, ldm7.ErrEndOfQueue) {
			r.cursor = off
			return nil
		}
		if err != nil {
			return err
		}
		if !p.Info.Arrival.Before(target) {
			r.cursor = off
			return nil
		}
		off = next
	}
}

// Sequence advances the cursor to the next product matching class, hands it
// to fn, and leaves the cursor just past it. Returns ldm7.ErrEndOfQueue when
// no matching product remains. An error from fn is returned unchanged with
// the cursor already advanced past the product.
func (r *Reader) Sequence(class ldm7.ProductClass, fn func(ldm7.ProductInfo, []byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ldm7.ErrClosed
	}
	if err := r.lockShared(); err != nil {
		return err
	}

	for {
		p, next, err := r.readRecord(r.cursor)
		if err != nil {
			r.unlock()
			return err
		}
		r.cursor = next
		if class.Matches(p.Info) {
			// Release the cross-process lock before the callback:
			// it may block on the peer's socket.
			r.unlock()
			return fn(p.Info, p.Data)
		}
	}
}

// ProcessProduct locates the product with signature sig anywhere in the
// queue, independent of the cursor, and hands it to fn. Returns
// ldm7.ErrNotFound when the queue no longer holds it.
func (r *Reader) ProcessProduct(sig ldm7.Signature, fn func(ldm7.ProductInfo, []byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ldm7.ErrClosed
	}
	if err := r.lockShared(); err != nil {
		return err
	}

	off := int64(len(magic))
	for {
		p, next, err := r.readRecord(off)
		if errors.Is(err, ldm7.ErrEndOfQueue) {
			r.unlock()
			return ldm7.ErrNotFound
		}
		if err != nil {
			r.unlock()
			return err
		}
		if p.Info.Signature == sig {
			r.unlock()
			return fn(p.Info, p.Data)
		}
		off = next
	}
}

// Close closes the queue. Idempotent.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

// -------------------------------------------------------------------------
// Writer — ingest/test-side append path
// -------------------------------------------------------------------------

// Writer appends products to a queue file.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

// Create creates an empty queue at path, truncating any existing file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create product queue: %w", err)
	}
	if _, err := f.Write(magic[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("write queue header: %w", err)
	}
	return &Writer{f: f}, nil
}

// OpenForWriting opens an existing queue for appending.
func OpenForWriting(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open product queue for writing: %w", err)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil || hdr != magic {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadMagic, path)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek queue end: %w", err)
	}
	return &Writer{f: f}, nil
}

// Insert appends a product. The record becomes visible to readers once the
// exclusive lock is released.
func (w *Writer) Insert(p ldm7.Product) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ldm7.ErrClosed
	}

	var body bytes.Buffer
	if err := ldm7.EncodeProduct(xdr.NewEncoder(&body), p); err != nil {
		return fmt.Errorf("encode product: %w", err)
	}
	if body.Len() > maxProductLen {
		return fmt.Errorf("product of %d bytes exceeds record limit", body.Len())
	}

	var rec bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	rec.Write(lenBuf[:])
	rec.Write(body.Bytes())

	if err := unix.Flock(int(w.f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock product queue: %w", err)
	}
	defer unix.Flock(int(w.f.Fd()), unix.LOCK_UN)

	if _, err := w.f.Write(rec.Bytes()); err != nil {
		return fmt.Errorf("append product: %w", err)
	}
	return nil
}

// Close closes the queue. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

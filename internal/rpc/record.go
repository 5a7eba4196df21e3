// Package rpc implements the record-marked ONC-RPC transport the session
// engine speaks on its single accepted TCP connection: a dispatching server
// for inbound calls and a one-way client for outbound notifications, both
// sharing the socket.
package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// -------------------------------------------------------------------------
// Record marking (RFC 5531 section 11)
// -------------------------------------------------------------------------

// lastFragmentBit marks the final fragment of a record in the 4-byte
// fragment header; the low 31 bits carry the fragment length.
const lastFragmentBit = 0x80000000

// maxFragmentLen bounds a single fragment. Products are capped well below
// this by the queue; anything larger is a framing error, not data.
const maxFragmentLen = 1 << 26 // 64 MiB

// maxRecordLen bounds a reassembled record across fragments.
const maxRecordLen = 1 << 27 // 128 MiB

// RecordReader reassembles record-marked messages from a byte stream.
// Not safe for concurrent use; the dispatcher owns the read side.
type RecordReader struct {
	r io.Reader
}

// NewRecordReader wraps r for record-marked reading.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: r}
}

// ReadRecord reads one complete record, reassembling fragments. Returns
// io.EOF only when the stream ends cleanly between records.
func (rr *RecordReader) ReadRecord() ([]byte, error) {
	var record []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(rr.r, hdr[:]); err != nil {
			if err == io.EOF && record == nil {
				return nil, io.EOF
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read fragment header: %w", err)
		}
		word := binary.BigEndian.Uint32(hdr[:])
		last := word&lastFragmentBit != 0
		length := word &^ lastFragmentBit
		if length > maxFragmentLen {
			return nil, fmt.Errorf("fragment length %d exceeds limit", length)
		}
		if uint64(len(record))+uint64(length) > maxRecordLen {
			return nil, fmt.Errorf("record exceeds %d bytes", maxRecordLen)
		}
		frag := make([]byte, length)
		if _, err := io.ReadFull(rr.r, frag); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read fragment body: %w", err)
		}
		record = append(record, frag...)
		if last {
			return record, nil
		}
	}
}

// RecordWriter frames messages with record marking. Callers serialize
// access; the transport guards it with the shared write mutex.
type RecordWriter struct {
	w io.Writer
}

// NewRecordWriter wraps w for record-marked writing.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

// WriteRecord writes msg as a single last-fragment record.
func (rw *RecordWriter) WriteRecord(msg []byte) error {
	if uint64(len(msg)) > maxFragmentLen {
		return fmt.Errorf("record length %d exceeds limit", len(msg))
	}
	var buf bytes.Buffer
	buf.Grow(4 + len(msg))
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg))|lastFragmentBit)
	buf.Write(hdr[:])
	buf.Write(msg)
	_, err := rw.w.Write(buf.Bytes())
	return err
}

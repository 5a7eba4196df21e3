package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	xdr "github.com/davecgh/go-xdr/xdr2"
)

// -------------------------------------------------------------------------
// Server — inbound call dispatch on one accepted connection
// -------------------------------------------------------------------------

// ReplyFunc encodes a successful reply body onto the wire.
type ReplyFunc func(*xdr.Encoder) error

// Handler processes inbound calls for one program/version.
type Handler interface {
	// HandleCall decodes the arguments for proc from args and acts on them.
	//
	// A non-nil ReplyFunc makes the server send an accepted SUCCESS reply
	// whose body the func encodes — the synchronous path. A nil ReplyFunc
	// with nil error means the procedure is one-way: no reply at all.
	//
	// ErrProcUnavail and ErrGarbageArgs map to the corresponding accepted
	// reply errors. Any other error makes the server send SYSTEM_ERR and
	// terminates Serve.
	HandleCall(ctx context.Context, proc uint32, args *xdr.Decoder) (ReplyFunc, error)
}

// Dispatch errors a Handler may return to select the reply status.
var (
	// ErrProcUnavail indicates an unknown procedure number.
	ErrProcUnavail = errors.New("procedure unavailable")

	// ErrGarbageArgs indicates undecodable call arguments.
	ErrGarbageArgs = errors.New("garbage arguments")

	// ErrNoReply wraps a fatal error on a one-way procedure: the server
	// terminates without putting any reply on the wire, since one-way
	// procedures never have responses.
	ErrNoReply = errors.New("fatal without reply")
)

// Transport bundles the shared socket with its framing state. The read side
// belongs to the dispatcher; the write side is shared between server replies
// and the one-way client and is guarded by wmu.
type Transport struct {
	conn net.Conn
	rr   *RecordReader

	wmu sync.Mutex
	rw  *RecordWriter
}

// NewTransport frames an accepted connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{
		conn: conn,
		rr:   NewRecordReader(conn),
		rw:   NewRecordWriter(conn),
	}
}

// RemoteAddr returns the peer's address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// send frames and writes one message under the shared write lock.
func (t *Transport) send(msg []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.rw.WriteRecord(msg)
}

// Server dispatches inbound calls for a single program and version.
type Server struct {
	t       *Transport
	prog    uint32
	vers    uint32
	handler Handler
	logger  *slog.Logger
}

// NewServer creates a server for prog/vers on the transport.
func NewServer(t *Transport, prog, vers uint32, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		t:       t,
		prog:    prog,
		vers:    vers,
		handler: handler,
		logger:  logger.With(slog.String("component", "rpc")),
	}
}

// Transport returns the server's transport, from which the one-way client
// handle is constructed. The file descriptor is shared.
func (s *Server) Transport() *Transport {
	return s.t
}

// Serve reads and dispatches calls until the peer closes the connection,
// the context is canceled, or the handler reports a fatal error. A clean
// peer close returns nil.
func (s *Server) Serve(ctx context.Context) error {
	// Unblock the read loop when the context ends. The dispatcher owns
	// the read side, so closing the connection is the only interrupt.
	stop := context.AfterFunc(ctx, func() {
		_ = s.t.conn.Close()
	})
	defer stop()

	for {
		record, err := s.t.rr.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read call: %w", err)
		}

		if err := s.dispatch(ctx, record); err != nil {
			return err
		}
	}
}

// dispatch decodes and handles one inbound record.
func (s *Server) dispatch(ctx context.Context, record []byte) error {
	dec := xdr.NewDecoder(bytes.NewReader(record))
	hdr, err := DecodeCallHeader(dec)
	if err != nil {
		// Unframeable garbage: nothing sane to reply to.
		return fmt.Errorf("decode call header: %w", err)
	}

	if hdr.Prog != s.prog {
		return s.sendError(hdr.XID, AcceptProgUnavail)
	}
	if hdr.Vers != s.vers {
		return s.sendError(hdr.XID, AcceptProgMismatch)
	}

	reply, err := s.handler.HandleCall(ctx, hdr.Proc, dec)
	switch {
	case errors.Is(err, ErrProcUnavail):
		s.logger.Warn("unknown procedure",
			slog.Uint64("proc", uint64(hdr.Proc)),
		)
		return s.sendError(hdr.XID, AcceptProcUnavail)
	case errors.Is(err, ErrGarbageArgs):
		s.logger.Warn("undecodable arguments",
			slog.Uint64("proc", uint64(hdr.Proc)),
		)
		return s.sendError(hdr.XID, AcceptGarbageArgs)
	case errors.Is(err, ErrNoReply):
		return fmt.Errorf("proc %d: %w", hdr.Proc, err)
	case err != nil:
		// Handler-declared system failure: generic error to the peer,
		// then tear the session down.
		if serr := s.sendError(hdr.XID, AcceptSystemErr); serr != nil {
			s.logger.Warn("send system error reply",
				slog.String("error", serr.Error()),
			)
		}
		return fmt.Errorf("proc %d: %w", hdr.Proc, err)
	}

	if reply == nil {
		// One-way procedure: no reply on the wire.
		return nil
	}

	var buf bytes.Buffer
	enc := xdr.NewEncoder(&buf)
	if err := EncodeAcceptedReply(enc, hdr.XID, AcceptSuccess); err != nil {
		return fmt.Errorf("encode reply header: %w", err)
	}
	if err := reply(enc); err != nil {
		return fmt.Errorf("encode reply body: %w", err)
	}
	if err := s.t.send(buf.Bytes()); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// sendError sends an accepted reply with a non-success status.
func (s *Server) sendError(xid uint32, stat AcceptStat) error {
	var buf bytes.Buffer
	enc := xdr.NewEncoder(&buf)
	if err := EncodeAcceptedReply(enc, xid, stat); err != nil {
		return fmt.Errorf("encode %s reply: %w", stat, err)
	}
	if err := s.t.send(buf.Bytes()); err != nil {
		return fmt.Errorf("send %s reply: %w", stat, err)
	}
	return nil
}

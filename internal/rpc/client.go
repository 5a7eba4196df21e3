package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	xdr "github.com/davecgh/go-xdr/xdr2"
)

// ErrClientClosed indicates a Cast on a client that was already destroyed.
var ErrClientClosed = errors.New("rpc client is closed")

// -------------------------------------------------------------------------
// Client — one-way calls on the shared socket
// -------------------------------------------------------------------------

// Client sends one-way calls over an already-established transport,
// typically the same socket a Server is dispatching on. After the
// synchronous handshake, all traffic in both directions is one-way, so no
// reply demultiplexing exists: a successful send is success.
type Client struct {
	t      *Transport
	prog   uint32
	vers   uint32
	xid    atomic.Uint32
	closed sync.Once
	done   atomic.Bool
}

// NewClient creates a one-way client for prog/vers on the transport. The
// transport's file descriptor is shared with the server side; closing the
// client does not close the socket.
func NewClient(t *Transport, prog, vers uint32) *Client {
	return &Client{t: t, prog: prog, vers: vers}
}

// Cast sends a one-way call for proc whose argument body args encodes.
// Returns ErrClientClosed after Close, and otherwise an error only on encode
// or transport failure; there is no reply.
func (c *Client) Cast(proc uint32, args func(*xdr.Encoder) error) error {
	if c.done.Load() {
		return ErrClientClosed
	}
	var buf bytes.Buffer
	enc := xdr.NewEncoder(&buf)
	hdr := CallHeader{
		XID:  c.xid.Add(1),
		Prog: c.prog,
		Vers: c.vers,
		Proc: proc,
	}
	if err := EncodeCallHeader(enc, hdr); err != nil {
		return fmt.Errorf("encode call header: %w", err)
	}
	if args != nil {
		if err := args(enc); err != nil {
			return fmt.Errorf("encode call args: %w", err)
		}
	}
	if err := c.t.send(buf.Bytes()); err != nil {
		return fmt.Errorf("send call: %w", err)
	}
	return nil
}

// Close marks the client unusable. Idempotent. The shared socket stays open
// for the server side.
func (c *Client) Close() {
	c.closed.Do(func() {
		c.done.Store(true)
	})
}

// Package mcast connects a session to the multicast manager: the collaborator
// that ensures a publisher exists for a feed and hands out FMTP client
// addresses from the publisher's pool. The engine consumes the Manager
// interface; Client speaks to the parent daemon's manager over a unix
// socket, and InProcess is the serialized manager the daemon and the tests
// run directly.
package mcast

import (
	"context"
	"errors"
	"net/netip"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// Sentinel errors for manager operations.
var (
	// ErrNoSuchFeed indicates the feed has no multicast publisher. The
	// handshake turns this into a NOENT subscription reply.
	ErrNoSuchFeed = errors.New("feed is not multicast")

	// ErrPoolExhausted indicates the publisher's FMTP address pool has no
	// free address.
	ErrPoolExhausted = errors.New("fmtp address pool exhausted")
)

// SubscriptionInfo is what a successful subscribe returns: the publisher's
// coordinates and the FMTP client address allocated to this peer.
type SubscriptionInfo struct {
	// Group is the multicast group the publisher sends on.
	Group netip.AddrPort

	// FmtpServer is the publisher's FMTP TCP server.
	FmtpServer netip.AddrPort

	// ClientAddr is the allocated FMTP client address, CIDR-tagged with
	// the pool's prefix length.
	ClientAddr netip.Prefix
}

// Manager is the subscribe/unsubscribe contract the engine consumes.
//
// Subscribe is non-blocking and safe under process-parallel contention; the
// manager serializes internally. Unsubscribe is idempotent: it tolerates
// "never subscribed" and "already released", so duplicate release on crash
// paths is harmless.
type Manager interface {
	Subscribe(ctx context.Context, feed ldm7.Feed) (SubscriptionInfo, error)
	Unsubscribe(ctx context.Context, feed ldm7.Feed, clientAddr netip.Addr) error
}

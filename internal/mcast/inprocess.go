package mcast

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// -------------------------------------------------------------------------
// InProcess — the serialized manager behind the unix-socket server
// -------------------------------------------------------------------------

// Publisher describes one feed's multicast publisher: where it sends and
// the pool its subscribers draw client addresses from.
type Publisher struct {
	Feed       ldm7.Feed
	Group      netip.AddrPort
	FmtpServer netip.AddrPort
	Pool       *AddrPool
}

// InProcess is the multicast manager itself: a registry of publishers keyed
// by feed. All operations serialize on one mutex, which is what makes
// Subscribe safe under contention from parallel session processes funneled
// through the unix-socket server.
type InProcess struct {
	mu         sync.Mutex
	publishers map[ldm7.Feed]*Publisher
	logger     *slog.Logger
}

// NewInProcess creates an empty manager.
func NewInProcess(logger *slog.Logger) *InProcess {
	return &InProcess{
		publishers: map[ldm7.Feed]*Publisher{},
		logger:     logger.With(slog.String("component", "mcast")),
	}
}

// AddPublisher registers a publisher for its feed, replacing any previous
// registration.
func (m *InProcess) AddPublisher(pub *Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers[pub.Feed] = pub
}

// lookup finds the publisher whose feed intersects feed. Exact-feed entries
// win over composite ones.
func (m *InProcess) lookup(feed ldm7.Feed) *Publisher {
	if pub, ok := m.publishers[feed]; ok {
		return pub
	}
	for _, pub := range m.publishers {
		if pub.Feed.Intersect(feed) != ldm7.FeedNone {
			return pub
		}
	}
	return nil
}

// Subscribe ensures a publisher exists for feed and allocates a client
// address from its pool.
func (m *InProcess) Subscribe(_ context.Context, feed ldm7.Feed) (SubscriptionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := m.lookup(feed)
	if pub == nil {
		return SubscriptionInfo{}, fmt.Errorf("%w: %s", ErrNoSuchFeed, feed)
	}
	clientAddr, err := pub.Pool.Allocate()
	if err != nil {
		return SubscriptionInfo{}, fmt.Errorf("feed %s: %w", feed, err)
	}

	m.logger.Info("subscribed",
		slog.String("feed", feed.String()),
		slog.String("client_addr", clientAddr.String()),
	)
	return SubscriptionInfo{
		Group:      pub.Group,
		FmtpServer: pub.FmtpServer,
		ClientAddr: clientAddr,
	}, nil
}

// Unsubscribe returns clientAddr to the feed's pool. A feed with no
// publisher, an address never allocated, and a double release are all
// no-ops.
func (m *InProcess) Unsubscribe(_ context.Context, feed ldm7.Feed, clientAddr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := m.lookup(feed)
	if pub == nil {
		return nil
	}
	pub.Pool.Release(clientAddr)

	m.logger.Info("unsubscribed",
		slog.String("feed", feed.String()),
		slog.String("client_addr", clientAddr.String()),
	)
	return nil
}

var _ Manager = (*InProcess)(nil)

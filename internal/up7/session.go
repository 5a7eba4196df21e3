// Package up7 implements the upstream session engine: one instance per
// downstream peer, owning the subscription handshake, the missed-product
// and backlog recovery streams, and the teardown of every resource the
// session acquires.
package up7

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
	"github.com/bsteffensmeier/goldm/internal/mcast"
	"github.com/bsteffensmeier/goldm/internal/pim"
	"github.com/bsteffensmeier/goldm/internal/pq"
	"github.com/bsteffensmeier/goldm/internal/rpc"
)

// FeedAuthorizer is the policy oracle's query API: the feeds a peer may
// subscribe to, by hostname or address.
type FeedAuthorizer interface {
	AllowedFeeds(hostname string, addr netip.Addr) ldm7.Feed
}

// CircuitProvisioner creates and destroys the layer-2 virtual circuit that
// carries the multicast.
type CircuitProvisioner interface {
	Provision(ctx context.Context, workgroup, description string, end1, end2 ldm7.VcEndpoint) (string, error)
	Remove(ctx context.Context, workgroup, circuitID string) error
}

// MetricsReporter receives session observations. Never nil on a Session;
// noopMetrics is used when no collector is configured.
type MetricsReporter interface {
	RequestReceived(proc string)
	ProductDelivered(stream string, bytes int)
	NoSuchProduct()
	StateChanged(state State)
}

// noopMetrics discards all observations.
type noopMetrics struct{}

func (noopMetrics) RequestReceived(string)      {}
func (noopMetrics) ProductDelivered(string, int) {}
func (noopMetrics) NoSuchProduct()               {}
func (noopMetrics) StateChanged(State)           {}

// Config holds the engine-init parameters a Session needs beyond its
// collaborators.
type Config struct {
	// Workgroup is the provisioning workgroup for circuit operations.
	Workgroup string

	// LocalVcEnd is the local end of every provisioned circuit.
	LocalVcEnd ldm7.VcEndpoint

	// QueuePath locates the read-only product queue.
	QueuePath string

	// PimDir is the directory holding per-feed product-index maps,
	// conventionally the queue's parent directory.
	PimDir string
}

// Session is the per-process engine state. Exactly one exists per process;
// all mutation happens on the RPC dispatcher thread, so the fields need no
// locking — only teardown, which may run from a signal path, is guarded.
type Session struct {
	cfg     Config
	policy  FeedAuthorizer
	mgr     mcast.Manager
	prov    CircuitProvisioner
	metrics MetricsReporter
	logger  *slog.Logger

	// lookupAddr resolves the peer address to hostnames. Injectable for
	// tests; defaults to the system resolver.
	lookupAddr func(ctx context.Context, addr string) ([]string, error)

	state State

	// feed and fmtpAddr are set and cleared together: feed is non-NONE
	// exactly when fmtpAddr is allocated.
	feed     ldm7.Feed
	fmtpAddr netip.Prefix

	// circuitID is non-empty only if the handshake progressed past
	// circuit creation. At most one Remove targets it.
	circuitID string

	indexMap *pim.Reader
	queue    *pq.Reader
	client   *rpc.Client

	closeOnce sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics wires a metrics reporter into the session.
func WithMetrics(m MetricsReporter) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithAddrLookup overrides the reverse resolver used to name the peer.
func WithAddrLookup(fn func(ctx context.Context, addr string) ([]string, error)) Option {
	return func(s *Session) {
		s.lookupAddr = fn
	}
}

// NewSession creates the engine for one downstream peer.
func NewSession(
	cfg Config,
	authorizer FeedAuthorizer,
	mgr mcast.Manager,
	prov CircuitProvisioner,
	logger *slog.Logger,
	opts ...Option,
) *Session {
	s := &Session{
		cfg:        cfg,
		policy:     authorizer,
		mgr:        mgr,
		prov:       prov,
		metrics:    noopMetrics{},
		logger:     logger.With(slog.String("component", "up7")),
		lookupAddr: net.DefaultResolver.LookupAddr,
		state:      StateInit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Done reports whether the session is unusable.
func (s *Session) Done() bool {
	return s.state == StateDone
}

// apply runs a lifecycle event through the state machine.
func (s *Session) apply(event Event) {
	next, changed := Next(s.state, event)
	if !changed {
		return
	}
	s.logger.Debug("session state change",
		slog.String("from", s.state.String()),
		slog.String("to", next.String()),
		slog.String("event", event.String()),
	)
	s.state = next
	s.metrics.StateChanged(next)
}

// fatal marks the session done after a fatal error, destroying the client
// handle so no further outbound call can be attempted.
func (s *Session) fatal(event Event, msg string, err error) error {
	if err != nil {
		s.logger.Error(msg,
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Error(msg)
	}
	if s.client != nil {
		s.client.Close()
	}
	s.apply(event)
	return err
}

// Close releases every resource the session owns, in this order: client
// handle, index map, product queue, multicast subscription, virtual
// circuit. Idempotent; registered to run on all exit paths.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx := context.Background()

		if s.client != nil {
			s.client.Close()
			s.client = nil
		}
		if s.indexMap != nil {
			if err := s.indexMap.Close(); err != nil {
				s.logger.Warn("close index map",
					slog.String("error", err.Error()),
				)
			}
			s.indexMap = nil
		}
		if s.queue != nil {
			if err := s.queue.Close(); err != nil {
				s.logger.Warn("close product queue",
					slog.String("error", err.Error()),
				)
			}
			s.queue = nil
		}
		if s.feed != ldm7.FeedNone {
			if err := s.mgr.Unsubscribe(ctx, s.feed, s.fmtpAddr.Addr()); err != nil {
				s.logger.Warn("unsubscribe",
					slog.String("feed", s.feed.String()),
					slog.String("error", err.Error()),
				)
			}
			s.feed = ldm7.FeedNone
			s.fmtpAddr = netip.Prefix{}
		}
		if s.circuitID != "" {
			if err := s.prov.Remove(ctx, s.cfg.Workgroup, s.circuitID); err != nil {
				s.logger.Warn("remove virtual circuit",
					slog.String("circuit", s.circuitID),
					slog.String("error", err.Error()),
				)
			}
			s.circuitID = ""
		}
		s.apply(EventFatal)
	})
}

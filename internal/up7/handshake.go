package up7

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
	"github.com/bsteffensmeier/goldm/internal/mcast"
	"github.com/bsteffensmeier/goldm/internal/pim"
	"github.com/bsteffensmeier/goldm/internal/pq"
	"github.com/bsteffensmeier/goldm/internal/rpc"
)

// ErrAlreadySubscribed indicates a second subscribe call on a session that
// already completed its handshake.
var ErrAlreadySubscribed = errors.New("session is already subscribed")

// peerName resolves the peer's address to a hostname for the policy query.
// Resolution failure is not an error: the policy oracle also matches
// address literals.
func (s *Session) peerName(ctx context.Context, addr netip.Addr) string {
	names, err := s.lookupAddr(ctx, addr.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// peerAddr extracts the peer's IP from the transport address.
func peerAddr(remote net.Addr) netip.Addr {
	switch a := remote.(type) {
	case *net.TCPAddr:
		addr, _ := netip.AddrFromSlice(a.IP)
		return addr.Unmap()
	default:
		ap, err := netip.ParseAddrPort(remote.String())
		if err != nil {
			return netip.Addr{}
		}
		return ap.Addr().Unmap()
	}
}

// subscribe runs the synchronous handshake. A nil error with a reply means
// the reply goes back to the peer, rejections included; a non-nil error is
// a session failure the dispatch layer answers with a generic system error.
//
// Each step unwinds the previously-completed steps in reverse on failure.
func (s *Session) subscribe(ctx context.Context, req ldm7.SubscriptionRequest, remote net.Addr, transport *rpc.Transport) (*ldm7.SubscriptionReply, error) {
	if s.feed != ldm7.FeedNone {
		return nil, ErrAlreadySubscribed
	}

	// Step 1: reduce the desired feed through the policy oracle.
	addr := peerAddr(remote)
	host := s.peerName(ctx, addr)
	allowed := s.policy.AllowedFeeds(host, addr)
	reduced := req.Feed.Intersect(allowed)

	logger := s.logger.With(
		slog.String("peer", addr.String()),
		slog.String("host", host),
	)

	if reduced == ldm7.FeedNone {
		logger.Warn("subscription rejected by policy",
			slog.String("desired", req.Feed.String()),
		)
		return &ldm7.SubscriptionReply{Status: ldm7.StatusUnauth}, nil
	}

	// Step 2: provision the virtual circuit to the peer's endpoint.
	desc := fmt.Sprintf("%s feed", reduced)
	circuitID, err := s.prov.Provision(ctx, s.cfg.Workgroup, desc, s.cfg.LocalVcEnd, req.VcEnd)
	if err != nil {
		logger.Error("provision virtual circuit",
			slog.String("end2", req.VcEnd.String()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("provision circuit: %w", err)
	}
	s.circuitID = circuitID

	// Step 3: subscribe with the multicast manager.
	info, err := s.mgr.Subscribe(ctx, reduced)
	if err != nil {
		s.removeCircuit(ctx)
		if errors.Is(err, mcast.ErrNoSuchFeed) {
			// The feed is allowed but nothing multicasts it; likely a
			// configuration gap rather than a policy one.
			logger.Warn("allowed feed is not multicast",
				slog.String("feed", reduced.String()),
			)
			return &ldm7.SubscriptionReply{Status: ldm7.StatusNoEnt}, nil
		}
		return nil, fmt.Errorf("multicast subscribe: %w", err)
	}

	// Step 4: open the product-index map for the reduced feed.
	indexMap, err := pim.OpenForReading(s.cfg.PimDir, reduced)
	if err != nil {
		if uerr := s.mgr.Unsubscribe(ctx, reduced, info.ClientAddr.Addr()); uerr != nil {
			logger.Warn("unsubscribe after index-map failure",
				slog.String("error", uerr.Error()),
			)
		}
		s.removeCircuit(ctx)
		return nil, fmt.Errorf("open index map: %w", err)
	}

	// Step 5: record the subscription. Feed and FMTP address move
	// together.
	s.indexMap = indexMap
	s.feed = reduced
	s.fmtpAddr = info.ClientAddr
	s.apply(EventSubscribed)

	logger.Info("subscription accepted",
		slog.String("feed", reduced.String()),
		slog.String("client_addr", info.ClientAddr.String()),
		slog.String("group", info.Group.String()),
	)

	// Step 6: open the product queue (once per process) and install the
	// client transport on the accepted socket. Failure here is a session
	// failure: the dispatch layer sends a generic system error.
	if s.queue == nil {
		queue, err := pq.Open(s.cfg.QueuePath)
		if err != nil {
			return nil, fmt.Errorf("open product queue: %w", err)
		}
		s.queue = queue
	}
	s.client = rpc.NewClient(transport, ldm7.Program, ldm7.Version)
	s.apply(EventTransportUp)

	return &ldm7.SubscriptionReply{
		Status: ldm7.StatusOK,
		Mcast: ldm7.McastInfo{
			Group:      info.Group,
			FmtpServer: info.FmtpServer,
		},
		ClientAddr: info.ClientAddr,
	}, nil
}

// removeCircuit unwinds the circuit provisioned at handshake step 2. At
// most one removal per provisioned handle.
func (s *Session) removeCircuit(ctx context.Context) {
	if s.circuitID == "" {
		return
	}
	if err := s.prov.Remove(ctx, s.cfg.Workgroup, s.circuitID); err != nil {
		s.logger.Warn("remove virtual circuit",
			slog.String("circuit", s.circuitID),
			slog.String("error", err.Error()),
		)
	}
	s.circuitID = ""
}

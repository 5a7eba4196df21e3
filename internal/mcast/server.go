package mcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// -------------------------------------------------------------------------
// Server — unix-socket front of the in-process manager
// -------------------------------------------------------------------------

// Server exposes an InProcess manager on a unix socket for the per-peer
// session processes. One request per connection; the manager serializes the
// operations themselves.
type Server struct {
	mgr    *InProcess
	ln     net.Listener
	logger *slog.Logger
}

// NewServer listens on the unix socket at path.
func NewServer(path string, mgr *InProcess, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Server{
		mgr:    mgr,
		ln:     ln,
		logger: logger.With(slog.String("component", "mcast-server")),
	}, nil
}

// Serve accepts connections until the context is canceled or the listener
// closes.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.Close()
	})
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	return s.ln.Close()
}

// handle serves one request/response exchange.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("undecodable manager request",
			slog.String("error", err.Error()),
		)
		return
	}

	resp := s.dispatch(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("send manager response",
			slog.String("error", err.Error()),
		)
	}
}

// dispatch runs one operation against the manager.
func (s *Server) dispatch(ctx context.Context, req request) response {
	feed := ldm7.Feed(req.Feed)
	switch req.Op {
	case "subscribe":
		info, err := s.mgr.Subscribe(ctx, feed)
		if errors.Is(err, ErrNoSuchFeed) {
			return response{Status: "noent", Error: err.Error()}
		}
		if err != nil {
			return response{Status: "error", Error: err.Error()}
		}
		return response{
			Status: "ok",
			Group:  info.Group.String(),
			Fmtp:   info.FmtpServer.String(),
			Client: info.ClientAddr.String(),
		}
	case "unsubscribe":
		addr, err := netip.ParseAddr(req.Client)
		if err != nil {
			return response{Status: "error", Error: "bad client address: " + req.Client}
		}
		if err := s.mgr.Unsubscribe(ctx, feed, addr); err != nil {
			return response{Status: "error", Error: err.Error()}
		}
		return response{Status: "ok"}
	default:
		return response{Status: "error", Error: "unknown operation: " + req.Op}
	}
}

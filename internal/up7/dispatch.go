package up7

import (
	"context"
	"fmt"
	"log/slog"

	xdr "github.com/davecgh/go-xdr/xdr2"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
	"github.com/bsteffensmeier/goldm/internal/rpc"
)

// Dispatcher adapts the session to the RPC server: it decodes each inbound
// call and routes it to the handshake or a recovery stream. Subscribe is
// the only procedure that produces a reply; everything else is one-way, and
// failures there terminate the session without any wire response.
type Dispatcher struct {
	session   *Session
	transport *rpc.Transport
	logger    *slog.Logger
}

// NewDispatcher creates the dispatch adapter for one accepted connection.
func NewDispatcher(session *Session, transport *rpc.Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		session:   session,
		transport: transport,
		logger:    logger.With(slog.String("component", "dispatch")),
	}
}

var _ rpc.Handler = (*Dispatcher)(nil)

// HandleCall implements rpc.Handler.
func (d *Dispatcher) HandleCall(ctx context.Context, proc uint32, args *xdr.Decoder) (rpc.ReplyFunc, error) {
	d.session.metrics.RequestReceived(ldm7.ProcName(proc))

	switch proc {
	case ldm7.ProcSubscribe:
		return d.handleSubscribe(ctx, args)

	case ldm7.ProcRequestProduct:
		index, _, err := args.DecodeUhyper()
		if err != nil {
			return nil, fmt.Errorf("%w: decode product request: %v", rpc.ErrNoReply, err)
		}
		if err := d.session.requestProduct(ctx, index); err != nil {
			return nil, fmt.Errorf("%w: %v", rpc.ErrNoReply, err)
		}
		return nil, nil

	case ldm7.ProcRequestBacklog:
		spec, err := ldm7.DecodeBacklogSpec(args)
		if err != nil {
			return nil, fmt.Errorf("%w: decode backlog request: %v", rpc.ErrNoReply, err)
		}
		if err := d.session.requestBacklog(ctx, spec); err != nil {
			return nil, fmt.Errorf("%w: %v", rpc.ErrNoReply, err)
		}
		return nil, nil

	case ldm7.ProcTestConnection:
		// Keep-alive probe: accepted in every state, no side effects.
		d.logger.Debug("connection test from peer")
		return nil, nil

	default:
		return nil, rpc.ErrProcUnavail
	}
}

// handleSubscribe runs the synchronous handshake and encodes its reply. A
// nil reply from the session is a resource failure: the server answers
// with a generic system error and the session is done.
func (d *Dispatcher) handleSubscribe(ctx context.Context, args *xdr.Decoder) (rpc.ReplyFunc, error) {
	req, err := ldm7.DecodeSubscriptionRequest(args)
	if err != nil {
		return nil, rpc.ErrGarbageArgs
	}

	reply, err := d.session.subscribe(ctx, req, d.transport.RemoteAddr(), d.transport)
	if err != nil {
		d.session.apply(EventFatal)
		return nil, err
	}

	return func(enc *xdr.Encoder) error {
		return ldm7.EncodeSubscriptionReply(enc, *reply)
	}, nil
}

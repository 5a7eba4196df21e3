package up7

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xdr "github.com/davecgh/go-xdr/xdr2"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// streamBacklog labels backlog deliveries in logs and metrics.
const streamBacklog = "backlog"

// errStopBacklog ends the replay loop when the stop signature is reached.
var errStopBacklog = errors.New("backlog stop signature reached")

// positionCursor places the queue cursor for a backlog replay: just past
// the "after" signature when present and still in the queue, otherwise at
// "now minus timeOffset".
func (s *Session) positionCursor(spec ldm7.BacklogSpec) error {
	if spec.AfterIsSet {
		err := s.queue.SetCursorFromSignature(spec.After)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ldm7.ErrNotFound) {
			return err
		}
		// The after-product aged out; fall through to time-based.
		s.logger.Info("backlog start signature not in queue",
			slog.String("after", spec.After.String()),
		)
	}

	now := time.Now()
	sec := now.Unix() - int64(spec.TimeOffset)
	if sec < 0 {
		sec = 0
	}
	return s.queue.SetCursorFromTime(time.Unix(sec, 0))
}

// requestBacklog replays every feed-matching product from the cursor up to,
// but not including, the product whose signature equals spec.Before.
// Products are delivered in queue-insertion order. Reaching the end of the
// queue without seeing the stop signature ends the backlog quietly; the
// session stays up.
func (s *Session) requestBacklog(ctx context.Context, spec ldm7.BacklogSpec) error {
	if s.client == nil {
		return s.fatal(EventMisuse, "backlog request before subscription", ErrNotSubscribed)
	}

	if err := s.positionCursor(spec); err != nil {
		return s.fatal(EventFatal, "position backlog cursor", err)
	}

	// The filter is the match-all template narrowed to the session feed;
	// the template's compiled identifier pattern carries over.
	class := ldm7.MatchAll().Narrow(s.feed)

	var sent int
	for {
		err := s.queue.Sequence(class, func(info ldm7.ProductInfo, data []byte) error {
			if info.Signature == spec.Before {
				return errStopBacklog
			}
			castErr := s.client.Cast(ldm7.ProcDeliverBacklogProduct, func(enc *xdr.Encoder) error {
				return ldm7.EncodeProduct(enc, ldm7.Product{Info: info, Data: data})
			})
			if castErr == nil {
				sent++
				s.metrics.ProductDelivered(streamBacklog, len(data))
			}
			return castErr
		})
		switch {
		case errors.Is(err, errStopBacklog):
			s.logger.Info("backlog complete",
				slog.Int("products", sent),
				slog.String("before", spec.Before.String()),
			)
			return nil
		case errors.Is(err, ldm7.ErrEndOfQueue):
			s.logger.Info("backlog reached end of queue without stop signature",
				slog.Int("products", sent),
				slog.String("before", spec.Before.String()),
			)
			return nil
		case err != nil:
			return s.fatal(EventFatal, "deliver backlog product", err)
		}
	}
}

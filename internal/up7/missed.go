package up7

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	xdr "github.com/davecgh/go-xdr/xdr2"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// ErrNotSubscribed indicates a recovery request from a peer that never
// completed the handshake. Peer misuse; fatal to the session.
var ErrNotSubscribed = errors.New("recovery request without subscription")

// streamMissed labels missed-product deliveries in logs and metrics.
const streamMissed = "missed"

// castNoSuchProduct tells the peer that index resolves to nothing.
func (s *Session) castNoSuchProduct(index uint64) error {
	s.metrics.NoSuchProduct()
	return s.client.Cast(ldm7.ProcNoSuchProduct, func(enc *xdr.Encoder) error {
		_, err := enc.EncodeUhyper(index)
		return err
	})
}

// requestProduct serves one missed-product lookup: resolve the multicast
// sequence index to a signature, locate the product, and deliver it — or a
// no-such-product notice — as a one-way call. Transport errors are fatal.
func (s *Session) requestProduct(ctx context.Context, index uint64) error {
	if s.client == nil {
		return s.fatal(EventMisuse, "product request before subscription", ErrNotSubscribed)
	}

	logger := s.logger.With(slog.Uint64("index", index))

	sig, err := s.indexMap.Get(index)
	if errors.Is(err, ldm7.ErrNotFound) {
		logger.Info("no signature for sequence index")
		if err := s.castNoSuchProduct(index); err != nil {
			return s.fatal(EventFatal, "send no-such-product notice", err)
		}
		return nil
	}
	if err != nil {
		return s.fatal(EventFatal, "look up sequence index", err)
	}

	var delivered int
	err = s.queue.ProcessProduct(sig, func(info ldm7.ProductInfo, data []byte) error {
		delivered = len(data)
		return s.client.Cast(ldm7.ProcDeliverMissedProduct, func(enc *xdr.Encoder) error {
			return ldm7.EncodeMissedProduct(enc, ldm7.MissedProduct{
				Index:   index,
				Product: ldm7.Product{Info: info, Data: data},
			})
		})
	})
	switch {
	case errors.Is(err, ldm7.ErrNotFound):
		// The retention window dropped the product.
		logger.Info("product aged out of queue",
			slog.String("signature", sig.String()),
		)
		if err := s.castNoSuchProduct(index); err != nil {
			return s.fatal(EventFatal, "send no-such-product notice", err)
		}
		return nil
	case err != nil:
		return s.fatal(EventFatal, "deliver missed product", fmt.Errorf("signature %s: %w", sig, err))
	}

	s.metrics.ProductDelivered(streamMissed, delivered)
	logger.Debug("delivered missed product",
		slog.String("signature", sig.String()),
	)
	return nil
}

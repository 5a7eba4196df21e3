package ldm7

import (
	"errors"
	"fmt"
	"net/netip"

	xdr "github.com/davecgh/go-xdr/xdr2"
)

// -------------------------------------------------------------------------
// Wire messages — XDR encode/decode
// -------------------------------------------------------------------------

// Program and version of the session protocol. Both must match the peer and
// the parent daemon; the dispatch layer rejects anything else.
const (
	Program = 300029
	Version = 7
)

// Procedure numbers on the session. Subscribe is the only synchronous call;
// everything after it is one-way.
const (
	ProcSubscribe             = 1
	ProcRequestProduct        = 2
	ProcRequestBacklog        = 3
	ProcTestConnection        = 4
	ProcDeliverMissedProduct  = 5
	ProcDeliverBacklogProduct = 6
	ProcNoSuchProduct         = 7
)

// ProcName returns the name of a session procedure for logging.
func ProcName(proc uint32) string {
	switch proc {
	case ProcSubscribe:
		return "subscribe"
	case ProcRequestProduct:
		return "request_product"
	case ProcRequestBacklog:
		return "request_backlog"
	case ProcTestConnection:
		return "test_connection"
	case ProcDeliverMissedProduct:
		return "deliver_missed_product"
	case ProcDeliverBacklogProduct:
		return "deliver_backlog_product"
	case ProcNoSuchProduct:
		return "no_such_product"
	default:
		return "unknown"
	}
}

// ErrNotIPv4 indicates an address that cannot be carried in the 4-byte wire
// slots of the subscription reply.
var ErrNotIPv4 = errors.New("address is not IPv4")

// VcEndpoint identifies one end of a layer-2 virtual circuit.
type VcEndpoint struct {
	SwitchID string
	PortID   string
	VlanID   uint32
}

// String formats the endpoint as switch/port.vlan.
func (e VcEndpoint) String() string {
	return fmt.Sprintf("%s/%s.%d", e.SwitchID, e.PortID, e.VlanID)
}

// SubscriptionRequest is the argument of the synchronous subscribe call.
type SubscriptionRequest struct {
	Feed  Feed
	VcEnd VcEndpoint
}

// McastInfo holds the multicast group and FMTP server coordinates returned
// on a successful subscription.
type McastInfo struct {
	Group      netip.AddrPort
	FmtpServer netip.AddrPort
}

// SubscriptionReply is the tagged result of the subscribe call. Status is
// the discriminant; the remaining fields are meaningful only on StatusOK.
type SubscriptionReply struct {
	Status     Status
	Mcast      McastInfo
	ClientAddr netip.Prefix
}

// BacklogSpec asks for a replay of feed-matching products: start just after
// After when AfterIsSet, else at now minus TimeOffset seconds; stop before
// the product whose signature equals Before.
type BacklogSpec struct {
	Feed       Feed
	AfterIsSet bool
	After      Signature
	TimeOffset uint32
	Before     Signature
}

// -------------------------------------------------------------------------
// Encoders
// -------------------------------------------------------------------------

func encodeAddr4(enc *xdr.Encoder, addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("%w: %s", ErrNotIPv4, addr)
	}
	a4 := addr.As4()
	_, err := enc.EncodeFixedOpaque(a4[:])
	return err
}

func decodeAddr4(dec *xdr.Decoder) (netip.Addr, error) {
	b, _, err := dec.DecodeFixedOpaque(4)
	if err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]}), nil
}

// EncodeTimestamp writes a timestamp as two unsigned 32-bit words.
func EncodeTimestamp(enc *xdr.Encoder, ts Timestamp) error {
	if _, err := enc.EncodeUint(ts.Seconds); err != nil {
		return err
	}
	_, err := enc.EncodeUint(ts.Micros)
	return err
}

// DecodeTimestamp reads a timestamp written by EncodeTimestamp.
func DecodeTimestamp(dec *xdr.Decoder) (Timestamp, error) {
	var ts Timestamp
	var err error
	if ts.Seconds, _, err = dec.DecodeUint(); err != nil {
		return ts, err
	}
	ts.Micros, _, err = dec.DecodeUint()
	return ts, err
}

// EncodeSignature writes a signature as fixed opaque bytes.
func EncodeSignature(enc *xdr.Encoder, sig Signature) error {
	_, err := enc.EncodeFixedOpaque(sig[:])
	return err
}

// DecodeSignature reads a signature written by EncodeSignature.
func DecodeSignature(dec *xdr.Decoder) (Signature, error) {
	var sig Signature
	b, _, err := dec.DecodeFixedOpaque(SignatureLen)
	if err != nil {
		return sig, err
	}
	copy(sig[:], b)
	return sig, nil
}

// EncodeProductInfo writes product metadata.
func EncodeProductInfo(enc *xdr.Encoder, info ProductInfo) error {
	if err := EncodeTimestamp(enc, info.Arrival); err != nil {
		return err
	}
	if err := EncodeSignature(enc, info.Signature); err != nil {
		return err
	}
	if _, err := enc.EncodeString(info.Origin); err != nil {
		return err
	}
	if _, err := enc.EncodeUint(uint32(info.Feed)); err != nil {
		return err
	}
	if _, err := enc.EncodeUint(info.SeqNum); err != nil {
		return err
	}
	if _, err := enc.EncodeString(info.Ident); err != nil {
		return err
	}
	_, err := enc.EncodeUint(info.Size)
	return err
}

// DecodeProductInfo reads product metadata written by EncodeProductInfo.
func DecodeProductInfo(dec *xdr.Decoder) (ProductInfo, error) {
	var info ProductInfo
	var err error
	if info.Arrival, err = DecodeTimestamp(dec); err != nil {
		return info, err
	}
	if info.Signature, err = DecodeSignature(dec); err != nil {
		return info, err
	}
	if info.Origin, _, err = dec.DecodeString(); err != nil {
		return info, err
	}
	var feed uint32
	if feed, _, err = dec.DecodeUint(); err != nil {
		return info, err
	}
	info.Feed = Feed(feed)
	if info.SeqNum, _, err = dec.DecodeUint(); err != nil {
		return info, err
	}
	if info.Ident, _, err = dec.DecodeString(); err != nil {
		return info, err
	}
	info.Size, _, err = dec.DecodeUint()
	return info, err
}

// EncodeProduct writes metadata followed by the variable-length payload.
func EncodeProduct(enc *xdr.Encoder, p Product) error {
	if err := EncodeProductInfo(enc, p.Info); err != nil {
		return err
	}
	_, err := enc.EncodeOpaque(p.Data)
	return err
}

// DecodeProduct reads a product written by EncodeProduct.
func DecodeProduct(dec *xdr.Decoder) (Product, error) {
	var p Product
	var err error
	if p.Info, err = DecodeProductInfo(dec); err != nil {
		return p, err
	}
	p.Data, _, err = dec.DecodeOpaque()
	return p, err
}

// EncodeMissedProduct writes the index and the product it resolves to.
func EncodeMissedProduct(enc *xdr.Encoder, mp MissedProduct) error {
	if _, err := enc.EncodeUhyper(mp.Index); err != nil {
		return err
	}
	return EncodeProduct(enc, mp.Product)
}

// DecodeMissedProduct reads a pair written by EncodeMissedProduct.
func DecodeMissedProduct(dec *xdr.Decoder) (MissedProduct, error) {
	var mp MissedProduct
	var err error
	if mp.Index, _, err = dec.DecodeUhyper(); err != nil {
		return mp, err
	}
	mp.Product, err = DecodeProduct(dec)
	return mp, err
}

// EncodeVcEndpoint writes a virtual-circuit endpoint.
func EncodeVcEndpoint(enc *xdr.Encoder, e VcEndpoint) error {
	if _, err := enc.EncodeString(e.SwitchID); err != nil {
		return err
	}
	if _, err := enc.EncodeString(e.PortID); err != nil {
		return err
	}
	_, err := enc.EncodeUint(e.VlanID)
	return err
}

// DecodeVcEndpoint reads an endpoint written by EncodeVcEndpoint.
func DecodeVcEndpoint(dec *xdr.Decoder) (VcEndpoint, error) {
	var e VcEndpoint
	var err error
	if e.SwitchID, _, err = dec.DecodeString(); err != nil {
		return e, err
	}
	if e.PortID, _, err = dec.DecodeString(); err != nil {
		return e, err
	}
	e.VlanID, _, err = dec.DecodeUint()
	return e, err
}

// EncodeSubscriptionRequest writes the subscribe argument.
func EncodeSubscriptionRequest(enc *xdr.Encoder, req SubscriptionRequest) error {
	if _, err := enc.EncodeUint(uint32(req.Feed)); err != nil {
		return err
	}
	return EncodeVcEndpoint(enc, req.VcEnd)
}

// DecodeSubscriptionRequest reads the subscribe argument.
func DecodeSubscriptionRequest(dec *xdr.Decoder) (SubscriptionRequest, error) {
	var req SubscriptionRequest
	feed, _, err := dec.DecodeUint()
	if err != nil {
		return req, err
	}
	req.Feed = Feed(feed)
	req.VcEnd, err = DecodeVcEndpoint(dec)
	return req, err
}

// EncodeSubscriptionReply writes the tagged subscription reply. Only the
// StatusOK arm carries a body.
func EncodeSubscriptionReply(enc *xdr.Encoder, rep SubscriptionReply) error {
	if _, err := enc.EncodeUint(uint32(rep.Status)); err != nil {
		return err
	}
	if rep.Status != StatusOK {
		return nil
	}
	if err := encodeAddr4(enc, rep.Mcast.Group.Addr()); err != nil {
		return err
	}
	if _, err := enc.EncodeUint(uint32(rep.Mcast.Group.Port())); err != nil {
		return err
	}
	if err := encodeAddr4(enc, rep.Mcast.FmtpServer.Addr()); err != nil {
		return err
	}
	if _, err := enc.EncodeUint(uint32(rep.Mcast.FmtpServer.Port())); err != nil {
		return err
	}
	if err := encodeAddr4(enc, rep.ClientAddr.Addr()); err != nil {
		return err
	}
	_, err := enc.EncodeUint(uint32(rep.ClientAddr.Bits()))
	return err
}

// DecodeSubscriptionReply reads a reply written by EncodeSubscriptionReply.
func DecodeSubscriptionReply(dec *xdr.Decoder) (SubscriptionReply, error) {
	var rep SubscriptionReply
	status, _, err := dec.DecodeUint()
	if err != nil {
		return rep, err
	}
	rep.Status = Status(status)
	if rep.Status != StatusOK {
		return rep, nil
	}
	groupAddr, err := decodeAddr4(dec)
	if err != nil {
		return rep, err
	}
	groupPort, _, err := dec.DecodeUint()
	if err != nil {
		return rep, err
	}
	rep.Mcast.Group = netip.AddrPortFrom(groupAddr, uint16(groupPort))
	srvAddr, err := decodeAddr4(dec)
	if err != nil {
		return rep, err
	}
	srvPort, _, err := dec.DecodeUint()
	if err != nil {
		return rep, err
	}
	rep.Mcast.FmtpServer = netip.AddrPortFrom(srvAddr, uint16(srvPort))
	clientAddr, err := decodeAddr4(dec)
	if err != nil {
		return rep, err
	}
	bits, _, err := dec.DecodeUint()
	if err != nil {
		return rep, err
	}
	rep.ClientAddr = netip.PrefixFrom(clientAddr, int(bits))
	return rep, nil
}

// EncodeBacklogSpec writes a backlog request.
func EncodeBacklogSpec(enc *xdr.Encoder, spec BacklogSpec) error {
	if _, err := enc.EncodeUint(uint32(spec.Feed)); err != nil {
		return err
	}
	if _, err := enc.EncodeBool(spec.AfterIsSet); err != nil {
		return err
	}
	if err := EncodeSignature(enc, spec.After); err != nil {
		return err
	}
	if _, err := enc.EncodeUint(spec.TimeOffset); err != nil {
		return err
	}
	return EncodeSignature(enc, spec.Before)
}

// DecodeBacklogSpec reads a request written by EncodeBacklogSpec.
func DecodeBacklogSpec(dec *xdr.Decoder) (BacklogSpec, error) {
	var spec BacklogSpec
	feed, _, err := dec.DecodeUint()
	if err != nil {
		return spec, err
	}
	spec.Feed = Feed(feed)
	if spec.AfterIsSet, _, err = dec.DecodeBool(); err != nil {
		return spec, err
	}
	if spec.After, err = DecodeSignature(dec); err != nil {
		return spec, err
	}
	if spec.TimeOffset, _, err = dec.DecodeUint(); err != nil {
		return spec, err
	}
	spec.Before, err = DecodeSignature(dec)
	return spec, err
}

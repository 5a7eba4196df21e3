package rpc

import (
	"errors"
	"fmt"

	xdr "github.com/davecgh/go-xdr/xdr2"
)

// -------------------------------------------------------------------------
// ONC-RPC message headers (RFC 5531 section 9)
// -------------------------------------------------------------------------

// rpcVersion is the fixed ONC-RPC protocol version.
const rpcVersion = 2

// Message types.
const (
	msgCall  = 0
	msgReply = 1
)

// Reply status.
const (
	msgAccepted = 0
	msgDenied   = 1
)

// AcceptStat is the status word of an accepted reply.
type AcceptStat uint32

// Accepted-reply status values.
const (
	AcceptSuccess      AcceptStat = 0
	AcceptProgUnavail  AcceptStat = 1
	AcceptProgMismatch AcceptStat = 2
	AcceptProcUnavail  AcceptStat = 3
	AcceptGarbageArgs  AcceptStat = 4
	AcceptSystemErr    AcceptStat = 5
)

// String returns the RFC name of the accept status.
func (a AcceptStat) String() string {
	switch a {
	case AcceptSuccess:
		return "SUCCESS"
	case AcceptProgUnavail:
		return "PROG_UNAVAIL"
	case AcceptProgMismatch:
		return "PROG_MISMATCH"
	case AcceptProcUnavail:
		return "PROC_UNAVAIL"
	case AcceptGarbageArgs:
		return "GARBAGE_ARGS"
	case AcceptSystemErr:
		return "SYSTEM_ERR"
	default:
		return "Unknown"
	}
}

// Auth flavors. The session protocol uses AUTH_NONE exclusively.
const authNone = 0

// maxAuthLen bounds the opaque auth body (RFC 5531 section 8.2).
const maxAuthLen = 400

// Sentinel errors for header handling.
var (
	// ErrNotCall indicates an inbound message that is not a call.
	ErrNotCall = errors.New("message is not a call")

	// ErrRPCMismatch indicates an unsupported ONC-RPC protocol version.
	ErrRPCMismatch = errors.New("rpc version mismatch")

	// ErrBadAuth indicates an oversized or malformed auth body.
	ErrBadAuth = errors.New("bad auth body")
)

// CallHeader is the decoded header of an inbound call.
type CallHeader struct {
	XID  uint32
	Prog uint32
	Vers uint32
	Proc uint32
}

// encodeOpaqueAuth writes an AUTH_NONE credential or verifier.
func encodeOpaqueAuth(enc *xdr.Encoder) error {
	if _, err := enc.EncodeUint(authNone); err != nil {
		return err
	}
	_, err := enc.EncodeUint(0)
	return err
}

// decodeOpaqueAuth reads and discards a credential or verifier body.
func decodeOpaqueAuth(dec *xdr.Decoder) error {
	if _, _, err := dec.DecodeUint(); err != nil {
		return err
	}
	length, _, err := dec.DecodeUint()
	if err != nil {
		return err
	}
	if length > maxAuthLen {
		return fmt.Errorf("%w: %d bytes", ErrBadAuth, length)
	}
	if length > 0 {
		if _, _, err := dec.DecodeFixedOpaque(int32(length)); err != nil {
			return err
		}
	}
	return nil
}

// EncodeCallHeader writes a call header. The argument body follows.
func EncodeCallHeader(enc *xdr.Encoder, h CallHeader) error {
	for _, word := range []uint32{h.XID, msgCall, rpcVersion, h.Prog, h.Vers, h.Proc} {
		if _, err := enc.EncodeUint(word); err != nil {
			return err
		}
	}
	if err := encodeOpaqueAuth(enc); err != nil { // cred
		return err
	}
	return encodeOpaqueAuth(enc) // verf
}

// DecodeCallHeader reads an inbound call header. The decoder is left
// positioned at the argument body.
func DecodeCallHeader(dec *xdr.Decoder) (CallHeader, error) {
	var h CallHeader
	var err error
	if h.XID, _, err = dec.DecodeUint(); err != nil {
		return h, err
	}
	mtype, _, err := dec.DecodeUint()
	if err != nil {
		return h, err
	}
	if mtype != msgCall {
		return h, fmt.Errorf("%w: type %d", ErrNotCall, mtype)
	}
	rpcvers, _, err := dec.DecodeUint()
	if err != nil {
		return h, err
	}
	if rpcvers != rpcVersion {
		return h, fmt.Errorf("%w: %d", ErrRPCMismatch, rpcvers)
	}
	if h.Prog, _, err = dec.DecodeUint(); err != nil {
		return h, err
	}
	if h.Vers, _, err = dec.DecodeUint(); err != nil {
		return h, err
	}
	if h.Proc, _, err = dec.DecodeUint(); err != nil {
		return h, err
	}
	if err = decodeOpaqueAuth(dec); err != nil { // cred
		return h, err
	}
	return h, decodeOpaqueAuth(dec) // verf
}

// EncodeAcceptedReply writes an accepted-reply header with the given status.
// On AcceptSuccess the result body follows.
func EncodeAcceptedReply(enc *xdr.Encoder, xid uint32, stat AcceptStat) error {
	for _, word := range []uint32{xid, msgReply, msgAccepted} {
		if _, err := enc.EncodeUint(word); err != nil {
			return err
		}
	}
	if err := encodeOpaqueAuth(enc); err != nil { // verf
		return err
	}
	_, err := enc.EncodeUint(uint32(stat))
	return err
}

// DecodeAcceptedReply reads a reply header, returning its xid and accept
// status. Denied replies surface as an error.
func DecodeAcceptedReply(dec *xdr.Decoder) (uint32, AcceptStat, error) {
	xid, _, err := dec.DecodeUint()
	if err != nil {
		return 0, 0, err
	}
	mtype, _, err := dec.DecodeUint()
	if err != nil {
		return 0, 0, err
	}
	if mtype != msgReply {
		return 0, 0, fmt.Errorf("message type %d is not a reply", mtype)
	}
	rstat, _, err := dec.DecodeUint()
	if err != nil {
		return 0, 0, err
	}
	if rstat != msgAccepted {
		return 0, 0, errors.New("rpc call denied")
	}
	if err := decodeOpaqueAuth(dec); err != nil { // verf
		return 0, 0, err
	}
	astat, _, err := dec.DecodeUint()
	if err != nil {
		return 0, 0, err
	}
	return xid, AcceptStat(astat), nil
}

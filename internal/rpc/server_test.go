package rpc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	xdr "github.com/davecgh/go-xdr/xdr2"

	"github.com/bsteffensmeier/goldm/internal/rpc"
)

const (
	testProg = 300029
	testVers = 7

	procEcho   = 1 // sync: replies with its uint32 argument
	procOneWay = 2 // async: no reply
	procFatal  = 3 // async: fatal without reply
	procBroken = 4 // sync: handler reports system failure
)

// testHandler implements rpc.Handler over the test procedures.
type testHandler struct {
	oneWay chan uint32
}

func (h *testHandler) HandleCall(_ context.Context, proc uint32, args *xdr.Decoder) (rpc.ReplyFunc, error) {
	switch proc {
	case procEcho:
		v, _, err := args.DecodeUint()
		if err != nil {
			return nil, rpc.ErrGarbageArgs
		}
		return func(enc *xdr.Encoder) error {
			_, err := enc.EncodeUint(v)
			return err
		}, nil
	case procOneWay:
		v, _, err := args.DecodeUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rpc.ErrNoReply, err)
		}
		h.oneWay <- v
		return nil, nil
	case procFatal:
		return nil, fmt.Errorf("%w: peer misuse", rpc.ErrNoReply)
	case procBroken:
		return nil, errors.New("resource failure")
	default:
		return nil, rpc.ErrProcUnavail
	}
}

// startServer runs a Server over a TCP pair and returns the peer's conn and
// the Serve result channel.
func startServer(t *testing.T, handler rpc.Handler) (net.Conn, chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	peer, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := rpc.NewServer(rpc.NewTransport(conn), testProg, testVers, handler, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(context.Background())
	}()
	return peer, errCh
}

// call writes a call record for proc with a single uint32 argument.
func call(t *testing.T, w *rpc.RecordWriter, xid, prog, proc, arg uint32) {
	t.Helper()
	var buf bytes.Buffer
	enc := xdr.NewEncoder(&buf)
	if err := rpc.EncodeCallHeader(enc, rpc.CallHeader{XID: xid, Prog: prog, Vers: testVers, Proc: proc}); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	if _, err := enc.EncodeUint(arg); err != nil {
		t.Fatalf("encode arg: %v", err)
	}
	if err := w.WriteRecord(buf.Bytes()); err != nil {
		t.Fatalf("write call: %v", err)
	}
}

// readReply reads one accepted reply, returning its status and a decoder
// positioned at the result body.
func readReply(t *testing.T, r *rpc.RecordReader) (uint32, rpc.AcceptStat, *xdr.Decoder) {
	t.Helper()
	record, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	dec := xdr.NewDecoder(bytes.NewReader(record))
	xid, stat, err := rpc.DecodeAcceptedReply(dec)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return xid, stat, dec
}

func TestServerSyncCall(t *testing.T) {
	t.Parallel()

	peer, _ := startServer(t, &testHandler{oneWay: make(chan uint32, 1)})
	w := rpc.NewRecordWriter(peer)
	r := rpc.NewRecordReader(peer)

	call(t, w, 7, testProg, procEcho, 1234)
	xid, stat, dec := readReply(t, r)
	if xid != 7 || stat != rpc.AcceptSuccess {
		t.Fatalf("xid=%d stat=%v, want 7 SUCCESS", xid, stat)
	}
	v, _, err := dec.DecodeUint()
	if err != nil || v != 1234 {
		t.Errorf("result = %d (%v), want 1234", v, err)
	}
}

func TestServerOneWayProducesNoReply(t *testing.T) {
	t.Parallel()

	h := &testHandler{oneWay: make(chan uint32, 1)}
	peer, errCh := startServer(t, h)
	w := rpc.NewRecordWriter(peer)
	r := rpc.NewRecordReader(peer)

	call(t, w, 1, testProg, procOneWay, 99)
	select {
	case v := <-h.oneWay:
		if v != 99 {
			t.Errorf("one-way arg = %d, want 99", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("one-way call not dispatched")
	}

	// A sync call after the one-way proves no reply was queued for it:
	// the first record back must answer the echo.
	call(t, w, 2, testProg, procEcho, 5)
	xid, stat, _ := readReply(t, r)
	if xid != 2 || stat != rpc.AcceptSuccess {
		t.Errorf("xid=%d stat=%v, want 2 SUCCESS", xid, stat)
	}

	peer.Close()
	if err := <-errCh; err != nil {
		t.Errorf("Serve after peer close = %v, want nil", err)
	}
}

func TestServerDispatchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		prog     uint32
		proc     uint32
		wantStat rpc.AcceptStat
	}{
		{"unknown procedure", testProg, 250, rpc.AcceptProcUnavail},
		{"wrong program", testProg + 1, procEcho, rpc.AcceptProgUnavail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			peer, _ := startServer(t, &testHandler{oneWay: make(chan uint32, 1)})
			w := rpc.NewRecordWriter(peer)
			r := rpc.NewRecordReader(peer)

			call(t, w, 3, tt.prog, tt.proc, 0)
			_, stat, _ := readReply(t, r)
			if stat != tt.wantStat {
				t.Errorf("stat = %v, want %v", stat, tt.wantStat)
			}
		})
	}
}

func TestServerFatalOneWayTerminatesSilently(t *testing.T) {
	t.Parallel()

	peer, errCh := startServer(t, &testHandler{oneWay: make(chan uint32, 1)})
	w := rpc.NewRecordWriter(peer)

	call(t, w, 4, testProg, procFatal, 0)

	select {
	case err := <-errCh:
		if !errors.Is(err, rpc.ErrNoReply) {
			t.Errorf("Serve = %v, want ErrNoReply", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not terminate")
	}

	// Nothing was written back before termination.
	peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var one [1]byte
	if n, _ := peer.Read(one[:]); n != 0 {
		t.Error("fatal one-way procedure produced bytes on the wire")
	}
}

func TestServerSystemErrReply(t *testing.T) {
	t.Parallel()

	peer, errCh := startServer(t, &testHandler{oneWay: make(chan uint32, 1)})
	w := rpc.NewRecordWriter(peer)
	r := rpc.NewRecordReader(peer)

	call(t, w, 5, testProg, procBroken, 0)
	xid, stat, _ := readReply(t, r)
	if xid != 5 || stat != rpc.AcceptSystemErr {
		t.Errorf("xid=%d stat=%v, want 5 SYSTEM_ERR", xid, stat)
	}
	if err := <-errCh; err == nil {
		t.Error("Serve should return the handler's failure")
	}
}

func TestClientCastAppearsAsCall(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	peer, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	client := rpc.NewClient(rpc.NewTransport(conn), testProg, testVers)
	if err := client.Cast(procOneWay, func(enc *xdr.Encoder) error {
		_, err := enc.EncodeUint(77)
		return err
	}); err != nil {
		t.Fatalf("Cast: %v", err)
	}

	record, err := rpc.NewRecordReader(peer).ReadRecord()
	if err != nil {
		t.Fatalf("read cast: %v", err)
	}
	dec := xdr.NewDecoder(bytes.NewReader(record))
	hdr, err := rpc.DecodeCallHeader(dec)
	if err != nil {
		t.Fatalf("decode cast header: %v", err)
	}
	if hdr.Prog != testProg || hdr.Vers != testVers || hdr.Proc != procOneWay {
		t.Errorf("cast header = %+v", hdr)
	}
	v, _, err := dec.DecodeUint()
	if err != nil || v != 77 {
		t.Errorf("cast arg = %d (%v), want 77", v, err)
	}

	// Destroyed clients refuse further sends; destroying twice is fine.
	client.Close()
	client.Close()
	if err := client.Cast(procOneWay, nil); !errors.Is(err, rpc.ErrClientClosed) {
		t.Errorf("Cast after Close = %v, want ErrClientClosed", err)
	}
}

package up7

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"sort"
	"testing"
	"time"

	xdr "github.com/davecgh/go-xdr/xdr2"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
	"github.com/bsteffensmeier/goldm/internal/mcast"
	"github.com/bsteffensmeier/goldm/internal/pim"
	"github.com/bsteffensmeier/goldm/internal/policy"
	"github.com/bsteffensmeier/goldm/internal/pq"
	"github.com/bsteffensmeier/goldm/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sigOf(b byte) ldm7.Signature {
	var sig ldm7.Signature
	for i := range sig {
		sig[i] = b
	}
	return sig
}

// fakeProvisioner records circuit operations.
type fakeProvisioner struct {
	provisions int
	removes    []string
	fail       error
}

func (f *fakeProvisioner) Provision(_ context.Context, _, _ string, _, _ ldm7.VcEndpoint) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.provisions++
	return "c-42", nil
}

func (f *fakeProvisioner) Remove(_ context.Context, _, circuitID string) error {
	f.removes = append(f.removes, circuitID)
	return nil
}

// harness wires a Session to a live RPC server over a loopback connection
// and gives the test the peer's end of the wire.
type harness struct {
	session *Session
	prov    *fakeProvisioner
	mgr     *mcast.InProcess
	pool    *mcast.AddrPool

	peerConn net.Conn
	w        *rpc.RecordWriter
	r        *rpc.RecordReader
	xid      uint32

	serveErr chan error
}

// harnessConfig parameterizes the fixture.
type harnessConfig struct {
	allowYAML  string
	publish    ldm7.Feed // feed with a registered publisher; FeedNone for none
	pimFeed    ldm7.Feed // feed whose index map to seed; FeedNone for none
	pimEntries map[uint64]ldm7.Signature
	products   []ldm7.Product
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	dir := t.TempDir()
	queuePath := filepath.Join(dir, "products.pq")

	qw, err := pq.Create(queuePath)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	for _, p := range hc.products {
		if err := qw.Insert(p); err != nil {
			t.Fatalf("insert product: %v", err)
		}
	}
	qw.Close()

	if hc.pimFeed != ldm7.FeedNone {
		pw, err := pim.OpenForWriting(dir, hc.pimFeed)
		if err != nil {
			t.Fatalf("create index map: %v", err)
		}
		keys := make([]uint64, 0, len(hc.pimEntries))
		for k := range hc.pimEntries {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			if err := pw.Put(k, hc.pimEntries[k]); err != nil {
				t.Fatalf("seed index map: %v", err)
			}
		}
		pw.Close()
	}

	oracle, err := policy.Parse([]byte(hc.allowYAML))
	if err != nil {
		t.Fatalf("parse allow table: %v", err)
	}

	mgr := mcast.NewInProcess(testLogger())
	var pool *mcast.AddrPool
	if hc.publish != ldm7.FeedNone {
		pool, err = mcast.NewAddrPool(netip.MustParsePrefix("10.0.0.128/25"))
		if err != nil {
			t.Fatalf("new pool: %v", err)
		}
		mgr.AddPublisher(&mcast.Publisher{
			Feed:       hc.publish,
			Group:      netip.MustParseAddrPort("224.0.1.2:38800"),
			FmtpServer: netip.MustParseAddrPort("10.0.0.1:5555"),
			Pool:       pool,
		})
	}

	prov := &fakeProvisioner{}
	session := NewSession(
		Config{
			Workgroup:  "wg",
			LocalVcEnd: ldm7.VcEndpoint{SwitchID: "sw-local", PortID: "p0", VlanID: 10},
			QueuePath:  queuePath,
			PimDir:     dir,
		},
		oracle,
		mgr,
		prov,
		testLogger(),
		WithAddrLookup(func(context.Context, string) ([]string, error) {
			return nil, errors.New("no reverse dns in tests")
		}),
	)
	t.Cleanup(session.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	peerConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { peerConn.Close() })
	engineConn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	transport := rpc.NewTransport(engineConn)
	server := rpc.NewServer(transport, ldm7.Program, ldm7.Version, NewDispatcher(session, transport, testLogger()), testLogger())

	h := &harness{
		session:  session,
		prov:     prov,
		mgr:      mgr,
		pool:     pool,
		peerConn: peerConn,
		w:        rpc.NewRecordWriter(peerConn),
		r:        rpc.NewRecordReader(peerConn),
		serveErr: make(chan error, 1),
	}
	go func() {
		h.serveErr <- server.Serve(context.Background())
	}()
	return h
}

// call writes one call record for proc.
func (h *harness) call(t *testing.T, proc uint32, args func(*xdr.Encoder) error) {
	t.Helper()
	h.xid++
	var buf bytes.Buffer
	enc := xdr.NewEncoder(&buf)
	if err := rpc.EncodeCallHeader(enc, rpc.CallHeader{
		XID: h.xid, Prog: ldm7.Program, Vers: ldm7.Version, Proc: proc,
	}); err != nil {
		t.Fatalf("encode call header: %v", err)
	}
	if args != nil {
		if err := args(enc); err != nil {
			t.Fatalf("encode call args: %v", err)
		}
	}
	if err := h.w.WriteRecord(buf.Bytes()); err != nil {
		t.Fatalf("write call: %v", err)
	}
}

// subscribe performs the handshake and returns the decoded reply.
func (h *harness) subscribe(t *testing.T, feed ldm7.Feed) ldm7.SubscriptionReply {
	t.Helper()
	h.call(t, ldm7.ProcSubscribe, func(enc *xdr.Encoder) error {
		return ldm7.EncodeSubscriptionRequest(enc, ldm7.SubscriptionRequest{
			Feed:  feed,
			VcEnd: ldm7.VcEndpoint{SwitchID: "sw1", PortID: "p1", VlanID: 100},
		})
	})
	stat, dec := h.readReply(t)
	if stat != rpc.AcceptSuccess {
		t.Fatalf("subscribe accept status = %v", stat)
	}
	reply, err := ldm7.DecodeSubscriptionReply(dec)
	if err != nil {
		t.Fatalf("decode subscription reply: %v", err)
	}
	return reply
}

// readReply reads one accepted reply from the engine.
func (h *harness) readReply(t *testing.T) (rpc.AcceptStat, *xdr.Decoder) {
	t.Helper()
	record, err := h.r.ReadRecord()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	dec := xdr.NewDecoder(bytes.NewReader(record))
	_, stat, err := rpc.DecodeAcceptedReply(dec)
	if err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	return stat, dec
}

// readCast reads one one-way call from the engine.
func (h *harness) readCast(t *testing.T) (uint32, *xdr.Decoder) {
	t.Helper()
	record, err := h.r.ReadRecord()
	if err != nil {
		t.Fatalf("read cast: %v", err)
	}
	dec := xdr.NewDecoder(bytes.NewReader(record))
	hdr, err := rpc.DecodeCallHeader(dec)
	if err != nil {
		t.Fatalf("decode cast header: %v", err)
	}
	return hdr.Proc, dec
}

// waitServe asserts the dispatcher terminated and returns its error.
func (h *harness) waitServe(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.serveErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not terminate")
		return nil
	}
}

var baseArrival = time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

func queueProduct(sig byte, feed ldm7.Feed, arrival time.Time) ldm7.Product {
	return ldm7.Product{
		Info: ldm7.ProductInfo{
			Arrival:   ldm7.TimestampFromTime(arrival),
			Signature: sigOf(sig),
			Origin:    "ingest.example.edu",
			Feed:      feed,
			SeqNum:    uint32(sig),
			Ident:     "product",
			Size:      1,
		},
		Data: []byte{sig},
	}
}

const allowEverything = `
allow:
  - peer: '^127\.0\.0\.1$'
    feeds: [ANY]
`

const allowNGRIDOnly = `
allow:
  - peer: '^127\.0\.0\.1$'
    feeds: [NGRID]
`

const allowNothingYAML = `
allow:
  - peer: '^never-matches$'
    feeds: [ANY]
`

func TestHandshakeAllowedFullFeed(t *testing.T) {
	t.Parallel()

	desired := ldm7.FeedPPS | ldm7.FeedDDS | ldm7.FeedIDS | ldm7.FeedHDS
	h := newHarness(t, harnessConfig{
		allowYAML: allowEverything,
		publish:   desired,
		pimFeed:   desired,
	})

	reply := h.subscribe(t, desired)
	if reply.Status != ldm7.StatusOK {
		t.Fatalf("status = %v, want OK", reply.Status)
	}
	if reply.Mcast.Group.String() != "224.0.1.2:38800" {
		t.Errorf("group = %v", reply.Mcast.Group)
	}
	if reply.Mcast.FmtpServer.String() != "10.0.0.1:5555" {
		t.Errorf("fmtp server = %v", reply.Mcast.FmtpServer)
	}
	if reply.ClientAddr.Bits() != 25 {
		t.Errorf("client addr = %v, want a /25", reply.ClientAddr)
	}

	if h.session.feed != desired {
		t.Errorf("session feed = %v, want %v", h.session.feed, desired)
	}
	if h.session.fmtpAddr != reply.ClientAddr {
		t.Errorf("session fmtp addr = %v, want %v", h.session.fmtpAddr, reply.ClientAddr)
	}
	if h.session.State() != StateServing {
		t.Errorf("state = %v, want SERVING", h.session.State())
	}
	if h.prov.provisions != 1 {
		t.Errorf("provisions = %d, want 1", h.prov.provisions)
	}
}

func TestHandshakeReducedFeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		allowYAML: allowNGRIDOnly,
		publish:   ldm7.FeedNGRID,
		pimFeed:   ldm7.FeedNGRID,
	})

	reply := h.subscribe(t, ldm7.FeedAny)
	if reply.Status != ldm7.StatusOK {
		t.Fatalf("status = %v, want OK", reply.Status)
	}
	if h.session.feed != ldm7.FeedNGRID {
		t.Errorf("session feed = %v, want the policy-reduced NGRID", h.session.feed)
	}
}

func TestHandshakeUnauthorized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		allowYAML: allowNothingYAML,
		publish:   ldm7.FeedNGRID,
	})

	reply := h.subscribe(t, ldm7.FeedNGRID)
	if reply.Status != ldm7.StatusUnauth {
		t.Fatalf("status = %v, want UNAUTH", reply.Status)
	}
	// No circuit, no manager call.
	if h.prov.provisions != 0 || len(h.prov.removes) != 0 {
		t.Errorf("circuit operations = %d/%v, want none", h.prov.provisions, h.prov.removes)
	}
	if h.pool.Allocated() != 0 {
		t.Errorf("pool allocations = %d, want 0", h.pool.Allocated())
	}
	// A clean rejection keeps feed and address unset together.
	if h.session.feed != ldm7.FeedNone || h.session.fmtpAddr.IsValid() {
		t.Errorf("session recorded %v/%v after rejection", h.session.feed, h.session.fmtpAddr)
	}
}

func TestHandshakeFeedNotMulticast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		allowYAML: allowNGRIDOnly,
		publish:   ldm7.FeedNone, // no publisher at all
	})

	reply := h.subscribe(t, ldm7.FeedNGRID)
	if reply.Status != ldm7.StatusNoEnt {
		t.Fatalf("status = %v, want NOENT", reply.Status)
	}
	// The circuit was provisioned at step 2 and must be torn down.
	if h.prov.provisions != 1 {
		t.Errorf("provisions = %d, want 1", h.prov.provisions)
	}
	if len(h.prov.removes) != 1 || h.prov.removes[0] != "c-42" {
		t.Errorf("removes = %v, want the provisioned handle", h.prov.removes)
	}
	if h.session.feed != ldm7.FeedNone {
		t.Errorf("session feed = %v after NOENT", h.session.feed)
	}
}

func TestHandshakeIndexMapFailureUnwinds(t *testing.T) {
	t.Parallel()

	// Publisher exists but no index map was ever written for the feed.
	h := newHarness(t, harnessConfig{
		allowYAML: allowNGRIDOnly,
		publish:   ldm7.FeedNGRID,
		pimFeed:   ldm7.FeedNone,
	})

	h.call(t, ldm7.ProcSubscribe, func(enc *xdr.Encoder) error {
		return ldm7.EncodeSubscriptionRequest(enc, ldm7.SubscriptionRequest{
			Feed:  ldm7.FeedNGRID,
			VcEnd: ldm7.VcEndpoint{SwitchID: "sw1", PortID: "p1", VlanID: 100},
		})
	})
	stat, _ := h.readReply(t)
	if stat != rpc.AcceptSystemErr {
		t.Fatalf("accept status = %v, want SYSTEM_ERR", stat)
	}
	if err := h.waitServe(t); err == nil {
		t.Error("dispatcher should terminate on handshake resource failure")
	}

	// Everything acquired before the failure was unwound.
	if len(h.prov.removes) != 1 {
		t.Errorf("removes = %v, want one", h.prov.removes)
	}
	if h.pool.Allocated() != 0 {
		t.Errorf("pool allocations = %d, want 0 after unwind", h.pool.Allocated())
	}
	if !h.session.Done() {
		t.Errorf("state = %v, want DONE", h.session.State())
	}
}

func TestMissedProductHit(t *testing.T) {
	t.Parallel()

	sigS := sigOf(0x55)
	h := newHarness(t, harnessConfig{
		allowYAML:  allowNGRIDOnly,
		publish:    ldm7.FeedNGRID,
		pimFeed:    ldm7.FeedNGRID,
		pimEntries: map[uint64]ldm7.Signature{42: sigS},
		products: []ldm7.Product{
			queueProduct(0x55, ldm7.FeedNGRID, baseArrival),
		},
	})
	h.subscribe(t, ldm7.FeedNGRID)

	h.call(t, ldm7.ProcRequestProduct, func(enc *xdr.Encoder) error {
		_, err := enc.EncodeUhyper(42)
		return err
	})

	proc, dec := h.readCast(t)
	if proc != ldm7.ProcDeliverMissedProduct {
		t.Fatalf("cast proc = %s, want deliver_missed_product", ldm7.ProcName(proc))
	}
	mp, err := ldm7.DecodeMissedProduct(dec)
	if err != nil {
		t.Fatalf("decode missed product: %v", err)
	}
	if mp.Index != 42 || mp.Product.Info.Signature != sigS {
		t.Errorf("delivered {index=%d sig=%v}, want {42 %v}", mp.Index, mp.Product.Info.Signature, sigS)
	}
}

func TestMissedProductUnknownIndex(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		allowYAML:  allowNGRIDOnly,
		publish:    ldm7.FeedNGRID,
		pimFeed:    ldm7.FeedNGRID,
		pimEntries: map[uint64]ldm7.Signature{42: sigOf(0x55)},
	})
	h.subscribe(t, ldm7.FeedNGRID)

	h.call(t, ldm7.ProcRequestProduct, func(enc *xdr.Encoder) error {
		_, err := enc.EncodeUhyper(99)
		return err
	})

	proc, dec := h.readCast(t)
	if proc != ldm7.ProcNoSuchProduct {
		t.Fatalf("cast proc = %s, want no_such_product", ldm7.ProcName(proc))
	}
	index, _, err := dec.DecodeUhyper()
	if err != nil || index != 99 {
		t.Errorf("notice index = %d (%v), want 99", index, err)
	}
}

func TestMissedProductAgedOut(t *testing.T) {
	t.Parallel()

	// The map knows the signature, but the retention window dropped the
	// product from the queue.
	h := newHarness(t, harnessConfig{
		allowYAML:  allowNGRIDOnly,
		publish:    ldm7.FeedNGRID,
		pimFeed:    ldm7.FeedNGRID,
		pimEntries: map[uint64]ldm7.Signature{42: sigOf(0x55)},
	})
	h.subscribe(t, ldm7.FeedNGRID)

	h.call(t, ldm7.ProcRequestProduct, func(enc *xdr.Encoder) error {
		_, err := enc.EncodeUhyper(42)
		return err
	})

	proc, _ := h.readCast(t)
	if proc != ldm7.ProcNoSuchProduct {
		t.Errorf("cast proc = %s, want no_such_product", ldm7.ProcName(proc))
	}
}

func TestBacklogBySignature(t *testing.T) {
	t.Parallel()

	products := make([]ldm7.Product, 0, 5)
	for i, sig := range []byte{0xa, 0xb, 0xc, 0xd, 0xe} {
		products = append(products, queueProduct(sig, ldm7.FeedNGRID, baseArrival.Add(time.Duration(i)*time.Second)))
	}
	h := newHarness(t, harnessConfig{
		allowYAML:  allowNGRIDOnly,
		publish:    ldm7.FeedNGRID,
		pimFeed:    ldm7.FeedNGRID,
		pimEntries: map[uint64]ldm7.Signature{1: sigOf(0xa)},
		products:   products,
	})
	h.subscribe(t, ldm7.FeedNGRID)

	h.call(t, ldm7.ProcRequestBacklog, func(enc *xdr.Encoder) error {
		return ldm7.EncodeBacklogSpec(enc, ldm7.BacklogSpec{
			Feed:       ldm7.FeedNGRID,
			AfterIsSet: true,
			After:      sigOf(0xa),
			Before:     sigOf(0xd),
		})
	})

	for _, want := range []byte{0xb, 0xc} {
		proc, dec := h.readCast(t)
		if proc != ldm7.ProcDeliverBacklogProduct {
			t.Fatalf("cast proc = %s, want deliver_backlog_product", ldm7.ProcName(proc))
		}
		p, err := ldm7.DecodeProduct(dec)
		if err != nil {
			t.Fatalf("decode backlog product: %v", err)
		}
		if p.Info.Signature != sigOf(want) {
			t.Errorf("backlog product = %v, want %v", p.Info.Signature, sigOf(want))
		}
	}

	// The stop product and everything after it stay unsent: the next
	// record on the wire answers the follow-up request, not the backlog.
	h.call(t, ldm7.ProcRequestProduct, func(enc *xdr.Encoder) error {
		_, err := enc.EncodeUhyper(1)
		return err
	})
	proc, _ := h.readCast(t)
	if proc != ldm7.ProcDeliverMissedProduct {
		t.Errorf("next cast = %s, want deliver_missed_product", ldm7.ProcName(proc))
	}
}

func TestBacklogByTimeStopNotFound(t *testing.T) {
	t.Parallel()

	now := time.Now()
	products := []ldm7.Product{
		queueProduct(0x1, ldm7.FeedNGRID, now.Add(-30*time.Minute)),
		queueProduct(0x2, ldm7.FeedNGRID, now.Add(-20*time.Minute)),
		queueProduct(0x3, ldm7.FeedNGRID, now.Add(-10*time.Minute)),
	}
	h := newHarness(t, harnessConfig{
		allowYAML: allowNGRIDOnly,
		publish:   ldm7.FeedNGRID,
		pimFeed:   ldm7.FeedNGRID,
		products:  products,
	})
	h.subscribe(t, ldm7.FeedNGRID)

	h.call(t, ldm7.ProcRequestBacklog, func(enc *xdr.Encoder) error {
		return ldm7.EncodeBacklogSpec(enc, ldm7.BacklogSpec{
			Feed:       ldm7.FeedNGRID,
			AfterIsSet: false,
			TimeOffset: 3600,
			Before:     sigOf(0x99), // never in the queue
		})
	})

	for _, want := range []byte{0x1, 0x2, 0x3} {
		proc, dec := h.readCast(t)
		if proc != ldm7.ProcDeliverBacklogProduct {
			t.Fatalf("cast proc = %s, want deliver_backlog_product", ldm7.ProcName(proc))
		}
		p, err := ldm7.DecodeProduct(dec)
		if err != nil {
			t.Fatalf("decode backlog product: %v", err)
		}
		if p.Info.Signature != sigOf(want) {
			t.Errorf("backlog product = %v, want %v", p.Info.Signature, sigOf(want))
		}
	}

	// End-of-queue without the stop signature keeps the session up.
	if h.session.State() != StateServing {
		t.Errorf("state = %v, want SERVING", h.session.State())
	}
}

func TestBacklogFiltersToSessionFeed(t *testing.T) {
	t.Parallel()

	products := []ldm7.Product{
		queueProduct(0x1, ldm7.FeedNGRID, baseArrival),
		queueProduct(0x2, ldm7.FeedPPS, baseArrival.Add(time.Second)),
		queueProduct(0x3, ldm7.FeedNGRID, baseArrival.Add(2*time.Second)),
	}
	h := newHarness(t, harnessConfig{
		allowYAML:  allowNGRIDOnly,
		publish:    ldm7.FeedNGRID,
		pimFeed:    ldm7.FeedNGRID,
		pimEntries: map[uint64]ldm7.Signature{1: sigOf(0x1)},
		products:   products,
	})
	h.subscribe(t, ldm7.FeedAny) // reduced to NGRID by policy

	h.call(t, ldm7.ProcRequestBacklog, func(enc *xdr.Encoder) error {
		return ldm7.EncodeBacklogSpec(enc, ldm7.BacklogSpec{
			Feed:       ldm7.FeedNGRID,
			AfterIsSet: true,
			After:      sigOf(0x1),
			Before:     sigOf(0x99),
		})
	})

	// Only the NGRID product after the cursor is replayed; the PPS one
	// is filtered out.
	proc, dec := h.readCast(t)
	if proc != ldm7.ProcDeliverBacklogProduct {
		t.Fatalf("cast proc = %s", ldm7.ProcName(proc))
	}
	p, err := ldm7.DecodeProduct(dec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Info.Signature != sigOf(0x3) {
		t.Errorf("backlog product = %v, want %v", p.Info.Signature, sigOf(0x3))
	}

	h.call(t, ldm7.ProcRequestProduct, func(enc *xdr.Encoder) error {
		_, err := enc.EncodeUhyper(1)
		return err
	})
	if proc, _ := h.readCast(t); proc != ldm7.ProcDeliverMissedProduct {
		t.Errorf("next cast = %s, want deliver_missed_product", ldm7.ProcName(proc))
	}
}

func TestRequestProductBeforeSubscribeIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		allowYAML: allowNGRIDOnly,
		publish:   ldm7.FeedNGRID,
	})

	h.call(t, ldm7.ProcRequestProduct, func(enc *xdr.Encoder) error {
		_, err := enc.EncodeUhyper(1)
		return err
	})

	if err := h.waitServe(t); !errors.Is(err, rpc.ErrNoReply) {
		t.Errorf("Serve = %v, want ErrNoReply-wrapped misuse", err)
	}
	if !h.session.Done() {
		t.Errorf("state = %v, want DONE", h.session.State())
	}
}

func TestDoubleSubscribeIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		allowYAML: allowNGRIDOnly,
		publish:   ldm7.FeedNGRID,
		pimFeed:   ldm7.FeedNGRID,
	})
	h.subscribe(t, ldm7.FeedNGRID)

	h.call(t, ldm7.ProcSubscribe, func(enc *xdr.Encoder) error {
		return ldm7.EncodeSubscriptionRequest(enc, ldm7.SubscriptionRequest{
			Feed:  ldm7.FeedNGRID,
			VcEnd: ldm7.VcEndpoint{SwitchID: "sw1", PortID: "p1", VlanID: 100},
		})
	})
	stat, _ := h.readReply(t)
	if stat != rpc.AcceptSystemErr {
		t.Errorf("accept status = %v, want SYSTEM_ERR", stat)
	}
	if err := h.waitServe(t); err == nil {
		t.Error("dispatcher should terminate on double subscribe")
	}
}

func TestTestConnectionIsAcceptedInAnyState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		allowYAML: allowNGRIDOnly,
		publish:   ldm7.FeedNGRID,
		pimFeed:   ldm7.FeedNGRID,
	})

	// Before the handshake.
	h.call(t, ldm7.ProcTestConnection, nil)
	h.subscribe(t, ldm7.FeedNGRID)
	// And after.
	h.call(t, ldm7.ProcTestConnection, nil)

	if h.session.State() != StateServing {
		t.Errorf("state = %v, want SERVING", h.session.State())
	}
}

func TestCloseReleasesEverythingOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		allowYAML: allowNGRIDOnly,
		publish:   ldm7.FeedNGRID,
		pimFeed:   ldm7.FeedNGRID,
	})
	h.subscribe(t, ldm7.FeedNGRID)

	if h.pool.Allocated() != 1 {
		t.Fatalf("pool allocations = %d, want 1", h.pool.Allocated())
	}

	h.session.Close()
	h.session.Close()

	if h.pool.Allocated() != 0 {
		t.Errorf("pool allocations after close = %d, want 0", h.pool.Allocated())
	}
	if len(h.prov.removes) != 1 || h.prov.removes[0] != "c-42" {
		t.Errorf("removes = %v, want exactly one of the provisioned handle", h.prov.removes)
	}
	if h.session.feed != ldm7.FeedNone || h.session.fmtpAddr.IsValid() {
		t.Errorf("feed/address = %v/%v after close, want cleared together", h.session.feed, h.session.fmtpAddr)
	}
	if !h.session.Done() {
		t.Errorf("state = %v, want DONE", h.session.State())
	}
}

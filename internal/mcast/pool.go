package mcast

import (
	"fmt"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// AddrPool — FMTP client address allocation
// -------------------------------------------------------------------------

// AddrPool hands out client addresses from a publisher's CIDR block. The
// network and broadcast addresses and the publisher's own (first usable)
// address are never allocated. Release is idempotent.
type AddrPool struct {
	prefix netip.Prefix

	mu    sync.Mutex
	inUse map[netip.Addr]bool
}

// NewAddrPool creates a pool over an IPv4 prefix. The first usable address
// is reserved for the publisher.
func NewAddrPool(prefix netip.Prefix) (*AddrPool, error) {
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("pool prefix %s is not IPv4", prefix)
	}
	if prefix.Bits() > 30 {
		return nil, fmt.Errorf("pool prefix %s has no allocatable addresses", prefix)
	}
	return &AddrPool{
		prefix: prefix.Masked(),
		inUse:  map[netip.Addr]bool{},
	}, nil
}

// Prefix returns the pool's masked prefix.
func (p *AddrPool) Prefix() netip.Prefix {
	return p.prefix
}

// Allocate returns the lowest free address, CIDR-tagged with the pool's
// prefix length.
func (p *AddrPool) Allocate() (netip.Prefix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Skip the network address and the publisher's address, stop before
	// the broadcast address.
	addr := p.prefix.Addr().Next().Next()
	for p.prefix.Contains(addr) {
		next := addr.Next()
		if !p.prefix.Contains(next) {
			break // addr is the broadcast address
		}
		if !p.inUse[addr] {
			p.inUse[addr] = true
			return netip.PrefixFrom(addr, p.prefix.Bits()), nil
		}
		addr = next
	}
	return netip.Prefix{}, ErrPoolExhausted
}

// Release returns an address to the pool. Releasing an address that was
// never allocated, or releasing twice, is a no-op.
func (p *AddrPool) Release(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, addr)
}

// Allocated reports how many addresses are currently in use.
func (p *AddrPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

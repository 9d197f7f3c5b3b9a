package wireguard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrPoolExhausted is returned when no tunnel address is left in the
// event's VPN subnet
var ErrPoolExhausted = errors.New("no tunnel address available in subnet")

// AddrPool hands out tunnel addresses within an event's VPN subnet.
// Addresses released back to the pool are reused before the high-water
// mark advances.
type AddrPool interface {
	Allocate(ctx context.Context, eventName string, subnet netip.Prefix) (netip.Addr, error)
	Release(ctx context.Context, eventName string, addr netip.Addr) error
}

// nthAddr returns the host address at the given offset from the start
// of the prefix, or an invalid addr when the offset falls outside of it.
// Offset 0 is the network address itself.
func nthAddr(prefix netip.Prefix, offset uint64) netip.Addr {
	base := prefix.Masked().Addr()
	if !base.Is4() {
		return netip.Addr{}
	}
	b := base.As4()
	n := binary.BigEndian.Uint32(b[:]) + uint32(offset)
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], n)
	addr := netip.AddrFrom4(out)
	if !prefix.Contains(addr) {
		return netip.Addr{}
	}
	// the subnet's broadcast address is not assignable
	hostBits := uint32(1)<<(32-prefix.Bits()) - 1
	if n|hostBits == n {
		return netip.Addr{}
	}
	return addr
}

// clientOffsetBase skips the network address and the tunnel server's
// own address inside the subnet
const clientOffsetBase = 2

// MemoryPool is an in-process AddrPool, used when no Redis backend is
// configured and in tests.
type MemoryPool struct {
	mu   sync.Mutex
	next map[string]uint64
	free map[string][]netip.Addr
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		next: make(map[string]uint64),
		free: make(map[string][]netip.Addr),
	}
}

func (p *MemoryPool) Allocate(ctx context.Context, eventName string, subnet netip.Prefix) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if freed := p.free[eventName]; len(freed) > 0 {
		addr := freed[len(freed)-1]
		p.free[eventName] = freed[:len(freed)-1]
		return addr, nil
	}

	offset := p.next[eventName] + clientOffsetBase
	addr := nthAddr(subnet, offset)
	if !addr.IsValid() {
		return netip.Addr{}, ErrPoolExhausted
	}
	p.next[eventName]++
	return addr, nil
}

func (p *MemoryPool) Release(ctx context.Context, eventName string, addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[eventName] = append(p.free[eventName], addr)
	return nil
}

func freeKey(eventName string) string {
	return fmt.Sprintf("vpn:%s:free", eventName)
}

func nextKey(eventName string) string {
	return fmt.Sprintf("vpn:%s:next", eventName)
}

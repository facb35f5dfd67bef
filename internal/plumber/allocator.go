package plumber

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrAddressSpaceExhausted is returned once an allocator has handed out
// every address of its range.
var ErrAddressSpaceExhausted = errors.New("virtual address space exhausted")

// AddressRange is an inclusive IPv4 range. Start itself is never handed
// out: the first allocation is Start+1.
type AddressRange struct {
	Start net.IP
	End   net.IP
}

// Default ranges: the two halves never overlap so a source address can not
// collide with a target address.
var (
	DefaultInRange = AddressRange{
		Start: net.IPv4(127, 127, 0, 0),
		End:   net.IPv4(127, 190, 255, 255),
	}
	DefaultOutRange = AddressRange{
		Start: net.IPv4(127, 191, 0, 0),
		End:   net.IPv4(127, 254, 255, 255),
	}
)

// AddressAllocator hands out monotonically increasing virtual addresses.
// Addresses are never released.
type AddressAllocator struct {
	mu      sync.Mutex
	current uint32
	end     uint32
}

// NewAddressAllocator panics on IPv6 ranges: the allocator only deals with
// 32-bit addresses.
func NewAddressAllocator(r AddressRange) *AddressAllocator {
	return &AddressAllocator{current: ipv4ToUint(r.Start), end: ipv4ToUint(r.End)}
}

// Next increments the counter and returns the new address.
func (a *AddressAllocator) Next() (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, err := a.following()
	if err != nil {
		return nil, err
	}
	a.current = next
	return uintToIPv4(next), nil
}

// Peek returns the address the next call to Next would hand out, without
// consuming it.
func (a *AddressAllocator) Peek() (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, err := a.following()
	if err != nil {
		return nil, err
	}
	return uintToIPv4(next), nil
}

func (a *AddressAllocator) following() (uint32, error) {
	next := a.current + 1
	if next > a.end || next < a.current {
		return 0, fmt.Errorf("%w: range ends at %s", ErrAddressSpaceExhausted, uintToIPv4(a.end))
	}
	return next, nil
}

func ipv4ToUint(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		panic(fmt.Sprintf("plumber: IPv6 address %s is not supported", ip))
	}
	return binary.BigEndian.Uint32(v4)
}

func uintToIPv4(v uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

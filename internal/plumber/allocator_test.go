package plumber

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorStartsAfterRangeStart(t *testing.T) {
	a := NewAddressAllocator(DefaultInRange)
	ip, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, "127.127.0.1", ip.String())

	ip, err = a.Next()
	require.NoError(t, err)
	assert.Equal(t, "127.127.0.2", ip.String())
}

func TestAllocatorCarriesIntoUpperOctets(t *testing.T) {
	a := NewAddressAllocator(AddressRange{Start: net.IPv4(127, 127, 0, 254), End: net.IPv4(127, 127, 1, 255)})
	first, err := a.Next()
	require.NoError(t, err)
	second, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, "127.127.0.255", first.String())
	assert.Equal(t, "127.127.1.0", second.String())
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAddressAllocator(AddressRange{Start: net.IPv4(10, 0, 0, 0), End: net.IPv4(10, 0, 0, 2)})
	_, err := a.Next()
	require.NoError(t, err)
	_, err = a.Next()
	require.NoError(t, err)
	_, err = a.Next()
	assert.ErrorIs(t, err, ErrAddressSpaceExhausted)
	// stays exhausted
	_, err = a.Next()
	assert.ErrorIs(t, err, ErrAddressSpaceExhausted)
}

func TestAllocatorDoesNotWrap(t *testing.T) {
	a := NewAddressAllocator(AddressRange{Start: net.IPv4(255, 255, 255, 255), End: net.IPv4(255, 255, 255, 255)})
	_, err := a.Next()
	assert.ErrorIs(t, err, ErrAddressSpaceExhausted)
}

func TestAllocatorPeekDoesNotConsume(t *testing.T) {
	a := NewAddressAllocator(AddressRange{Start: net.IPv4(10, 0, 0, 0), End: net.IPv4(10, 0, 0, 1)})
	peeked, err := a.Peek()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", peeked.String())

	got, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, peeked, got)

	_, err = a.Peek()
	assert.ErrorIs(t, err, ErrAddressSpaceExhausted)
}

func TestAllocatorRejectsIPv6(t *testing.T) {
	assert.Panics(t, func() {
		NewAddressAllocator(AddressRange{Start: net.ParseIP("fd00::"), End: net.ParseIP("fd00::ff")})
	})
}

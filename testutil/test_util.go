package testutil

import (
	"net"
	"testing"

	"gotest.tools/v3/assert"
)

func NilOf[T any]() T {
	var zero T
	return zero
}

func AssertNil[T any](t *testing.T, value T) {
	assert.Equal(t, value, NilOf[T]())
}

// FreeAddresses returns n loopback addresses that were free when checked.
func FreeAddresses(t *testing.T, n int) []string {
	t.Helper()

	listeners := make([]net.Listener, n)
	addresses := make([]string, n)
	for i := range n {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		assert.NilError(t, err)
		listeners[i] = l
		addresses[i] = l.Addr().String()
	}
	for _, l := range listeners {
		assert.NilError(t, l.Close())
	}
	return addresses
}

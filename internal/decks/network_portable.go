//go:build !linux

package decks

// defaultNetworkBackend falls back to the stdlib net package on platforms
// without io_uring (network_iouring_linux.go carries the Linux backend).
func defaultNetworkBackend() networkBackend {
	return newNetBackend()
}

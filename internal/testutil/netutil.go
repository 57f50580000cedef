package testutil

import (
	"net"
	"testing"
)

// PipeConn returns an in-memory net.Conn pair. Both ends are closed when
// the test finishes.
func PipeConn(t testing.TB) (client, server net.Conn) {
	t.Helper()

	server, client = net.Pipe()

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return client, server
}

// FreePort asks the kernel for an unused TCP port and releases it again.
// The port can be taken by someone else before the test binds it, but in
// practice that window is too small to matter.
func FreePort(t testing.TB) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

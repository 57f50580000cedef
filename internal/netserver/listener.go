// Package netserver provides the shared TCP accept loop behind the client,
// terminal and UI endpoints. Each endpoint supplies an acceptor callback and
// owns every connection handed to it; the listener only owns the listening
// socket.
package netserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/playforge/arena/internal/protocol"
)

var (
	ErrAlreadyListening = errors.New("listener already running")
	ErrNotListening     = errors.New("listener not running")
)

// Acceptor consumes one accepted connection, wrapped in a framed socket.
// Ownership of the socket transfers to the acceptor: the listener never
// closes it. The context is cancelled when the listener terminates, so
// long-running acceptors should watch it.
type Acceptor func(ctx context.Context, sock *protocol.Socket)

// Listener accepts TCP connections for one endpoint. It can be stopped with
// Terminate and started again with Listen, any number of times.
type Listener struct {
	name     string
	acceptor Acceptor

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped listener. name labels log records.
func New(name string, acceptor Acceptor) *Listener {
	return &Listener{name: name, acceptor: acceptor}
}

// Listen binds the port and starts accepting in the background.
// Returns ErrAlreadyListening if the listener is currently running.
func (l *Listener) Listen(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return fmt.Errorf("%s endpoint: %w", l.name, ErrAlreadyListening)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("%s endpoint listening on port %d: %w", l.name, port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.ln = ln
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		l.Serve(ctx, ln)
	}()
	return nil
}

// Serve accepts connections from the given listener until ctx is cancelled
// or the listener is closed, then waits for in-flight acceptors.
// Used directly in tests with a custom listener.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("endpoint started", "endpoint", l.name, "address", ln.Addr())

	var wg sync.WaitGroup
	acceptLoop(ctx, &wg, l, ln)
	wg.Wait()

	slog.Info("endpoint stopped", "endpoint", l.name)
	return nil
}

func acceptLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	l *Listener,
	ln net.Listener,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Error("failed to accept connection", "endpoint", l.name, "error", err)
				continue
			}

			// Detect dead connections between turns.
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := tcpConn.SetKeepAlive(true); err != nil {
					slog.Warn("set keepalive failed", "error", err)
				}
				if err := tcpConn.SetKeepAlivePeriod(30 * time.Second); err != nil {
					slog.Warn("set keepalive period failed", "error", err)
				}
			}

			wg.Go(func() {
				l.acceptor(ctx, protocol.NewSocket(conn))
			})
		}
	}
}

// Terminate closes the listening socket, waits for the accept loop and all
// in-flight acceptors, and returns the listener to the stopped state.
// Returns ErrNotListening if it is not running.
func (l *Listener) Terminate() error {
	l.mu.Lock()
	if l.ln == nil {
		l.mu.Unlock()
		return fmt.Errorf("%s endpoint: %w", l.name, ErrNotListening)
	}
	cancel, done := l.cancel, l.done
	l.ln = nil
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	cancel()
	<-done
	return nil
}

// IsRunning reports whether the listener currently accepts connections.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

// Addr returns the bound address, or nil when stopped.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

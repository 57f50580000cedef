// Package uinet is the spectator endpoint: one UI client at a time with hot
// reconnect, fed from a persistent outbound queue. Messages enqueued while
// no client is bound wait in the queue until one binds.
package uinet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playforge/arena/internal/netserver"
	"github.com/playforge/arena/internal/protocol"
)

// verifyTimeout bounds the token handshake; a silent connection is dropped
// when it expires.
const verifyTimeout = 10 * time.Second

var ErrTerminated = errors.New("ui endpoint terminated")

// entry is one queued send. done is non-nil for blocking sends; cancelled
// marks an abandoned blocking send so the worker skips it instead of
// delivering a duplicate after the caller gave up.
type entry struct {
	msg       protocol.Message
	done      chan error
	cancelled atomic.Bool
}

// Server owns the UI slot. A single sender worker drains the queue in
// order; binding a new socket transparently redirects delivery.
type Server struct {
	token string

	mu         sync.Mutex
	sock       *protocol.Socket
	bindSignal chan struct{}
	queue      []*entry

	wake      chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	listener *netserver.Listener
}

// NewServer creates the endpoint and starts its sender worker.
func NewServer(token string) *Server {
	s := &Server{
		token:      token,
		bindSignal: make(chan struct{}),
		wake:       make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
	s.listener = netserver.New("ui", s.accept)
	go s.senderLoop()
	return s
}

// Listen starts accepting spectator connections.
func (s *Server) Listen(port int) error {
	return s.listener.Listen(port)
}

// Addr returns the endpoint address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Terminate stops the listener if running, closes the bound socket and
// stops the sender worker.
func (s *Server) Terminate() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.listener.IsRunning() {
			s.listener.Terminate()
		}

		s.mu.Lock()
		sock := s.sock
		s.notifyBindLocked()
		queue := s.queue
		s.queue = nil
		s.mu.Unlock()

		if sock != nil {
			sock.Close()
		}
		for _, e := range queue {
			if e.done == nil {
				continue
			}
			select {
			case e.done <- ErrTerminated:
			default:
			}
		}
	})
}

// HasClient reports whether a spectator has ever bound and not been torn
// down.
func (s *Server) HasClient() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock != nil
}

// Send enqueues msg for delivery whenever a spectator is available.
func (s *Server) Send(msg protocol.Message) {
	s.enqueue(&entry{msg: msg})
}

// SendBlocking enqueues msg and waits until it has actually been written to
// a spectator socket, or ctx expires. On expiry the message is withdrawn so
// a later retry cannot produce a duplicate.
func (s *Server) SendBlocking(ctx context.Context, msg protocol.Message) error {
	e := &entry{msg: msg, done: make(chan error, 1)}
	s.enqueue(e)

	select {
	case err := <-e.done:
		return err
	case <-ctx.Done():
		e.cancelled.Store(true)
		return ctx.Err()
	case <-s.closeCh:
		e.cancelled.Store(true)
		return ErrTerminated
	}
}

func (s *Server) enqueue(e *entry) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WaitForClient returns as soon as a live spectator is bound, waiting for
// one if necessary.
func (s *Server) WaitForClient(ctx context.Context) error {
	s.mu.Lock()
	for {
		if s.sock != nil && !s.sock.IsClosed() {
			s.mu.Unlock()
			return nil
		}
		sig := s.bindSignal
		s.mu.Unlock()

		select {
		case <-sig:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return ErrTerminated
		}
		s.mu.Lock()
	}
}

// WaitForNewClient waits for the next bind, even if a spectator is already
// connected.
func (s *Server) WaitForNewClient(ctx context.Context) error {
	s.mu.Lock()
	sig := s.bindSignal
	s.mu.Unlock()

	select {
	case <-sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrTerminated
	}
}

// accept verifies the token within verifyTimeout and hot-swaps the bound
// socket on success.
func (s *Server) accept(ctx context.Context, sock *protocol.Socket) {
	type result struct {
		msg *protocol.ReceivedMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := sock.Receive()
		ch <- result{msg, err}
	}()

	timer := time.NewTimer(verifyTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			slog.Debug("ui handshake failed", "remote", sock.RemoteAddr(), "error", r.err)
			sock.Close()
			return
		}
		if err := s.admit(r.msg, sock); err != nil {
			slog.Debug("ui admission rejected", "remote", sock.RemoteAddr(), "error", err)
			sock.Send(protocol.Message{Name: protocol.NameWrongToken, Args: []any{}})
			sock.Close()
		}
	case <-timer.C:
		slog.Debug("ui token verification timed out", "remote", sock.RemoteAddr())
		sock.Close()
	case <-ctx.Done():
		sock.Close()
	}
}

func (s *Server) admit(msg *protocol.ReceivedMessage, sock *protocol.Socket) error {
	if msg.Name != protocol.NameToken {
		return fmt.Errorf("expected %q message, got %q", protocol.NameToken, msg.Name)
	}
	token, err := msg.StringArg(0)
	if err != nil {
		return fmt.Errorf("token argument: %w", err)
	}
	if token != s.token {
		return errors.New("token mismatch")
	}

	s.bind(sock)
	slog.Info("ui client connected", "remote", sock.RemoteAddr())
	return nil
}

// bind replaces the current spectator socket and releases all waiters.
func (s *Server) bind(sock *protocol.Socket) {
	s.mu.Lock()
	prev := s.sock
	s.sock = sock
	s.notifyBindLocked()
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// notifyBindLocked wakes WaitForClient/WaitForNewClient and the sender.
// Callers must hold s.mu.
func (s *Server) notifyBindLocked() {
	close(s.bindSignal)
	s.bindSignal = make(chan struct{})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// senderLoop delivers queue entries in order, one at a time, parking while
// the queue is empty or no live socket is bound.
func (s *Server) senderLoop() {
	for {
		e := s.peek()
		if e == nil {
			return
		}
		if e.cancelled.Load() {
			s.pop(e)
			continue
		}

		sock := s.awaitSocket()
		if sock == nil {
			return
		}

		if err := sock.Send(e.msg); err != nil {
			if errors.Is(err, protocol.ErrClosed) {
				// Keep the entry; it is delivered to the next spectator.
				sock.Close()
				continue
			}
			slog.Warn("ui send failed", "error", err)
			s.pop(e)
			if e.done != nil {
				e.done <- err
			}
			continue
		}

		s.pop(e)
		if e.done != nil {
			e.done <- nil
		}
	}
}

// peek blocks until the queue has a head entry, returning nil on terminate.
func (s *Server) peek() *entry {
	s.mu.Lock()
	for len(s.queue) == 0 {
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.closeCh:
			return nil
		}
		s.mu.Lock()
	}
	e := s.queue[0]
	s.mu.Unlock()
	return e
}

func (s *Server) pop(e *entry) {
	s.mu.Lock()
	if len(s.queue) > 0 && s.queue[0] == e {
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()
}

// awaitSocket blocks until a live socket is bound, returning nil on
// terminate.
func (s *Server) awaitSocket() *protocol.Socket {
	s.mu.Lock()
	for {
		if s.sock != nil && !s.sock.IsClosed() {
			sock := s.sock
			s.mu.Unlock()
			return sock
		}
		sig := s.bindSignal
		s.mu.Unlock()

		select {
		case <-sig:
		case <-s.closeCh:
			return nil
		}
		s.mu.Lock()
	}
}

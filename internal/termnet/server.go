// Package termnet is the operator terminal endpoint: a multi-connection
// TCP server where each authenticated connection runs a command loop
// against the registered dispatcher.
package termnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/playforge/arena/internal/game"
	"github.com/playforge/arena/internal/netserver"
	"github.com/playforge/arena/internal/protocol"
)

// maxReceiveExceptions caps recoverable per-connection failures (malformed
// input, failed dispatch). Transport failures close the connection at once.
const maxReceiveExceptions = 20

// Dispatcher consumes operator input. RunCommand must always return a reply
// message; PutEvent is fire-and-forget.
type Dispatcher interface {
	RunCommand(msg protocol.Message) protocol.Message
	PutEvent(ev game.Event)
}

// Server accepts terminal connections, each served by its own worker until
// the operator disconnects or the failure cap is reached.
type Server struct {
	token string

	mu         sync.RWMutex
	dispatcher Dispatcher

	listener *netserver.Listener
}

// NewServer creates a terminal endpoint guarding access with token.
func NewServer(token string) *Server {
	s := &Server{token: token}
	s.listener = netserver.New("terminal", s.accept)
	return s
}

// SetDispatcher registers the command/event consumer. Must be called before
// Listen.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// Listen starts accepting operator connections.
func (s *Server) Listen(port int) error {
	return s.listener.Listen(port)
}

// Serve accepts operator connections on port until ctx is cancelled.
// Blocking variant of Listen for callers that supervise the endpoint.
func (s *Server) Serve(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("terminal endpoint listening on port %d: %w", port, err)
	}
	return s.listener.Serve(ctx, ln)
}

// Terminate stops accepting and tears down live operator sessions.
func (s *Server) Terminate() error {
	return s.listener.Terminate()
}

// Addr returns the endpoint address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// accept authenticates one connection and runs its command loop.
func (s *Server) accept(ctx context.Context, sock *protocol.Socket) {
	defer sock.Close()

	go func() {
		<-ctx.Done()
		sock.Close()
	}()

	msg, err := sock.Receive()
	if err != nil {
		slog.Debug("terminal handshake failed", "remote", sock.RemoteAddr(), "error", err)
		return
	}

	if !s.tokenValid(msg) {
		if err := sock.Send(protocol.Message{Name: protocol.NameWrongToken, Args: []any{}}); err != nil {
			slog.Debug("terminal rejection not delivered", "remote", sock.RemoteAddr(), "error", err)
		}
		return
	}

	if err := sock.Send(protocol.Message{Name: protocol.NameInit, Args: []any{[]string{}}}); err != nil {
		slog.Warn("terminal init not delivered", "remote", sock.RemoteAddr(), "error", err)
		return
	}
	slog.Info("terminal connected", "remote", sock.RemoteAddr())

	exceptions := 0
	for {
		err := s.handleInput(sock)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrClosed):
			slog.Info("terminal disconnected", "remote", sock.RemoteAddr())
			return
		default:
			exceptions++
			slog.Warn("terminal input failure", "remote", sock.RemoteAddr(), "count", exceptions, "error", err)
			if exceptions > maxReceiveExceptions {
				slog.Error("terminal exceeded failure cap, closing", "remote", sock.RemoteAddr())
				return
			}
		}
	}
}

func (s *Server) tokenValid(msg *protocol.ReceivedMessage) bool {
	if msg.Name != protocol.NameToken || len(msg.Args) < 1 {
		return false
	}
	token, err := msg.StringArg(0)
	return err == nil && token == s.token
}

// handleInput processes one operator message: a command (replied to), an
// event (forwarded silently), or anything else (reported as undefined).
func (s *Server) handleInput(sock *protocol.Socket) error {
	msg, err := sock.Receive()
	if err != nil {
		return err
	}

	switch msg.Name {
	case protocol.NameCommand:
		name, err := msg.StringArg(0)
		if err != nil {
			return err
		}
		var strArgs []string
		if err := msg.Arg(1, &strArgs); err != nil {
			return err
		}
		args := make([]any, len(strArgs))
		for i, a := range strArgs {
			args[i] = a
		}

		reply := s.dispatch().RunCommand(protocol.Message{Name: name, Args: args})
		return sock.Send(reply)

	case protocol.NameEvent:
		var ev game.Event
		if err := msg.Arg(0, &ev); err != nil {
			return err
		}
		s.dispatch().PutEvent(ev)
		return nil

	default:
		return sock.Send(protocol.Report("Message is not defined."))
	}
}

func (s *Server) dispatch() Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dispatcher == nil {
		return noopDispatcher{}
	}
	return s.dispatcher
}

type noopDispatcher struct{}

func (noopDispatcher) RunCommand(protocol.Message) protocol.Message {
	return protocol.Report("Server is not accepting commands yet.")
}

func (noopDispatcher) PutEvent(game.Event) {}

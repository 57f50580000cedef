package clientnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playforge/arena/internal/game"
	"github.com/playforge/arena/internal/netserver"
	"github.com/playforge/arena/internal/protocol"
)

// verifyTimeout bounds how long an accepted connection may take to present
// its token. Deliberately enormous: clients are expected to be slow AIs.
const verifyTimeout = 1000 * time.Second

// Pool manages the pre-declared client slots: admission by token, the
// per-turn send barrier and the shared receive window.
//
// Slots may only be declared or dropped while the pool is not listening;
// during a game the slot set is immutable and sockets hot-swap via Bind.
type Pool struct {
	window atomic.Bool

	mu     sync.Mutex
	slots  []*Handler
	tokens map[string]int

	queueSize int
	listener  *netserver.Listener
}

// NewPool creates an empty pool. queueSize caps each slot's sender queue;
// zero selects the default.
func NewPool(queueSize int) *Pool {
	p := &Pool{
		tokens:    make(map[string]int),
		queueSize: queueSize,
	}
	p.listener = netserver.New("client", p.accept)
	return p
}

// DefineClient declares a new slot for token and starts its sender and
// receiver loops. Only legal while the pool is not listening. Returns the
// dense slot id.
func (p *Pool) DefineClient(token string) (int, error) {
	if p.listener.IsRunning() {
		return -1, fmt.Errorf("define client: %w", ErrInvalidState)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tokens[token]; ok {
		return -1, fmt.Errorf("define client: %w", ErrDuplicateToken)
	}

	id := len(p.slots)
	h := newHandler(id, token, &p.window, p.queueSize)
	p.tokens[token] = id
	p.slots = append(p.slots, h)
	h.start()
	return id, nil
}

// OmitAllClients terminates every slot and forgets all tokens. Only legal
// while the pool is not listening.
func (p *Pool) OmitAllClients() error {
	if p.listener.IsRunning() {
		return fmt.Errorf("omit all clients: %w", ErrInvalidState)
	}

	p.mu.Lock()
	slots := p.slots
	p.slots = nil
	p.tokens = make(map[string]int)
	p.mu.Unlock()

	for _, h := range slots {
		h.Terminate()
	}
	return nil
}

// Listen starts accepting client connections.
func (p *Pool) Listen(port int) error {
	return p.listener.Listen(port)
}

// Terminate stops accepting. Slot loops keep draining until their own caps;
// bound sockets stay open.
func (p *Pool) Terminate() error {
	return p.listener.Terminate()
}

// Addr returns the client endpoint address, or nil when not listening.
func (p *Pool) Addr() net.Addr {
	return p.listener.Addr()
}

// accept runs admission for one connection: read exactly one message, check
// the token, bind on success, close silently on any failure.
func (p *Pool) accept(ctx context.Context, sock *protocol.Socket) {
	if err := p.verifyClient(ctx, sock); err != nil {
		slog.Debug("client admission rejected", "remote", sock.RemoteAddr(), "error", err)
		sock.Close()
	}
}

func (p *Pool) verifyClient(ctx context.Context, sock *protocol.Socket) error {
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
			return fmt.Errorf("reading token message: %w", r.err)
		}
		return p.admit(r.msg, sock)
	case <-timer.C:
		return errors.New("token verification timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) admit(msg *protocol.ReceivedMessage, sock *protocol.Socket) error {
	if msg.Name != protocol.NameToken {
		return fmt.Errorf("expected %q message, got %q", protocol.NameToken, msg.Name)
	}
	token, err := msg.StringArg(0)
	if err != nil {
		return fmt.Errorf("token argument: %w", err)
	}

	p.mu.Lock()
	id, ok := p.tokens[token]
	var h *Handler
	if ok {
		h = p.slots[id]
	}
	p.mu.Unlock()

	if !ok {
		return errors.New("unknown token")
	}

	h.Bind(sock)
	slog.Info("client connected", "slot", id, "remote", sock.RemoteAddr())
	return nil
}

// Queue stages a message for slot id. Nothing is sent until SendAllBlocking.
func (p *Pool) Queue(id int, msg protocol.Message) {
	if h := p.slot(id); h != nil {
		h.Queue(msg)
	}
}

// SendAllBlocking promotes every slot's staged batch to its sender in one
// rendezvous round: all flush tasks start together, and the call returns
// only when every one of them has finished. No staged message survives the
// call.
func (p *Pool) SendAllBlocking() {
	slots := p.snapshot()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, h := range slots {
		wg.Go(func() {
			<-start
			h.Flush()
		})
	}
	close(start)
	wg.Wait()
}

// StartReceivingAll clears every slot's window cache, then opens the receive
// window. The clear comes first so a stale message can never leak into the
// new window.
func (p *Pool) StartReceivingAll() {
	for _, h := range p.snapshot() {
		h.ClearLastValid()
	}
	p.window.Store(true)
}

// StopReceivingAll closes the receive window.
func (p *Pool) StopReceivingAll() {
	p.window.Store(false)
}

// GetReceivedMessage returns slot id's last message read inside the current
// window, or nil.
func (p *Pool) GetReceivedMessage(id int) *protocol.ReceivedMessage {
	h := p.slot(id)
	if h == nil {
		return nil
	}
	return h.LastValid()
}

// GetReceivedEvent decodes the window message's first argument as an array
// of events. Returns nil when there is no valid message or the payload does
// not decode.
func (p *Pool) GetReceivedEvent(id int) []game.Event {
	msg := p.GetReceivedMessage(id)
	if msg == nil || len(msg.Args) == 0 {
		return nil
	}

	var events []game.Event
	if err := msg.Arg(0, &events); err != nil {
		slog.Debug("client events undecodable", "slot", id, "error", err)
		return nil
	}
	return events
}

// WaitForClient blocks until slot id has a live socket.
func (p *Pool) WaitForClient(ctx context.Context, id int) error {
	h := p.slot(id)
	if h == nil {
		return fmt.Errorf("wait for client: no slot %d", id)
	}
	return h.WaitForClient(ctx)
}

// WaitForMessage blocks until slot id has received at least one message.
func (p *Pool) WaitForMessage(ctx context.Context, id int) error {
	h := p.slot(id)
	if h == nil {
		return fmt.Errorf("wait for message: no slot %d", id)
	}
	return h.WaitForMessage(ctx)
}

// WaitForAllClients waits for every slot in order, spending a shared
// wall-clock budget. Slots that fail to bind in time are skipped; the call
// returns once the budget is exhausted or all slots were visited. A zero or
// negative timeout waits indefinitely.
func (p *Pool) WaitForAllClients(ctx context.Context, timeout time.Duration) error {
	slots := p.snapshot()

	if timeout <= 0 {
		for _, h := range slots {
			if err := h.WaitForClient(ctx); err != nil && !errors.Is(err, ErrTerminated) {
				return err
			}
		}
		return nil
	}

	deadline := time.Now().Add(timeout)
	for _, h := range slots {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slotCtx, cancel := context.WithTimeout(ctx, remaining)
		err := h.WaitForClient(slotCtx)
		cancel()
		switch {
		case err == nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTerminated):
			// Move on; this slot's budget share is spent.
		default:
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// GetNumberOfConnected counts slots with a bound socket.
func (p *Pool) GetNumberOfConnected() int {
	n := 0
	for _, h := range p.snapshot() {
		if h.IsConnected() {
			n++
		}
	}
	return n
}

// IsConnected reports whether slot id has a bound socket.
func (p *Pool) IsConnected(id int) bool {
	h := p.slot(id)
	return h != nil && h.IsConnected()
}

// NumSlots returns the number of declared slots.
func (p *Pool) NumSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

func (p *Pool) slot(id int) *Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.slots) {
		return nil
	}
	return p.slots[id]
}

func (p *Pool) snapshot() []*Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots := make([]*Handler, len(p.slots))
	copy(slots, p.slots)
	return slots
}

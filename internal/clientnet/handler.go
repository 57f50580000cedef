package clientnet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/playforge/arena/internal/protocol"
)

const (
	// maxExceptions is the per-slot I/O failure budget. Crossing it makes the
	// handler terminate itself; the rest of the pool is unaffected.
	maxExceptions = 20

	defaultSendQueueSize = 256
)

var (
	ErrInvalidState   = errors.New("pool is listening")
	ErrDuplicateToken = errors.New("token already defined")
	ErrTerminated     = errors.New("slot terminated")
)

// Handler owns one client slot: the bound socket, the two-phase outbound
// queue and the last-received/last-valid caches. A sender and a receiver
// goroutine run per handler from start until Terminate.
//
// The receive window is a shared flag owned by the pool: a message becomes
// last-valid only when its read completes while the flag is true.
type Handler struct {
	id     int
	token  string
	window *atomic.Bool

	mu         sync.Mutex
	sock       *protocol.Socket
	staged     []protocol.Message
	bindSignal chan struct{}

	sendCh    chan protocol.Message
	msgSignal chan struct{}
	msgMu     sync.Mutex

	lastReceived atomic.Pointer[protocol.ReceivedMessage]
	lastValid    atomic.Pointer[protocol.ReceivedMessage]

	errCount   atomic.Int32
	terminated atomic.Bool
	closeCh    chan struct{}
	closeOnce  sync.Once
}

func newHandler(id int, token string, window *atomic.Bool, queueSize int) *Handler {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Handler{
		id:         id,
		token:      token,
		window:     window,
		bindSignal: make(chan struct{}),
		sendCh:     make(chan protocol.Message, queueSize),
		msgSignal:  make(chan struct{}),
		closeCh:    make(chan struct{}),
	}
}

// start launches the sender and receiver loops.
func (h *Handler) start() {
	go h.senderLoop()
	go h.receiverLoop()
}

// ID returns the slot index.
func (h *Handler) ID() int { return h.id }

// Token returns the slot's admission token.
func (h *Handler) Token() string { return h.token }

// Queue appends a message to the staging list. Nothing is transmitted until
// Flush promotes the staged batch to the sender.
func (h *Handler) Queue(msg protocol.Message) {
	h.mu.Lock()
	h.staged = append(h.staged, msg)
	h.mu.Unlock()
}

// Flush atomically takes the staged batch and hands it to the sender queue.
// A full queue drops the overflowing messages rather than blocking the
// caller: the per-turn barrier must never stall on a slow slot.
func (h *Handler) Flush() {
	h.mu.Lock()
	batch := h.staged
	h.staged = nil
	h.mu.Unlock()

	for _, msg := range batch {
		select {
		case h.sendCh <- msg:
		default:
			slog.Warn("send queue full, dropping message", "slot", h.id, "message", msg.Name)
		}
	}
}

// Bind installs a new socket, closing any prior one, and wakes the sender,
// the receiver and WaitForClient callers.
func (h *Handler) Bind(sock *protocol.Socket) {
	h.mu.Lock()
	prev := h.sock
	h.sock = sock
	h.notifyBindLocked()
	h.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			h.registerError(err)
		}
	}
}

// notifyBindLocked wakes everything blocked on the bind signal.
// Callers must hold h.mu.
func (h *Handler) notifyBindLocked() {
	close(h.bindSignal)
	h.bindSignal = make(chan struct{})
}

// IsConnected reports whether a socket has ever been bound and not replaced
// by termination. A broken-but-bound socket still counts as connected; the
// error cap is what eventually retires the slot.
func (h *Handler) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sock != nil
}

// WaitForClient blocks until a live socket is bound, the context expires, or
// the handler terminates.
func (h *Handler) WaitForClient(ctx context.Context) error {
	h.mu.Lock()
	for {
		if h.terminated.Load() {
			h.mu.Unlock()
			return ErrTerminated
		}
		if h.sock != nil && !h.sock.IsClosed() {
			h.mu.Unlock()
			return nil
		}
		sig := h.bindSignal
		h.mu.Unlock()

		select {
		case <-sig:
		case <-ctx.Done():
			return ctx.Err()
		case <-h.closeCh:
			return ErrTerminated
		}
		h.mu.Lock()
	}
}

// WaitForMessage blocks until at least one message has ever been received on
// this slot, the context expires, or the handler terminates.
func (h *Handler) WaitForMessage(ctx context.Context) error {
	for {
		if h.lastReceived.Load() != nil {
			return nil
		}
		if h.terminated.Load() {
			return ErrTerminated
		}
		h.msgMu.Lock()
		sig := h.msgSignal
		h.msgMu.Unlock()

		select {
		case <-sig:
		case <-ctx.Done():
			return ctx.Err()
		case <-h.closeCh:
			return ErrTerminated
		}
	}
}

// LastValid returns the newest message read inside the current receive
// window, or nil.
func (h *Handler) LastValid() *protocol.ReceivedMessage {
	return h.lastValid.Load()
}

// LastReceived returns the newest message read on this slot regardless of
// the receive window, or nil.
func (h *Handler) LastReceived() *protocol.ReceivedMessage {
	return h.lastReceived.Load()
}

// ClearLastValid drops the window cache. Called by the pool at the start of
// each receive window.
func (h *Handler) ClearLastValid() {
	h.lastValid.Store(nil)
}

// Terminate stops both loops and closes the socket. Idempotent.
func (h *Handler) Terminate() {
	h.closeOnce.Do(func() {
		h.terminated.Store(true)
		close(h.closeCh)

		h.mu.Lock()
		sock := h.sock
		h.notifyBindLocked()
		h.mu.Unlock()

		if sock != nil {
			sock.Close()
		}
	})
}

// awaitSocket blocks until a live socket is bound or the handler terminates,
// in which case it returns nil.
func (h *Handler) awaitSocket() *protocol.Socket {
	h.mu.Lock()
	for {
		if h.terminated.Load() {
			h.mu.Unlock()
			return nil
		}
		if h.sock != nil && !h.sock.IsClosed() {
			s := h.sock
			h.mu.Unlock()
			return s
		}
		sig := h.bindSignal
		h.mu.Unlock()

		select {
		case <-sig:
		case <-h.closeCh:
			return nil
		}
		h.mu.Lock()
	}
}

func (h *Handler) senderLoop() {
	for {
		select {
		case <-h.closeCh:
			return
		case msg := <-h.sendCh:
			sock := h.awaitSocket()
			if sock == nil {
				return
			}
			if err := sock.Send(msg); err != nil {
				h.registerError(err)
			}
		}
	}
}

func (h *Handler) receiverLoop() {
	for {
		sock := h.awaitSocket()
		if sock == nil {
			return
		}

		msg, err := sock.Receive()
		if err != nil {
			if h.terminated.Load() {
				return
			}
			h.registerError(err)
			if errors.Is(err, protocol.ErrClosed) {
				// Socket is gone; awaitSocket parks until a rebind.
				sock.Close()
			}
			continue
		}

		h.lastReceived.Store(msg)
		if h.window.Load() {
			h.lastValid.Store(msg)
		}
		h.notifyMessage()
	}
}

func (h *Handler) notifyMessage() {
	h.msgMu.Lock()
	close(h.msgSignal)
	h.msgSignal = make(chan struct{})
	h.msgMu.Unlock()
}

// registerError counts one I/O failure and terminates the handler once the
// budget is exceeded.
func (h *Handler) registerError(err error) {
	n := h.errCount.Add(1)
	slog.Warn("client slot io failure", "slot", h.id, "errors", n, "error", err)
	if n > maxExceptions {
		slog.Error("client slot exceeded failure budget, terminating", "slot", h.id)
		h.Terminate()
	}
}

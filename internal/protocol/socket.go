package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
)

// Frame layout: a 4-byte big-endian unsigned length followed by that many
// bytes of UTF-8 JSON. One frame carries exactly one JSON value.
const (
	frameHeaderSize = 4

	// MaxFrameSize bounds a single frame payload. Anything larger is treated
	// as stream corruption rather than a legitimate message.
	MaxFrameSize = 16 << 20
)

var (
	ErrClosed      = errors.New("socket closed")
	ErrDecode      = errors.New("malformed message")
	ErrEmptyFrame  = errors.New("empty frame")
	ErrFrameTooBig = errors.New("frame exceeds size limit")
)

func decodeError(err error) error {
	return fmt.Errorf("%w: %v", ErrDecode, err)
}

func errArgIndex(i, n int) error {
	return fmt.Errorf("%w: arg index %d out of range (have %d)", ErrDecode, i, n)
}

// isClosedStream reports whether err means the peer or a local Close tore
// the stream down, as opposed to a transient I/O failure.
func isClosedStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// WriteFrame marshals v and writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooBig, len(payload))
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its payload.
// Short reads are coalesced; an EOF in the middle of a frame is an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooBig, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("frame truncated: %w", err)
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// Socket frames JSON values over a net.Conn. Send and Receive are each safe
// for one concurrent caller; the two directions are independent.
type Socket struct {
	conn net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSocket wraps an established connection.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

// Dial connects to host:port and wraps the connection.
func Dial(host string, port int) (*Socket, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("dialing %s:%d: %w", host, port, err)
	}
	return NewSocket(conn), nil
}

// Send writes v as a single frame.
func (s *Socket) Send(v any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := WriteFrame(s.conn, v); err != nil {
		if s.closed.Load() || isClosedStream(err) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return err
	}
	return nil
}

// Receive reads one frame and decodes it as a ReceivedMessage.
// A decode failure does not close the socket; the stream stays framed and
// the next Receive reads the following frame.
func (s *Socket) Receive() (*ReceivedMessage, error) {
	var msg ReceivedMessage
	if err := s.ReceiveInto(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ReceiveInto reads one frame and decodes it into v.
func (s *Socket) ReceiveInto(v any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	payload, err := ReadFrame(s.conn)
	if err != nil {
		if s.closed.Load() || isClosedStream(err) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return decodeError(err)
	}
	return nil
}

// Close shuts the connection down. Idempotent.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

// IsClosed reports whether Close has been called.
func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

package clientnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/arena/internal/protocol"
)

// listenPool starts p on an ephemeral port and returns the dialable address.
func listenPool(t *testing.T, p *Pool) string {
	t.Helper()
	require.NoError(t, p.Listen(0))
	t.Cleanup(func() { p.Terminate() })

	_, port, err := net.SplitHostPort(p.Addr().String())
	require.NoError(t, err)
	return "127.0.0.1:" + port
}

func dialPool(t *testing.T, addr string) *protocol.Socket {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	sock := protocol.NewSocket(conn)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestPool_WrongTokenRejected(t *testing.T) {
	p := NewPool(0)
	_, err := p.DefineClient("T")
	require.NoError(t, err)

	addr := listenPool(t, p)
	sock := dialPool(t, addr)

	// A bare JSON string instead of a token message: admission must fail.
	require.NoError(t, sock.Send("T"))

	assert.Never(t, func() bool { return p.IsConnected(0) }, time.Second, 50*time.Millisecond)

	// The server closed its side; pushing more data eventually errors out.
	require.Eventually(t, func() bool {
		return sock.Send("again") != nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestPool_CorrectTokenBinds(t *testing.T) {
	p := NewPool(0)
	id, err := p.DefineClient("T")
	require.NoError(t, err)
	require.Equal(t, 0, id)

	addr := listenPool(t, p)
	sock := dialPool(t, addr)

	require.NoError(t, sock.Send(protocol.NewMessage(protocol.NameToken, "T")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForClient(ctx, 0))

	assert.True(t, p.IsConnected(0))
	assert.Equal(t, 1, p.GetNumberOfConnected())

	// The bound socket keeps working.
	assert.NoError(t, sock.Send(protocol.Message{Name: "nothing!", Args: nil}))
}

func TestPool_FanOut(t *testing.T) {
	const n = 100

	p := NewPool(0)
	for i := range n {
		id, err := p.DefineClient(fmt.Sprintf("token-%03d", i))
		require.NoError(t, err)
		require.Equal(t, i, id)
	}

	addr := listenPool(t, p)

	socks := make([]*protocol.Socket, n)
	for i := range n {
		socks[i] = dialPool(t, addr)
		require.NoError(t, socks[i].Send(protocol.NewMessage(protocol.NameToken, fmt.Sprintf("token-%03d", i))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForAllClients(ctx, 10*time.Second))
	require.Equal(t, n, p.GetNumberOfConnected())

	payload := make([]int, n)
	for i := range n {
		payload[i] = rand.IntN(1 << 30)
		p.Queue(i, protocol.NewMessage("test", "arg0", payload[i]))
	}
	p.SendAllBlocking()

	for i := range n {
		msg, err := socks[i].Receive()
		require.NoError(t, err, "client %d", i)
		require.Equal(t, "test", msg.Name)

		arg0, err := msg.StringArg(0)
		require.NoError(t, err)
		assert.Equal(t, "arg0", arg0)

		var got int
		require.NoError(t, msg.Arg(1, &got))
		assert.Equal(t, payload[i], got, "client %d received foreign payload", i)
	}
}

func TestPool_ReceiveGating(t *testing.T) {
	p := NewPool(0)
	_, err := p.DefineClient("T")
	require.NoError(t, err)

	addr := listenPool(t, p)
	sock := dialPool(t, addr)
	require.NoError(t, sock.Send(protocol.NewMessage(protocol.NameToken, "T")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForClient(ctx, 0))

	// Before the window: read but never validated.
	require.NoError(t, sock.Send(protocol.NewMessage("m1")))
	require.NoError(t, sock.Send(protocol.NewMessage("m2")))
	require.NoError(t, p.WaitForMessage(ctx, 0))
	time.Sleep(200 * time.Millisecond)
	require.Nil(t, p.GetReceivedMessage(0))

	p.StartReceivingAll()
	require.NoError(t, sock.Send(protocol.NewMessage("m3")))
	require.Eventually(t, func() bool {
		return p.GetReceivedMessage(0) != nil
	}, 2*time.Second, 10*time.Millisecond)
	p.StopReceivingAll()

	// After the window: read, but last-valid must not move.
	require.NoError(t, sock.Send(protocol.NewMessage("m4")))
	require.NoError(t, sock.Send(protocol.NewMessage("m5")))
	time.Sleep(200 * time.Millisecond)

	msg := p.GetReceivedMessage(0)
	require.NotNil(t, msg)
	assert.Equal(t, "m3", msg.Name)
}

func TestPool_WindowClearedOnRestart(t *testing.T) {
	p := NewPool(0)
	_, err := p.DefineClient("T")
	require.NoError(t, err)

	addr := listenPool(t, p)
	sock := dialPool(t, addr)
	require.NoError(t, sock.Send(protocol.NewMessage(protocol.NameToken, "T")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForClient(ctx, 0))

	p.StartReceivingAll()
	require.NoError(t, sock.Send(protocol.NewMessage("turn1")))
	require.Eventually(t, func() bool {
		return p.GetReceivedMessage(0) != nil
	}, 2*time.Second, 10*time.Millisecond)
	p.StopReceivingAll()

	// Opening the next window clears the previous turn's message: a silent
	// client has no carried-over input.
	p.StartReceivingAll()
	assert.Nil(t, p.GetReceivedMessage(0))
	p.StopReceivingAll()
}

func TestPool_DefineClientWhileListening(t *testing.T) {
	p := NewPool(0)
	listenPool(t, p)

	_, err := p.DefineClient("T")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPool_DuplicateToken(t *testing.T) {
	p := NewPool(0)
	_, err := p.DefineClient("T")
	require.NoError(t, err)

	_, err = p.DefineClient("T")
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestPool_WaitForAllClientsBudget(t *testing.T) {
	p := NewPool(0)
	for i := range 3 {
		_, err := p.DefineClient(fmt.Sprintf("token-%d", i))
		require.NoError(t, err)
	}

	addr := listenPool(t, p)

	// Only two of three slots connect.
	for i := range 2 {
		sock := dialPool(t, addr)
		require.NoError(t, sock.Send(protocol.NewMessage(protocol.NameToken, fmt.Sprintf("token-%d", i))))
	}

	start := time.Now()
	err := p.WaitForAllClients(context.Background(), 900*time.Millisecond)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*time.Second, "budget must bound the total wait")
	assert.Equal(t, 2, p.GetNumberOfConnected())
}

func TestPool_OmitAllClients(t *testing.T) {
	p := NewPool(0)
	_, err := p.DefineClient("a")
	require.NoError(t, err)
	_, err = p.DefineClient("b")
	require.NoError(t, err)

	require.NoError(t, p.OmitAllClients())
	assert.Equal(t, 0, p.NumSlots())

	// Tokens are free again and ids restart from zero.
	id, err := p.DefineClient("a")
	require.NoError(t, err)
	assert.Equal(t, 0, id)
}

func TestPool_OmitWhileListening(t *testing.T) {
	p := NewPool(0)
	listenPool(t, p)
	assert.ErrorIs(t, p.OmitAllClients(), ErrInvalidState)
}

func TestPool_RebindReplacesSocket(t *testing.T) {
	p := NewPool(0)
	_, err := p.DefineClient("T")
	require.NoError(t, err)

	addr := listenPool(t, p)

	first := dialPool(t, addr)
	require.NoError(t, first.Send(protocol.NewMessage(protocol.NameToken, "T")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForClient(ctx, 0))

	second := dialPool(t, addr)
	require.NoError(t, second.Send(protocol.NewMessage(protocol.NameToken, "T")))

	// The replacement closes the first socket; reads on it fail.
	require.Eventually(t, func() bool {
		_, err := first.Receive()
		return err != nil
	}, 2*time.Second, 50*time.Millisecond)

	// Messages go to the new socket.
	p.Queue(0, protocol.NewMessage("hello"))
	p.SendAllBlocking()

	msg, err := second.Receive()
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Name)
}

func TestPool_RawLengthPrefixAccepted(t *testing.T) {
	// A hand-rolled frame (no Socket helper) must be admitted: the wire
	// contract is just the 4-byte big-endian prefix plus JSON.
	p := NewPool(0)
	_, err := p.DefineClient("T")
	require.NoError(t, err)

	addr := listenPool(t, p)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte(`{"name":"token","args":["T"]}`)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	_, err = conn.Write(header[:])
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForClient(ctx, 0))
}

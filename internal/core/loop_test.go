package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/arena/internal/clientnet"
	"github.com/playforge/arena/internal/config"
	"github.com/playforge/arena/internal/game"
	"github.com/playforge/arena/internal/output"
	"github.com/playforge/arena/internal/protocol"
	"github.com/playforge/arena/internal/testutil"
)

// scriptedLogic records every call the loop makes and finishes after a
// fixed number of turns.
type scriptedLogic struct {
	mu        sync.Mutex
	turnLimit int

	calls      []string
	turns      int
	terminated bool

	terminalIn [][]game.Event
	envIn      [][]game.Event
	clientIn   [][][]game.Event

	// envFn, when set, scripts MakeEnvironmentEvents. Receives the
	// number of turns simulated so far.
	envFn func(turn int) []game.Event

	// info scripts ClientInfo for supervisor tests.
	info []game.ClientInfo
}

func newScriptedLogic(turnLimit int) *scriptedLogic {
	return &scriptedLogic{turnLimit: turnLimit}
}

func (l *scriptedLogic) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *scriptedLogic) Init() {}

func (l *scriptedLogic) ClientInfo() []game.ClientInfo { return l.info }

func (l *scriptedLogic) UIInitialMessage() protocol.Message {
	return protocol.NewMessage(protocol.NameInit)
}

func (l *scriptedLogic) ClientInitialMessages() []protocol.Message {
	msgs := make([]protocol.Message, len(l.info))
	for i := range msgs {
		msgs[i] = protocol.NewMessage(protocol.NameInit, i)
	}
	return msgs
}

func (l *scriptedLogic) SimulateEvents(terminal, environment []game.Event, client [][]game.Event) {
	l.mu.Lock()
	l.calls = append(l.calls, "simulate")
	l.turns++
	l.terminalIn = append(l.terminalIn, terminal)
	l.envIn = append(l.envIn, environment)
	l.clientIn = append(l.clientIn, client)
	l.mu.Unlock()
}

func (l *scriptedLogic) GenerateOutputs() { l.record("generate") }

func (l *scriptedLogic) UIMessage() protocol.Message {
	l.record("ui")
	return protocol.NewMessage(protocol.NameTurn, l.turnCount())
}

func (l *scriptedLogic) StatusMessage() protocol.Message {
	l.record("status")
	return protocol.NewMessage(protocol.NameStatus, l.turnCount())
}

func (l *scriptedLogic) ClientMessages() []protocol.Message {
	l.record("clients")
	return nil
}

func (l *scriptedLogic) MakeEnvironmentEvents() []game.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "environment")
	if l.envFn != nil {
		return l.envFn(l.turns)
	}
	return nil
}

func (l *scriptedLogic) IsGameFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "finished")
	return l.turnLimit > 0 && l.turns >= l.turnLimit
}

func (l *scriptedLogic) Terminate() {
	l.mu.Lock()
	l.calls = append(l.calls, "terminate")
	l.terminated = true
	l.mu.Unlock()
}

func (l *scriptedLogic) turnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.turns
}

func (l *scriptedLogic) wasTerminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminated
}

func (l *scriptedLogic) callSeq() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *scriptedLogic) terminalInputs() [][]game.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]game.Event(nil), l.terminalIn...)
}

func (l *scriptedLogic) envInputs() [][]game.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]game.Event(nil), l.envIn...)
}

var fastTurns = config.TurnTimeout{
	ClientResponseTime: 5,
	SimulateTimeout:    1000,
	TurnTimeout:        10,
}

// newTestLoop wires a loop against an empty pool and a disabled output
// pipeline, enough to drive the turn machinery itself.
func newTestLoop(t *testing.T, logic game.Logic, cfg config.TurnTimeout) *Loop {
	t.Helper()

	out, err := output.New(config.OutputHandler{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(out.Shutdown)

	return NewLoop(cfg, logic, clientnet.NewPool(8), out)
}

func waitFinished(t *testing.T, loop *Loop) {
	t.Helper()
	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	require.NoError(t, loop.WaitForFinishContext(ctx), "loop did not finish")
}

func TestLoop_FinishesAfterTurnLimit(t *testing.T) {
	logic := newScriptedLogic(3)
	loop := newTestLoop(t, logic, fastTurns)

	require.False(t, loop.Started())
	loop.Start()
	require.True(t, loop.Started())

	waitFinished(t, loop)

	assert.Equal(t, 3, logic.turnCount())
	assert.True(t, logic.wasTerminated())
	assert.True(t, loop.Finished())
}

func TestLoop_TurnCallOrder(t *testing.T) {
	logic := newScriptedLogic(2)
	loop := newTestLoop(t, logic, fastTurns)

	loop.Start()
	waitFinished(t, loop)

	turn := []string{"simulate", "generate", "finished", "ui", "status", "clients", "environment"}
	finalTurn := []string{"simulate", "generate", "finished", "terminate", "ui", "status", "clients", "environment"}
	want := append(append([]string{}, turn...), finalTurn...)
	assert.Equal(t, want, logic.callSeq())
}

func TestLoop_RoutesInputsBetweenTurns(t *testing.T) {
	logic := newScriptedLogic(3)
	logic.envFn = func(turn int) []game.Event {
		return []game.Event{{Type: "tick", Args: []string{"env"}}}
	}
	loop := newTestLoop(t, logic, fastTurns)

	staged := game.Event{Type: "add", Args: []string{"0", "1"}}
	loop.QueueEvent(staged)
	loop.QueueEvent(staged)

	loop.Start()
	waitFinished(t, loop)

	terminal := logic.terminalInputs()
	require.Len(t, terminal, 3)
	assert.Empty(t, terminal[0], "first simulate runs on no inputs")
	assert.Equal(t, []game.Event{staged, staged}, terminal[1], "staged events arrive one turn later")
	assert.Empty(t, terminal[2], "terminal events are drained exactly once")

	env := logic.envInputs()
	require.Len(t, env, 3)
	assert.Empty(t, env[0])
	assert.Equal(t, []game.Event{{Type: "tick", Args: []string{"env"}}}, env[1])
	assert.Equal(t, []game.Event{{Type: "tick", Args: []string{"env"}}}, env[2])
}

func TestLoop_ShutdownInterruptsCadence(t *testing.T) {
	logic := newScriptedLogic(0) // never finishes on its own
	loop := newTestLoop(t, logic, config.TurnTimeout{
		ClientResponseTime: 1,
		SimulateTimeout:    1000,
		TurnTimeout:        60_000,
	})

	loop.Start()
	require.Eventually(t, func() bool {
		return logic.turnCount() >= 1
	}, 2*time.Second, 5*time.Millisecond, "first turn never simulated")

	loop.Shutdown()
	waitFinished(t, loop)

	assert.Equal(t, 1, logic.turnCount(), "drained loop must not start another turn")
	assert.False(t, logic.wasTerminated(), "drain keeps the logic alive for inspection")
}

func TestLoop_ShutdownBeforeFirstTurn(t *testing.T) {
	logic := newScriptedLogic(0)
	loop := newTestLoop(t, logic, fastTurns)

	loop.Shutdown()
	loop.Start()
	waitFinished(t, loop)

	assert.Zero(t, logic.turnCount())
}

func TestLoop_OnTurnHook(t *testing.T) {
	logic := newScriptedLogic(2)
	loop := newTestLoop(t, logic, fastTurns)

	var (
		mu    sync.Mutex
		turns []int
	)
	loop.onTurn = func(turn int, took time.Duration) {
		mu.Lock()
		turns = append(turns, turn)
		mu.Unlock()
		assert.Greater(t, took, time.Duration(0))
	}

	loop.Start()
	waitFinished(t, loop)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, turns)
}

func TestLoop_KeepsCadence(t *testing.T) {
	logic := newScriptedLogic(3)
	loop := newTestLoop(t, logic, config.TurnTimeout{
		ClientResponseTime: 1,
		SimulateTimeout:    1000,
		TurnTimeout:        20,
	})

	start := time.Now()
	loop.Start()
	waitFinished(t, loop)

	// Three turns at a 20ms cadence. The last turn still sleeps out its
	// cadence before the loop exits.
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestLoop_WaitForFinishContext(t *testing.T) {
	logic := newScriptedLogic(0)
	loop := newTestLoop(t, logic, config.TurnTimeout{
		ClientResponseTime: 1,
		SimulateTimeout:    1000,
		TurnTimeout:        60_000,
	})
	loop.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, loop.WaitForFinishContext(ctx), context.DeadlineExceeded)

	loop.Shutdown()
	waitFinished(t, loop)
}

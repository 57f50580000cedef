// Package core runs matches: the turn loop that drives a game.Logic
// against the client pool and output pipeline, and the supervisor that
// owns every endpoint and reacts to operator commands.
package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playforge/arena/internal/clientnet"
	"github.com/playforge/arena/internal/config"
	"github.com/playforge/arena/internal/game"
	"github.com/playforge/arena/internal/output"
	"github.com/playforge/arena/internal/protocol"
)

// Loop drives one match turn by turn. Each turn: simulate the previous
// turn's inputs, fan outputs out to the pool and the output pipeline,
// open the client receive window, collect inputs, keep cadence.
//
// The loop goroutine is the sole writer of the pool's outbound queues
// and of the output pipeline.
type Loop struct {
	cfg   config.TurnTimeout
	pool  *clientnet.Pool
	out   *output.Controller
	logic game.Logic

	// onTurn, when set, observes every completed turn and its working
	// duration (cadence sleep excluded).
	onTurn func(turn int, took time.Duration)

	mu       sync.Mutex
	terminal []game.Event

	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewLoop wires a loop for one match. Start launches it.
func NewLoop(cfg config.TurnTimeout, logic game.Logic, pool *clientnet.Pool, out *output.Controller) *Loop {
	return &Loop{
		cfg:   cfg,
		pool:  pool,
		out:   out,
		logic: logic,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the turn loop goroutine. Subsequent calls do nothing.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.started.Store(true)
		go l.run()
	})
}

// Started reports whether Start has been called.
func (l *Loop) Started() bool {
	return l.started.Load()
}

// Finished reports whether the loop goroutine has exited.
func (l *Loop) Finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Shutdown asks the loop to exit. A turn in progress finishes its
// current step; sleeps are interrupted. Safe to call more than once.
func (l *Loop) Shutdown() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// WaitForFinish blocks until the loop goroutine has exited. Only valid
// after Start.
func (l *Loop) WaitForFinish() {
	<-l.done
}

// WaitForFinishContext is WaitForFinish bounded by a context.
func (l *Loop) WaitForFinishContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return nil
	}
}

// QueueEvent stages one terminal event for the next turn.
func (l *Loop) QueueEvent(ev game.Event) {
	l.mu.Lock()
	l.terminal = append(l.terminal, ev)
	l.mu.Unlock()
}

// drainTerminalEvents takes every staged terminal event in one swap.
func (l *Loop) drainTerminalEvents() []game.Event {
	l.mu.Lock()
	events := l.terminal
	l.terminal = nil
	l.mu.Unlock()
	return events
}

func (l *Loop) run() {
	defer close(l.done)

	slots := l.pool.NumSlots()
	var (
		prevTerminal    []game.Event
		prevEnvironment []game.Event
		prevClient      = make([][]game.Event, slots)
	)

	for turn := 1; ; turn++ {
		if l.stopped() {
			slog.Info("turn loop drained", "turn", turn)
			return
		}
		turnStart := time.Now()

		simStart := time.Now()
		l.logic.SimulateEvents(prevTerminal, prevEnvironment, prevClient)
		l.logic.GenerateOutputs()
		if took := time.Since(simStart); took > l.cfg.SimulateBudget() {
			slog.Warn("simulate overran budget", "turn", turn, "took", took, "budget", l.cfg.SimulateBudget())
		}

		finished := l.logic.IsGameFinished()
		if finished {
			slog.Info("game finished, shutting down", "turn", turn)
			for i := 0; i < slots; i++ {
				l.pool.Queue(i, protocol.NewMessage(protocol.NameShutdown))
			}
			l.logic.Terminate()
			l.out.Shutdown()
		}

		l.out.PutMessage(l.logic.UIMessage())
		l.out.PutMessage(l.logic.StatusMessage())

		msgs := l.logic.ClientMessages()
		for i := 0; i < slots && i < len(msgs); i++ {
			l.pool.Queue(i, msgs[i])
		}
		l.pool.SendAllBlocking()

		l.pool.StartReceivingAll()
		windowStart := time.Now()

		// Environment generation overlaps client think time.
		prevEnvironment = l.logic.MakeEnvironmentEvents()
		if remain := l.cfg.ResponseWindow() - time.Since(windowStart); remain > 0 {
			if !l.sleep(remain) {
				l.pool.StopReceivingAll()
				slog.Info("turn loop drained mid-window", "turn", turn)
				return
			}
		}
		l.pool.StopReceivingAll()

		for i := 0; i < slots; i++ {
			prevClient[i] = l.pool.GetReceivedEvent(i)
		}
		prevTerminal = l.drainTerminalEvents()

		if l.onTurn != nil {
			l.onTurn(turn, time.Since(turnStart))
		}

		if took := time.Since(turnStart); took < l.cfg.Cadence() {
			if !l.sleep(l.cfg.Cadence() - took) {
				return
			}
		} else {
			slog.Warn("turn overran", "turn", turn, "took", took, "cadence", l.cfg.Cadence())
		}

		if finished {
			return
		}
	}
}

func (l *Loop) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// sleep waits d unless Shutdown interrupts it first.
func (l *Loop) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.stop:
		return false
	}
}

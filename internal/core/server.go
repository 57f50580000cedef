package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/playforge/arena/internal/clientnet"
	"github.com/playforge/arena/internal/command"
	"github.com/playforge/arena/internal/config"
	"github.com/playforge/arena/internal/game"
	"github.com/playforge/arena/internal/matchstore"
	"github.com/playforge/arena/internal/netserver"
	"github.com/playforge/arena/internal/output"
	"github.com/playforge/arena/internal/protocol"
	"github.com/playforge/arena/internal/termnet"
	"github.com/playforge/arena/internal/uinet"
)

var (
	// ErrIDMismatch means the pool assigned a slot id that does not match
	// the id the game logic declared for that player.
	ErrIDMismatch = errors.New("client id mismatch")

	// ErrGameInProgress rejects newGame while a match is still running.
	ErrGameInProgress = errors.New("game already in progress")

	// ErrNoGame rejects operations that need a defined match.
	ErrNoGame = errors.New("no game defined")
)

const (
	// NewGameTimeout bounds the UI and client waits of the newGame
	// terminal command.
	NewGameTimeout = 5 * time.Minute

	// initialSendTimeout bounds the blocking UI initial-message send.
	initialSendTimeout = 10 * time.Second

	// recordTimeout bounds one match store write from the supervisor.
	recordTimeout = 2 * time.Second
)

// MatchStore persists match lifecycle records. Satisfied by
// *matchstore.Store; nil disables persistence.
type MatchStore interface {
	CreateMatch(ctx context.Context, options []string) (string, error)
	FinishMatch(ctx context.Context, id string) error
	RecordTurn(ctx context.Context, id string, turn int, took time.Duration) error
	RecordMessages(ctx context.Context, id string, msgs []protocol.Message) error
	Close()
}

// Server is the process supervisor. It owns the three endpoints, the
// command router and the output pipeline, and runs one match at a time
// through a Loop.
type Server struct {
	cfg     config.Server
	factory game.Factory

	pool   *clientnet.Pool
	ui     *uinet.Server // nil when the UI endpoint is disabled
	term   *termnet.Server
	router *command.Router
	store  MatchStore // nil when the database is disabled

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu      sync.Mutex // serializes match lifecycle transitions
	out     *output.Controller
	logic   game.Logic
	loop    *Loop
	matchID string

	stopped   chan struct{}
	closeOnce sync.Once
}

// NewServer validates cfg, builds every component and registers the
// built-in terminal commands. When the database is enabled the match
// store is connected (and pinged) here.
func NewServer(ctx context.Context, cfg config.Server, factory game.Factory) (*Server, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: game factory is required", config.ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		factory: factory,
		router:  command.NewRouter(),
		pool:    clientnet.NewPool(cfg.Client.SendQueueSize),
		stopped: make(chan struct{}),
	}
	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())

	if cfg.UI.Enable {
		s.ui = uinet.NewServer(cfg.UI.Token)
	}

	s.term = termnet.NewServer(cfg.Terminal.Token)
	s.term.SetDispatcher(s)

	if cfg.Database.Enable {
		store, err := matchstore.New(ctx, cfg.Database.DSN())
		if err != nil {
			s.teardownEndpoints()
			return nil, fmt.Errorf("connecting match store: %w", err)
		}
		s.store = store
	}

	out, err := output.New(cfg.OutputHandler, s.ui, nil)
	if err != nil {
		s.teardownEndpoints()
		if s.store != nil {
			s.store.Close()
		}
		return nil, err
	}
	s.out = out

	s.registerBuiltins()
	return s, nil
}

// Start makes the terminal endpoint listen and the output pipeline run.
// Everything else waits for operator commands.
func (s *Server) Start() error {
	if err := s.term.Listen(s.cfg.Terminal.Port); err != nil {
		return err
	}
	s.startOutput()
	slog.Info("server started", "terminalPort", s.cfg.Terminal.Port)
	return nil
}

func (s *Server) startOutput() {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	out.Start(s.lifeCtx)
}

// Run serves the terminal endpoint and blocks until ctx is cancelled or
// an exit command shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startOutput()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.term.Serve(gctx, s.cfg.Terminal.Port)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopped:
		}
		s.Shutdown()
		cancel()
		return nil
	})
	return g.Wait()
}

// NewGame builds a match: fetch a logic from the factory, declare its
// players on the pool, bring the endpoints up, wait for the spectator
// (when enabled) and every player, then deliver the initial messages.
// The match is defined but not running until StartGame.
func (s *Server) NewGame(options []string, uiTimeout, clientTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loop != nil && s.loop.Started() && !s.loop.Finished() {
		return ErrGameInProgress
	}

	logic, err := s.factory(options)
	if err != nil {
		return fmt.Errorf("creating game: %w", err)
	}
	logic.Init()

	if err := s.resetPool(logic.ClientInfo()); err != nil {
		return err
	}

	matchID := ""
	if s.store != nil {
		ctx, cancel := context.WithTimeout(s.lifeCtx, recordTimeout)
		matchID, err = s.store.CreateMatch(ctx, options)
		cancel()
		if err != nil {
			return fmt.Errorf("creating match record: %w", err)
		}
	}

	if err := s.resetOutput(matchID); err != nil {
		return err
	}

	if s.ui != nil {
		if err := s.ui.Listen(s.cfg.UI.Port); err != nil && !errors.Is(err, netserver.ErrAlreadyListening) {
			return err
		}
	}
	if err := s.pool.Listen(s.cfg.Client.Port); err != nil {
		return err
	}

	if s.ui != nil {
		waitCtx, cancel := context.WithTimeout(s.lifeCtx, uiTimeout)
		err := s.ui.WaitForClient(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("waiting for ui client: %w", err)
		}
	}
	if err := s.pool.WaitForAllClients(s.lifeCtx, clientTimeout); err != nil {
		return fmt.Errorf("waiting for clients: %w", err)
	}

	if s.ui != nil {
		sendCtx, cancel := context.WithTimeout(s.lifeCtx, initialSendTimeout)
		err := s.ui.SendBlocking(sendCtx, logic.UIInitialMessage())
		cancel()
		if err != nil {
			return fmt.Errorf("sending ui initial message: %w", err)
		}
	}

	initials := logic.ClientInitialMessages()
	for i := 0; i < s.pool.NumSlots() && i < len(initials); i++ {
		s.pool.Queue(i, initials[i])
	}
	s.pool.SendAllBlocking()

	loop := NewLoop(s.cfg.TurnTimeout, logic, s.pool, s.out)
	if s.store != nil && matchID != "" {
		store, id := s.store, matchID
		loop.onTurn = func(turn int, took time.Duration) {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if err := store.RecordTurn(ctx, id, turn, took); err != nil {
				slog.Error("recording turn", "match", id, "turn", turn, "error", err)
			}
		}
	}

	s.logic = logic
	s.loop = loop
	s.matchID = matchID
	slog.Info("new game defined", "players", len(logic.ClientInfo()), "match", matchID)
	return nil
}

// resetPool clears any previous match's slots and declares the new
// players, verifying the pool hands out the ids the logic declared.
func (s *Server) resetPool(infos []game.ClientInfo) error {
	if err := s.pool.Terminate(); err != nil && !errors.Is(err, netserver.ErrNotListening) {
		return fmt.Errorf("resetting client pool: %w", err)
	}
	if err := s.pool.OmitAllClients(); err != nil {
		return err
	}
	for i, ci := range infos {
		id, err := s.pool.DefineClient(ci.Token)
		if err != nil {
			return fmt.Errorf("defining client %d: %w", i, err)
		}
		if id != i || id != ci.ID {
			return fmt.Errorf("%w: client %d declared id %d, pool assigned %d", ErrIDMismatch, i, ci.ID, id)
		}
	}
	return nil
}

// resetOutput replaces a spent output controller, attaching the match
// recorder when persistence is on. The very first match without a store
// keeps the controller built at construction time.
func (s *Server) resetOutput(matchID string) error {
	var rec output.Recorder
	if s.store != nil && matchID != "" {
		rec = &matchRecorder{store: s.store, id: matchID}
	}
	if s.loop == nil && rec == nil {
		return nil
	}

	s.out.Shutdown()
	out, err := output.New(s.cfg.OutputHandler, s.ui, rec)
	if err != nil {
		return err
	}
	out.Start(s.lifeCtx)
	s.out = out
	return nil
}

// StartGame launches the defined match's turn loop.
func (s *Server) StartGame() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loop == nil || s.loop.Finished() {
		return ErrNoGame
	}
	s.loop.Start()

	if s.store != nil && s.matchID != "" {
		go s.watchFinish(s.loop, s.matchID)
	}
	slog.Info("game started", "match", s.matchID)
	return nil
}

// watchFinish stamps the match record once the loop exits.
func (s *Server) watchFinish(loop *Loop, matchID string) {
	loop.WaitForFinish()
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.store.FinishMatch(ctx, matchID); err != nil {
		slog.Error("finishing match record", "match", matchID, "error", err)
	}
}

// Shutdown stops the turn loop, the output pipeline and every endpoint.
// Safe to call more than once.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.stopped)
		s.lifeCancel()

		s.mu.Lock()
		loop := s.loop
		out := s.out
		s.mu.Unlock()

		if loop != nil && loop.Started() {
			loop.Shutdown()
			loop.WaitForFinish()
		}
		if out != nil {
			out.Shutdown()
		}
		if err := s.term.Terminate(); err != nil && !errors.Is(err, netserver.ErrNotListening) {
			slog.Warn("terminating terminal endpoint", "error", err)
		}
		s.teardownEndpoints()
		if s.store != nil {
			s.store.Close()
		}
		slog.Info("server stopped")
	})
}

// teardownEndpoints stops the pool and the UI endpoint, releasing every
// slot goroutine.
func (s *Server) teardownEndpoints() {
	if err := s.pool.Terminate(); err == nil || errors.Is(err, netserver.ErrNotListening) {
		s.pool.OmitAllClients()
	}
	if s.ui != nil {
		s.ui.Terminate()
	}
}

// WaitForFinish blocks until the current match's loop exits. Returns
// ErrNoGame when no match has been started.
func (s *Server) WaitForFinish() error {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()

	if loop == nil || !loop.Started() {
		return ErrNoGame
	}
	loop.WaitForFinish()
	return nil
}

// Status reports the match state and pool occupancy.
func (s *Server) Status() protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loop == nil {
		return protocol.Report("No game defined.")
	}
	state := "defined"
	switch {
	case s.loop.Finished():
		state = "finished"
	case s.loop.Started():
		state = "running"
	}
	return protocol.Report(
		fmt.Sprintf("Game %s.", state),
		fmt.Sprintf("Clients connected: %d/%d.", s.pool.GetNumberOfConnected(), s.pool.NumSlots()),
	)
}

// Clients returns the current match's declared players.
func (s *Server) Clients() []game.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logic == nil {
		return nil
	}
	return s.logic.ClientInfo()
}

// RunCommand implements termnet.Dispatcher.
func (s *Server) RunCommand(msg protocol.Message) protocol.Message {
	return s.router.Run(msg)
}

// PutEvent implements termnet.Dispatcher. Events arriving while no
// match is defined are dropped.
func (s *Server) PutEvent(ev game.Event) {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()

	if loop == nil {
		slog.Debug("terminal event dropped, no game", "type", ev.Type)
		return
	}
	loop.QueueEvent(ev)
}

func (s *Server) registerBuiltins() {
	s.router.Register("status", func(protocol.Message) protocol.Message {
		return s.Status()
	})

	s.router.Register("newGame", func(msg protocol.Message) protocol.Message {
		if err := s.NewGame(stringArgs(msg.Args), NewGameTimeout, NewGameTimeout); err != nil {
			return protocol.Report("New game failed: " + err.Error())
		}
		lines := []string{"New game created."}
		for _, ci := range s.Clients() {
			lines = append(lines, fmt.Sprintf("%d %s %s", ci.ID, ci.Name, ci.Token))
		}
		return protocol.Report(lines...)
	})

	s.router.Register("startGame", func(protocol.Message) protocol.Message {
		if err := s.StartGame(); err != nil {
			return protocol.Report("Start game failed: " + err.Error())
		}
		return protocol.Report("Game started.")
	})

	s.router.Register("exit", func(protocol.Message) protocol.Message {
		go s.Shutdown()
		return protocol.Report("Shutting down.")
	})

	s.router.Register("waitForFinish", func(protocol.Message) protocol.Message {
		if err := s.WaitForFinish(); err != nil {
			return protocol.Report("Wait failed: " + err.Error())
		}
		return protocol.Report("Game finished.")
	})
}

// stringArgs flattens command arguments to strings.
func stringArgs(args []any) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if str, ok := a.(string); ok {
			out = append(out, str)
			continue
		}
		out = append(out, fmt.Sprint(a))
	}
	return out
}

// matchRecorder binds the output pipeline's batches to one match record.
type matchRecorder struct {
	store MatchStore
	id    string
}

func (r *matchRecorder) Record(ctx context.Context, msgs []protocol.Message) error {
	return r.store.RecordMessages(ctx, r.id, msgs)
}

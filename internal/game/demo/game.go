// Package demo ships a small complete game: a score counter. Players
// send add events each turn, scores decay periodically, the match ends
// after a fixed number of turns. It exists so the server binary and the
// end-to-end tests have a real Logic to run.
package demo

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/playforge/arena/internal/game"
	"github.com/playforge/arena/internal/protocol"
)

const (
	// EventAdd increases a score. From a client: args ["<n>"]. From the
	// terminal: args ["<player>", "<n>"].
	EventAdd = "add"

	// EventDecay reduces every score, floored at zero. Args ["<n>"].
	EventDecay = "decay"
)

const (
	defaultPlayers     = 2
	defaultTurns       = 20
	defaultDecayEvery  = 5
	defaultDecayAmount = 1
)

// Game is one counter match. All methods run on the turn-loop
// goroutine.
type Game struct {
	players     int
	turns       int
	decayEvery  int
	decayAmount int
	tokenPrefix string

	turn    int
	scores  []int
	clients []game.ClientInfo

	uiMsg      protocol.Message
	statusMsg  protocol.Message
	clientMsgs []protocol.Message
}

// NewGame builds a counter match from key=value options: players,
// turns, decayEvery, decayAmount, tokenPrefix. It satisfies
// game.Factory.
//
// Tokens are random by default. With tokenPrefix=foo they become
// foo-0, foo-1, ... so a scripted client can connect without being
// told its token first.
func NewGame(options []string) (game.Logic, error) {
	g := &Game{
		players:     defaultPlayers,
		turns:       defaultTurns,
		decayEvery:  defaultDecayEvery,
		decayAmount: defaultDecayAmount,
	}

	for _, opt := range options {
		key, value, found := strings.Cut(opt, "=")
		if !found {
			return nil, fmt.Errorf("malformed option %q, want key=value", opt)
		}
		if key == "tokenPrefix" {
			g.tokenPrefix = value
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", key, err)
		}
		switch key {
		case "players":
			if n <= 0 {
				return nil, fmt.Errorf("option players must be positive, got %d", n)
			}
			g.players = n
		case "turns":
			if n <= 0 {
				return nil, fmt.Errorf("option turns must be positive, got %d", n)
			}
			g.turns = n
		case "decayEvery":
			g.decayEvery = n
		case "decayAmount":
			g.decayAmount = n
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
	}

	g.clients = make([]game.ClientInfo, g.players)
	for i := range g.clients {
		token := newToken()
		if g.tokenPrefix != "" {
			token = fmt.Sprintf("%s-%d", g.tokenPrefix, i)
		}
		g.clients[i] = game.ClientInfo{
			Token: token,
			Name:  fmt.Sprintf("player-%d", i+1),
			ID:    i,
		}
	}
	return g, nil
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (g *Game) Init() {
	g.turn = 0
	g.scores = make([]int, g.players)
}

func (g *Game) ClientInfo() []game.ClientInfo {
	return g.clients
}

func (g *Game) UIInitialMessage() protocol.Message {
	return protocol.NewMessage(protocol.NameInit, g.players, g.turns)
}

func (g *Game) ClientInitialMessages() []protocol.Message {
	msgs := make([]protocol.Message, g.players)
	for i := range msgs {
		msgs[i] = protocol.NewMessage(protocol.NameInit, i, g.players, g.turns)
	}
	return msgs
}

// SimulateEvents applies one turn of inputs: terminal events first, then
// environment events, then client events in slot order.
func (g *Game) SimulateEvents(terminalEvents, environmentEvents []game.Event, clientEvents [][]game.Event) {
	for _, ev := range terminalEvents {
		g.applyTerminal(ev)
	}
	for _, ev := range environmentEvents {
		g.applyEnvironment(ev)
	}
	for slot, events := range clientEvents {
		if slot >= g.players {
			break
		}
		for _, ev := range events {
			g.applyClient(slot, ev)
		}
	}
	g.turn++
}

func (g *Game) applyTerminal(ev game.Event) {
	if ev.Type != EventAdd || len(ev.Args) != 2 {
		slog.Debug("demo: ignoring terminal event", "type", ev.Type)
		return
	}
	player, err1 := strconv.Atoi(ev.Args[0])
	amount, err2 := strconv.Atoi(ev.Args[1])
	if err1 != nil || err2 != nil || player < 0 || player >= g.players {
		slog.Debug("demo: ignoring malformed terminal add", "args", ev.Args)
		return
	}
	g.scores[player] += amount
}

func (g *Game) applyEnvironment(ev game.Event) {
	if ev.Type != EventDecay || len(ev.Args) != 1 {
		return
	}
	amount, err := strconv.Atoi(ev.Args[0])
	if err != nil {
		return
	}
	for i := range g.scores {
		g.scores[i] = max(0, g.scores[i]-amount)
	}
}

func (g *Game) applyClient(slot int, ev game.Event) {
	if ev.Type != EventAdd || len(ev.Args) != 1 {
		slog.Debug("demo: ignoring client event", "slot", slot, "type", ev.Type)
		return
	}
	amount, err := strconv.Atoi(ev.Args[0])
	if err != nil {
		slog.Debug("demo: ignoring malformed client add", "slot", slot, "args", ev.Args)
		return
	}
	g.scores[slot] += amount
}

func (g *Game) GenerateOutputs() {
	scores := slices.Clone(g.scores)
	g.uiMsg = protocol.NewMessage(protocol.NameTurn, g.turn, scores)
	g.statusMsg = protocol.NewMessage(protocol.NameStatus, g.turn, scores, g.IsGameFinished())

	msgs := make([]protocol.Message, g.players)
	for i := range msgs {
		msgs[i] = protocol.NewMessage(protocol.NameTurn, g.turn, i, scores)
	}
	g.clientMsgs = msgs
}

func (g *Game) UIMessage() protocol.Message {
	return g.uiMsg
}

func (g *Game) StatusMessage() protocol.Message {
	return g.statusMsg
}

func (g *Game) ClientMessages() []protocol.Message {
	return g.clientMsgs
}

// MakeEnvironmentEvents schedules a decay for every decayEvery-th turn.
func (g *Game) MakeEnvironmentEvents() []game.Event {
	if g.decayEvery <= 0 || (g.turn+1)%g.decayEvery != 0 {
		return nil
	}
	return []game.Event{{
		Type: EventDecay,
		Args: []string{strconv.Itoa(g.decayAmount)},
	}}
}

func (g *Game) IsGameFinished() bool {
	return g.turn >= g.turns
}

func (g *Game) Terminate() {
	slog.Info("demo: match finished", "turns", g.turn, "scores", g.scores)
}

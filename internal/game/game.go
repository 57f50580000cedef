// Package game declares the contract between the server core and a
// pluggable game implementation. The core calls these methods from a single
// turn-loop goroutine; implementations never need internal locking unless
// they share state with their own goroutines.
package game

import "github.com/playforge/arena/internal/protocol"

// Event is one unit of input: from a client, from the operator terminal, or
// produced by the game itself as an environment event.
type Event struct {
	Type string   `json:"type"`
	Args []string `json:"args"`
}

// ClientInfo declares one expected player: its admission token, a display
// name and the dense slot id the pool assigned.
type ClientInfo struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	ID    int    `json:"id"`
}

// Logic is a single match of a turn-based game. Lifecycle: Init once, the
// initial-message getters once after all clients connect, then per turn
// SimulateEvents → GenerateOutputs → message getters → MakeEnvironmentEvents,
// until IsGameFinished reports true and Terminate is called.
type Logic interface {
	// Init prepares the match.
	Init()

	// ClientInfo declares the expected players. Slot ids are assigned in
	// declaration order.
	ClientInfo() []ClientInfo

	// UIInitialMessage is sent to the spectator once, before the first turn.
	UIInitialMessage() protocol.Message

	// ClientInitialMessages are sent once per slot, indexed by slot id.
	ClientInitialMessages() []protocol.Message

	// SimulateEvents advances the game by one turn given the previous turn's
	// inputs. clientEvents is indexed by slot id; a nil or empty slice means
	// that client sent nothing.
	SimulateEvents(terminalEvents, environmentEvents []Event, clientEvents [][]Event)

	// GenerateOutputs prepares this turn's outbound messages.
	GenerateOutputs()

	// UIMessage is this turn's spectator update.
	UIMessage() protocol.Message

	// StatusMessage is this turn's status record for the output log.
	StatusMessage() protocol.Message

	// ClientMessages are this turn's per-slot updates, indexed by slot id.
	ClientMessages() []protocol.Message

	// MakeEnvironmentEvents produces the environment input for the next
	// turn. It runs inside the receive window, so its wall-clock cost
	// overlaps client think time.
	MakeEnvironmentEvents() []Event

	// IsGameFinished reports whether the match is over.
	IsGameFinished() bool

	// Terminate releases match resources.
	Terminate()
}

// Factory builds a Logic for one match from operator-supplied options.
type Factory func(options []string) (Logic, error)

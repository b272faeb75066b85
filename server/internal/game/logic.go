package game

import (
	"github.com/phuhao00/arenaserver/server/internal/protocol"
)

// ClientInfo declares one client slot a game wants: its stable id and the
// admission token its player must present.
type ClientInfo struct {
	ID    int    `json:"id"`
	Token string `json:"token"`
}

// Logic is the pluggable game implementation the turn loop drives. The loop
// calls every method from its single worker, so implementations need no
// internal locking against the loop itself. MakeEnvironmentEvents runs
// inside the receive window; its wall-clock cost overlaps client think time.
type Logic interface {
	// Init prepares the implementation for a fresh match.
	Init() error

	// ClientInfos declares the slots; ids must equal their index.
	ClientInfos() []ClientInfo

	// UIInitialMessage is sent to the spectator once after all clients
	// connect; ClientInitialMessages likewise per slot, indexed by id.
	UIInitialMessage() *protocol.Message
	ClientInitialMessages() []*protocol.Message

	// SimulateEvents advances the game state with the previous turn's
	// inputs. clientEvents is indexed by slot id; an empty slice means the
	// slot gave no input that turn.
	SimulateEvents(terminalEvents, environmentEvents []protocol.Event, clientEvents [][]protocol.Event)

	// GenerateOutputs prepares the per-turn messages read by the getters
	// below.
	GenerateOutputs()

	UIMessage() *protocol.Message
	StatusMessage() *protocol.Message
	ClientMessages() []*protocol.Message

	// MakeEnvironmentEvents produces the environment's contribution to the
	// next turn.
	MakeEnvironmentEvents() []protocol.Event

	IsGameFinished() bool
	Terminate()
}

// LogicFactory builds a Logic for a new match from operator-supplied
// options.
type LogicFactory func(options []string) (Logic, error)

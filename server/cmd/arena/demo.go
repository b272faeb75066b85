package main

import (
	"fmt"
	"strconv"

	"github.com/phuhao00/arenaserver/server/internal/game"
	"github.com/phuhao00/arenaserver/server/internal/protocol"
)

// countingLogic is a minimal built-in game so the server runs end to end
// without an external plug-in. Each turn every client may submit "add"
// events; the game keeps a running score per slot and ends after a fixed
// number of rounds.
//
// newGame options: [clients] [rounds], both optional.
type countingLogic struct {
	clients int
	rounds  int

	turn   int
	scores []int
}

func newCountingLogic(options []string) (game.Logic, error) {
	l := &countingLogic{clients: 2, rounds: 20}
	if len(options) > 0 {
		n, err := strconv.Atoi(options[0])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid client count %q", options[0])
		}
		l.clients = n
	}
	if len(options) > 1 {
		n, err := strconv.Atoi(options[1])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid round count %q", options[1])
		}
		l.rounds = n
	}
	return l, nil
}

func (l *countingLogic) Init() error {
	l.turn = 0
	l.scores = make([]int, l.clients)
	return nil
}

func (l *countingLogic) ClientInfos() []game.ClientInfo {
	infos := make([]game.ClientInfo, l.clients)
	for i := range infos {
		infos[i] = game.ClientInfo{ID: i, Token: fmt.Sprintf("%032d", i)}
	}
	return infos
}

func (l *countingLogic) UIInitialMessage() *protocol.Message {
	return protocol.New(protocol.MsgInit, l.clients, l.rounds)
}

func (l *countingLogic) ClientInitialMessages() []*protocol.Message {
	msgs := make([]*protocol.Message, l.clients)
	for i := range msgs {
		msgs[i] = protocol.New(protocol.MsgInit, i, l.rounds)
	}
	return msgs
}

func (l *countingLogic) SimulateEvents(terminalEvents, environmentEvents []protocol.Event, clientEvents [][]protocol.Event) {
	for id, events := range clientEvents {
		for _, ev := range events {
			if ev.Type != "add" || len(ev.Args) == 0 {
				continue
			}
			if v, ok := ev.Args[0].(float64); ok {
				l.scores[id] += int(v)
			}
		}
	}
	l.turn++
}

func (l *countingLogic) GenerateOutputs() {}

func (l *countingLogic) UIMessage() *protocol.Message {
	return protocol.New(protocol.MsgTurn, l.turn, l.scoreArgs())
}

func (l *countingLogic) StatusMessage() *protocol.Message {
	return protocol.New(protocol.MsgStatus, l.turn)
}

func (l *countingLogic) ClientMessages() []*protocol.Message {
	msgs := make([]*protocol.Message, l.clients)
	for i := range msgs {
		msgs[i] = protocol.New(protocol.MsgTurn, l.turn, l.scores[i])
	}
	return msgs
}

func (l *countingLogic) MakeEnvironmentEvents() []protocol.Event {
	// A tick event every five turns keeps the environment path exercised.
	if l.turn%5 == 0 {
		return []protocol.Event{{Type: "tick", Args: []interface{}{l.turn}}}
	}
	return nil
}

func (l *countingLogic) IsGameFinished() bool {
	return l.turn >= l.rounds
}

func (l *countingLogic) Terminate() {}

func (l *countingLogic) scoreArgs() []interface{} {
	args := make([]interface{}, len(l.scores))
	for i, s := range l.scores {
		args[i] = s
	}
	return args
}

package game

import (
	"sync"
	"testing"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
)

func TestRouterDispatch(t *testing.T) {
	router := NewCommandRouter()
	router.Register("ping", func(msg *protocol.Message) *protocol.Message {
		return protocol.NewReport("pong")
	})

	reply := router.RunCommand(protocol.New("ping"))
	if reply.Name != protocol.MsgReport {
		t.Fatalf("reply = %q", reply.Name)
	}
	lines := reply.Args[0].([]interface{})
	if lines[0] != "pong" {
		t.Errorf("lines = %v", lines)
	}
}

func TestRouterUnknownCommand(t *testing.T) {
	router := NewCommandRouter()
	reply := router.RunCommand(protocol.New("nope"))
	lines := reply.Args[0].([]interface{})
	if len(lines) != 1 || lines[0] != "This command is not defined." {
		t.Errorf("lines = %v", lines)
	}
}

func TestRouterEventSink(t *testing.T) {
	router := NewCommandRouter()

	// Events with no sink attached are dropped, not delivered later.
	router.PutEvent(protocol.Event{Type: "early"})

	var mu sync.Mutex
	var got []protocol.Event
	sinkFn := eventSinkFunc(func(ev protocol.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	router.SetEventSink(sinkFn)
	router.PutEvent(protocol.Event{Type: "pause"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != "pause" {
		t.Fatalf("events = %+v", got)
	}
}

func TestRouterCommandNames(t *testing.T) {
	router := NewCommandRouter()
	router.Register("b", func(msg *protocol.Message) *protocol.Message { return nil })
	router.Register("a", func(msg *protocol.Message) *protocol.Message { return nil })

	names := router.CommandNames()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names = %v", names)
	}
}

type eventSinkFunc func(ev protocol.Event)

func (f eventSinkFunc) PutEvent(ev protocol.Event) { f(ev) }

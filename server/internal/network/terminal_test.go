package network

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
)

type recordingHandler struct {
	mu       sync.Mutex
	commands []*protocol.Message
	events   []protocol.Event
	reply    *protocol.Message
}

func (h *recordingHandler) RunCommand(msg *protocol.Message) *protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, msg)
	if h.reply != nil {
		return h.reply
	}
	return protocol.NewReport("This command is not defined.")
}

func (h *recordingHandler) PutEvent(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func startTerminal(t *testing.T, token string) (*TerminalServer, *recordingHandler) {
	t.Helper()
	handler := &recordingHandler{}
	term := NewTerminalServer(0, token, handler)
	if err := term.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(term.Terminate)
	return term, handler
}

func dialTerminal(t *testing.T, term *TerminalServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", term.Port()))
	if err != nil {
		t.Fatalf("dial terminal: %v", err)
	}
	return conn
}

func TestTerminalHandshakeAndUnknownCommand(t *testing.T) {
	term, _ := startTerminal(t, "secret")
	conn := dialTerminal(t, term)
	defer conn.Close()

	writeFrame(t, conn, protocol.New(protocol.MsgToken, "secret"))
	init := readFrame(t, conn)
	if init.Name != protocol.MsgInit {
		t.Fatalf("first reply = %q, want init", init.Name)
	}

	writeFrame(t, conn, protocol.New(protocol.MsgCommand, "unknown", []string{}))
	report := readFrame(t, conn)
	if report.Name != protocol.MsgReport {
		t.Fatalf("reply = %q, want report", report.Name)
	}
	lines, ok := report.Args[0].([]interface{})
	if !ok || len(lines) != 1 || lines[0] != "This command is not defined." {
		t.Errorf("report args = %v", report.Args)
	}
}

func TestTerminalWrongToken(t *testing.T) {
	term, _ := startTerminal(t, "secret")
	conn := dialTerminal(t, term)
	defer conn.Close()

	writeFrame(t, conn, protocol.New(protocol.MsgToken, "wrong"))
	reply := readFrame(t, conn)
	if reply.Name != protocol.MsgWrongToken {
		t.Fatalf("reply = %q, want wrong token", reply.Name)
	}
}

func TestTerminalCommandDispatch(t *testing.T) {
	term, handler := startTerminal(t, "secret")
	handler.reply = protocol.NewReport("done")
	conn := dialTerminal(t, term)
	defer conn.Close()

	writeFrame(t, conn, protocol.New(protocol.MsgToken, "secret"))
	readFrame(t, conn) // init

	writeFrame(t, conn, protocol.New(protocol.MsgCommand, "newGame", []string{"2", "10"}))
	reply := readFrame(t, conn)
	if reply.Name != protocol.MsgReport {
		t.Fatalf("reply = %q", reply.Name)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.commands) != 1 {
		t.Fatalf("commands = %d", len(handler.commands))
	}
	cmd := handler.commands[0]
	if cmd.Name != "newGame" {
		t.Errorf("command name = %q", cmd.Name)
	}
	if len(cmd.Args) != 2 || cmd.Args[0] != "2" || cmd.Args[1] != "10" {
		t.Errorf("command args = %v", cmd.Args)
	}
}

func TestTerminalEventDispatch(t *testing.T) {
	term, handler := startTerminal(t, "secret")
	conn := dialTerminal(t, term)
	defer conn.Close()

	writeFrame(t, conn, protocol.New(protocol.MsgToken, "secret"))
	readFrame(t, conn) // init

	writeFrame(t, conn, protocol.New(protocol.MsgEvent, protocol.Event{Type: "pause", Args: []interface{}{}}))
	time.Sleep(150 * time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.events) != 1 || handler.events[0].Type != "pause" {
		t.Fatalf("events = %+v", handler.events)
	}
}

func TestTerminalUndefinedMessage(t *testing.T) {
	term, _ := startTerminal(t, "secret")
	conn := dialTerminal(t, term)
	defer conn.Close()

	writeFrame(t, conn, protocol.New(protocol.MsgToken, "secret"))
	readFrame(t, conn) // init

	writeFrame(t, conn, protocol.New("bogus"))
	report := readFrame(t, conn)
	lines, ok := report.Args[0].([]interface{})
	if !ok || len(lines) != 1 || lines[0] != "Message is not defined." {
		t.Errorf("report args = %v", report.Args)
	}
}

func TestTerminalSupportsMultipleOperators(t *testing.T) {
	term, handler := startTerminal(t, "secret")
	handler.reply = protocol.NewReport("ok")

	for i := 0; i < 3; i++ {
		conn := dialTerminal(t, term)
		defer conn.Close()
		writeFrame(t, conn, protocol.New(protocol.MsgToken, "secret"))
		readFrame(t, conn) // init
		writeFrame(t, conn, protocol.New(protocol.MsgCommand, "status", []string{}))
		if reply := readFrame(t, conn); reply.Name != protocol.MsgReport {
			t.Fatalf("operator %d: reply %q", i, reply.Name)
		}
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.commands) != 3 {
		t.Errorf("commands = %d, want 3", len(handler.commands))
	}
}

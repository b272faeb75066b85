package network

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// MaxReceiveExceptions caps per-connection command-loop failures; past it
// the operator connection is dropped.
const MaxReceiveExceptions = 20

// TerminalHandler receives everything a verified operator sends: commands
// expecting a shaped reply, and fire-and-forget events.
type TerminalHandler interface {
	RunCommand(msg *protocol.Message) *protocol.Message
	PutEvent(ev protocol.Event)
}

// TerminalServer is the multi-operator endpoint. Each verified connection
// gets its own worker running the command loop against the registered
// handler; the handler is shared, so command implementations must be safe
// under concurrent operators.
//
// Each connection carries a send lock held for the whole of a command
// dispatch: Terminate takes the same lock before closing the socket, so an
// in-flight reply (the exit command's in particular) is always written
// before the close.
type TerminalServer struct {
	token    string
	listener *Listener
	handler  TerminalHandler

	mu         sync.Mutex
	conns      map[*Socket]*sync.Mutex
	terminated bool
}

// NewTerminalServer prepares the operator endpoint.
func NewTerminalServer(port int, token string, handler TerminalHandler) *TerminalServer {
	t := &TerminalServer{
		token:   token,
		handler: handler,
		conns:   make(map[*Socket]*sync.Mutex),
	}
	t.listener = NewListener(port, t.acceptTerminal)
	return t
}

// Listen starts accepting operator connections.
func (t *TerminalServer) Listen() error { return t.listener.Listen() }

// Port reports the bound terminal port.
func (t *TerminalServer) Port() int { return t.listener.Port() }

func (t *TerminalServer) acceptTerminal(sock *Socket) error {
	sendMu := &sync.Mutex{}
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		sock.Close()
		return nil
	}
	t.conns[sock] = sendMu
	t.mu.Unlock()
	go t.serve(sock, sendMu)
	return nil
}

func (t *TerminalServer) serve(sock *Socket, sendMu *sync.Mutex) {
	defer func() {
		sock.Close()
		t.mu.Lock()
		delete(t.conns, sock)
		t.mu.Unlock()
	}()

	if err := t.handshake(sock); err != nil {
		utils.LogWarnf("Terminal %s rejected: %v", sock.RemoteAddr(), err)
		return
	}
	utils.LogInfof("Terminal %s verified", sock.RemoteAddr())
	t.commandLoop(sock, sendMu)
}

// handshake validates the first message as the operator token exchange.
func (t *TerminalServer) handshake(sock *Socket) error {
	msg, err := sock.Receive()
	if err != nil {
		return err
	}
	token, ok := msg.TokenArg()
	if !ok || token != t.token {
		sock.Send(protocol.NewWrongToken())
		return errors.Wrap(ErrAuthRejected, "wrong terminal token")
	}
	return sock.Send(protocol.NewInit())
}

// commandLoop dispatches operator messages until the socket fails, the
// exception cap is reached, or the endpoint terminates. Dispatch (handler
// call plus reply write) runs under the connection's send lock so Terminate
// cannot close the socket between a handler returning and its reply going
// out.
func (t *TerminalServer) commandLoop(sock *Socket, sendMu *sync.Mutex) {
	exceptions := 0
	for {
		msg, err := sock.Receive()
		if err != nil {
			if errors.Is(err, ErrDecode) {
				exceptions++
				if exceptions > MaxReceiveExceptions {
					utils.LogWarnf("Terminal %s exceeded exception cap, closing", sock.RemoteAddr())
					return
				}
				continue
			}
			utils.LogInfof("Terminal %s disconnected: %v", sock.RemoteAddr(), err)
			return
		}

		sendMu.Lock()
		err = t.dispatch(sock, msg)
		terminated := t.isTerminated()
		sendMu.Unlock()
		if terminated {
			utils.LogInfof("Terminal %s closing: endpoint terminated", sock.RemoteAddr())
			return
		}
		if err != nil {
			exceptions++
			utils.LogWarnf("Terminal %s dispatch error (%d): %v", sock.RemoteAddr(), exceptions, err)
			if exceptions > MaxReceiveExceptions {
				utils.LogWarnf("Terminal %s exceeded exception cap, closing", sock.RemoteAddr())
				return
			}
		}
	}
}

func (t *TerminalServer) isTerminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

func (t *TerminalServer) dispatch(sock *Socket, msg *protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// A handler failure answers the operator instead of killing the
			// connection.
			sock.Send(protocol.NewReport(fmt.Sprintf("command failed: %v", r)))
			err = errors.Wrapf(ErrInterrupted, "command handler panic: %v", r)
		}
	}()

	switch msg.Name {
	case protocol.MsgCommand:
		nameArg := msg.Arg(0)
		if nameArg.Type != gjson.String {
			return sock.Send(protocol.NewReport("Message is not defined."))
		}
		cmdArgs := []interface{}{}
		for _, a := range msg.Arg(1).Array() {
			cmdArgs = append(cmdArgs, a.String())
		}
		cmd := protocol.New(nameArg.Str, cmdArgs...)
		reply := t.handler.RunCommand(cmd)
		if reply == nil {
			reply = protocol.NewReport()
		}
		return sock.Send(reply)
	case protocol.MsgEvent:
		ev, err := msg.EventArg()
		if err != nil {
			return errors.Wrap(ErrDecode, err.Error())
		}
		t.handler.PutEvent(ev)
		return nil
	default:
		return sock.Send(protocol.NewReport("Message is not defined."))
	}
}

// Terminate stops the listener and drops every operator connection. A
// connection mid-dispatch is closed only after its reply has been written.
func (t *TerminalServer) Terminate() {
	t.listener.Terminate()
	t.mu.Lock()
	t.terminated = true
	conns := make(map[*Socket]*sync.Mutex, len(t.conns))
	for sock, sendMu := range t.conns {
		conns[sock] = sendMu
	}
	t.mu.Unlock()
	for sock, sendMu := range conns {
		sendMu.Lock()
		sock.Close()
		sendMu.Unlock()
	}
	utils.LogInfo("Terminal endpoint terminated")
}

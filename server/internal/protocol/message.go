package protocol

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
)

// Message is the standard envelope exchanged on every endpoint: a name and
// an ordered list of arbitrary JSON arguments. A message is immutable once
// sent.
type Message struct {
	Name string        `json:"name"`
	Args []interface{} `json:"args"`

	// Raw holds the frame bytes the message was decoded from, when it came
	// off a socket. Kept for gjson queries against the original JSON; never
	// serialized back out.
	Raw []byte `json:"-"`
}

// Reserved message names.
const (
	MsgToken      = "token"
	MsgInit       = "init"
	MsgTurn       = "turn"
	MsgStatus     = "status"
	MsgShutdown   = "shutdown"
	MsgWrongToken = "wrong token"
	MsgCommand    = "command"
	MsgEvent      = "event"
	MsgReport     = "report"
)

// TokenLength is the required length of every admission token.
const TokenLength = 32

// New builds a message from a name and its arguments.
func New(name string, args ...interface{}) *Message {
	if args == nil {
		args = []interface{}{}
	}
	return &Message{Name: name, Args: args}
}

// NewShutdown is the end-of-game notice sent to every client slot.
func NewShutdown() *Message {
	return New(MsgShutdown)
}

// NewWrongToken is the rejection notice for a failed token handshake.
func NewWrongToken() *Message {
	return New(MsgWrongToken)
}

// NewInit is the handshake acknowledgement sent to a verified terminal.
func NewInit() *Message {
	return New(MsgInit, []interface{}{})
}

// NewReport shapes the standard terminal-command response envelope. The
// lines appear as a single nested array argument.
func NewReport(lines ...interface{}) *Message {
	if lines == nil {
		lines = []interface{}{}
	}
	return New(MsgReport, lines)
}

// Arg returns the gjson result for args[i] of the original frame. It only
// works on messages that came off a socket (Raw retained); for others the
// result is the Null type.
func (m *Message) Arg(i int) gjson.Result {
	if len(m.Raw) == 0 || i < 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(m.Raw, "args."+strconv.Itoa(i))
}

// TokenArg extracts args[0] as the token string of a "token" handshake
// message. Returns false when the message is not a well-formed handshake.
func (m *Message) TokenArg() (string, bool) {
	if m.Name != MsgToken || len(m.Args) < 1 {
		return "", false
	}
	if len(m.Raw) > 0 {
		res := gjson.GetBytes(m.Raw, "args.0")
		if res.Type != gjson.String {
			return "", false
		}
		return res.Str, true
	}
	s, ok := m.Args[0].(string)
	return s, ok
}

// Event is a single game event: a type tag plus free-form arguments.
type Event struct {
	Type string        `json:"type"`
	Args []interface{} `json:"args"`
}

// EventsArg decodes args[0] as an array of events. A missing or nil args[0]
// yields an empty slice, and so does a non-array args[0] on a message that
// came off a socket (Raw retained). Any other args[0] that does not decode
// as an array of events reports the decode error.
func (m *Message) EventsArg() ([]Event, error) {
	var raw []byte
	if len(m.Raw) > 0 {
		res := gjson.GetBytes(m.Raw, "args.0")
		if !res.Exists() || !res.IsArray() {
			return []Event{}, nil
		}
		raw = []byte(res.Raw)
	} else {
		if len(m.Args) < 1 || m.Args[0] == nil {
			return []Event{}, nil
		}
		var err error
		raw, err = json.Marshal(m.Args[0])
		if err != nil {
			return nil, err
		}
	}
	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// EventArg decodes args[0] as a single event.
func (m *Message) EventArg() (Event, error) {
	var ev Event
	var raw []byte
	if len(m.Raw) > 0 {
		res := gjson.GetBytes(m.Raw, "args.0")
		if !res.Exists() {
			return ev, nil
		}
		raw = []byte(res.Raw)
	} else {
		if len(m.Args) < 1 || m.Args[0] == nil {
			return ev, nil
		}
		var err error
		raw, err = json.Marshal(m.Args[0])
		if err != nil {
			return ev, err
		}
	}
	err := json.Unmarshal(raw, &ev)
	return ev, err
}

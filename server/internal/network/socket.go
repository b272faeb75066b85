package network

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
)

const (
	// MaxMessageSize caps a single frame payload. Prevents a bad peer from
	// forcing a giant allocation with a bogus length prefix.
	MaxMessageSize = 1 * 1024 * 1024
	// LengthPrefixSize is the size in bytes of the frame length prefix.
	LengthPrefixSize = 4
)

// Socket frames whole JSON values over a stream connection: a 4-byte
// big-endian length followed by that many bytes of UTF-8 JSON. It carries no
// deadlines of its own; timeouts belong to the layer above.
type Socket struct {
	conn net.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// NewSocket wraps an established stream connection.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

// Receive blocks until one whole frame has arrived and decodes it. Short
// reads are coalesced until the prefixed length is satisfied. A JSON decode
// failure reports ErrDecode and leaves the socket open; EOF mid-frame
// reports ErrTransportClosed.
func (s *Socket) Receive() (*protocol.Message, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	lenBuf := make([]byte, LengthPrefixSize)
	if _, err := io.ReadFull(s.conn, lenBuf); err != nil {
		return nil, wrapTransport(err, "reading length prefix")
	}
	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen == 0 || frameLen > MaxMessageSize {
		return nil, errors.Wrapf(ErrTransportIO, "frame length %d out of range", frameLen)
	}

	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, wrapTransport(err, "reading payload")
	}

	msg := &protocol.Message{}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	msg.Raw = payload
	return msg, nil
}

// Send writes one message as a single frame. The prefix and payload go out
// as one buffer; partial writes are completed by the runtime's net.Conn
// write loop.
func (s *Socket) Send(msg *protocol.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(ErrDecode, err.Error())
	}
	if len(payload) > MaxMessageSize {
		return errors.Wrapf(ErrTransportIO, "frame length %d out of range", len(payload))
	}

	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		return wrapTransport(err, "writing frame")
	}
	return nil
}

// SetReadDeadline delegates to the underlying connection. Used by the
// admission workers for their verification timeouts.
func (s *Socket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline delegates to the underlying connection.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// RemoteAddr reports the peer address, for logs.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Close shuts the underlying connection. Safe to call more than once.
func (s *Socket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// IsClosed reports whether Close has run.
func (s *Socket) IsClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func wrapTransport(err error, context string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrap(ErrTransportClosed, context)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errors.Wrapf(ErrTransportIO, "%s: timeout", context)
	}
	return errors.Wrapf(ErrTransportIO, "%s: %v", context, err)
}

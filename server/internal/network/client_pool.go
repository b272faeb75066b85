package network

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// PoolVerifyTimeout bounds the token handshake of a client candidate. Game
// clients may legitimately connect long before a match starts, so the budget
// is deliberately generous.
const PoolVerifyTimeout = 1000 * time.Second

// ClientPool manages the N pre-declared client slots: admission by token,
// synchronized per-turn fan-out, and the shared receive-window gate.
type ClientPool struct {
	listener      *Listener
	verifyTimeout time.Duration

	window atomic.Bool // receive-window gate, shared with every handler

	mu         sync.Mutex
	handlers   []*ClientHandler
	tokens     map[string]int
	listening  bool
	candidates map[*Socket]struct{} // sockets still in token verification
}

// NewClientPool prepares an empty pool listening on port once Listen is
// called. Slots are added with DefineClient while the pool is terminated.
func NewClientPool(port int) *ClientPool {
	p := &ClientPool{
		verifyTimeout: PoolVerifyTimeout,
		tokens:        make(map[string]int),
		candidates:    make(map[*Socket]struct{}),
	}
	p.listener = NewListener(port, p.acceptClient)
	return p
}

// DefineClient appends a new slot for token and returns its id. Only legal
// while the pool is not listening.
func (p *ClientPool) DefineClient(token string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listening {
		return 0, errors.Wrap(ErrInvalidState, "defineClient while listening")
	}
	if _, dup := p.tokens[token]; dup {
		return 0, errors.Wrapf(ErrDuplicateToken, "token %q", token)
	}
	id := len(p.handlers)
	p.handlers = append(p.handlers, NewClientHandler(id, token, p.window.Load))
	p.tokens[token] = id
	return id, nil
}

// Size reports the number of defined slots.
func (p *ClientPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// Listen starts accepting client connections.
func (p *ClientPool) Listen() error {
	p.mu.Lock()
	if p.listening {
		p.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "pool already listening")
	}
	p.listening = true
	p.mu.Unlock()
	if err := p.listener.Listen(); err != nil {
		p.mu.Lock()
		p.listening = false
		p.mu.Unlock()
		return err
	}
	return nil
}

// Port reports the bound client port.
func (p *ClientPool) Port() int { return p.listener.Port() }

// acceptClient hands the candidate to a verification worker and returns, so
// the accept loop never blocks on a slow handshake.
func (p *ClientPool) acceptClient(sock *Socket) error {
	p.mu.Lock()
	if !p.listening {
		p.mu.Unlock()
		sock.Close()
		return nil
	}
	p.candidates[sock] = struct{}{}
	p.mu.Unlock()
	go p.verify(sock)
	return nil
}

// verify reads exactly one message from the candidate and binds the socket
// to the slot its token names. Any failure closes the socket without
// feedback.
func (p *ClientPool) verify(sock *Socket) {
	defer func() {
		p.mu.Lock()
		delete(p.candidates, sock)
		p.mu.Unlock()
	}()

	sock.SetReadDeadline(time.Now().Add(p.verifyTimeout))
	msg, err := sock.Receive()
	sock.SetReadDeadline(time.Time{})
	if err != nil {
		utils.LogWarnf("Client verification failed for %s: %v", sock.RemoteAddr(), err)
		sock.Close()
		return
	}
	token, ok := msg.TokenArg()
	if !ok {
		utils.LogWarnf("Client %s sent malformed handshake, closing", sock.RemoteAddr())
		sock.Close()
		return
	}

	p.mu.Lock()
	id, known := p.tokens[token]
	var handler *ClientHandler
	if known {
		handler = p.handlers[id]
	}
	p.mu.Unlock()

	if !known {
		utils.LogWarnf("Client %s presented unknown token, closing", sock.RemoteAddr())
		sock.Close()
		return
	}
	handler.Bind(sock)
}

// Queue stages msg for slot id; it is not sent before the next
// SendAllBlocking.
func (p *ClientPool) Queue(id int, msg *protocol.Message) error {
	h, err := p.handler(id)
	if err != nil {
		return err
	}
	h.Queue(msg)
	return nil
}

// SendAllBlocking promotes every slot's staged queue and returns once every
// slot has dispatched its round. All slots are released together and joined
// together, so no slot's next round can start before the slowest finishes
// this one.
func (p *ClientPool) SendAllBlocking() {
	p.mu.Lock()
	handlers := make([]*ClientHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	start := make(chan struct{})
	var done sync.WaitGroup
	for _, h := range handlers {
		done.Add(1)
		go func(h *ClientHandler) {
			defer done.Done()
			<-start
			h.SendRound()
		}(h)
	}
	close(start)
	done.Wait()
}

// StartReceivingAll clears every slot's last-valid cache and opens the
// receive window.
func (p *ClientPool) StartReceivingAll() {
	p.mu.Lock()
	handlers := make([]*ClientHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()
	for _, h := range handlers {
		h.ClearValid()
	}
	p.window.Store(true)
}

// StopReceivingAll closes the receive window. Reads completing afterwards no
// longer become last-valid.
func (p *ClientPool) StopReceivingAll() {
	p.window.Store(false)
}

// GetReceivedMessage returns slot id's last-valid message, or nil.
func (p *ClientPool) GetReceivedMessage(id int) (*protocol.Message, error) {
	h, err := p.handler(id)
	if err != nil {
		return nil, err
	}
	return h.LastValid(), nil
}

// GetReceivedEvents decodes the event array carried in args[0] of slot id's
// last-valid message. No valid message means nil; a valid message with a
// malformed payload decodes to an empty slice.
func (p *ClientPool) GetReceivedEvents(id int) ([]protocol.Event, error) {
	h, err := p.handler(id)
	if err != nil {
		return nil, err
	}
	msg := h.LastValid()
	if msg == nil {
		return nil, nil
	}
	events, err := msg.EventsArg()
	if err != nil {
		utils.LogWarnf("Slot %d sent undecodable events: %v", id, err)
		return []protocol.Event{}, nil
	}
	return events, nil
}

// IsConnected reports whether slot id currently has a live socket.
func (p *ClientPool) IsConnected(id int) bool {
	h, err := p.handler(id)
	if err != nil {
		return false
	}
	return h.IsConnected()
}

// WaitForClient blocks until slot id is bound. A negative timeout waits
// indefinitely.
func (p *ClientPool) WaitForClient(id int, timeout time.Duration) error {
	h, err := p.handler(id)
	if err != nil {
		return err
	}
	return h.WaitBound(timeout)
}

// WaitForAllClients blocks until every slot is bound, spending the single
// budget across the slots in order: the elapsed wait of each slot is
// deducted before the next one's. A negative timeout waits indefinitely.
func (p *ClientPool) WaitForAllClients(timeout time.Duration) error {
	p.mu.Lock()
	handlers := make([]*ClientHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	if timeout < 0 {
		for _, h := range handlers {
			if err := h.WaitBound(-1); err != nil {
				return err
			}
		}
		return nil
	}

	deadline := time.Now().Add(timeout)
	for _, h := range handlers {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Wrap(ErrTimeout, "waitForAllClients budget exhausted")
		}
		if err := h.WaitBound(remaining); err != nil {
			return err
		}
	}
	return nil
}

// OmitAllClients terminates every slot and resets the pool to empty. Only
// legal while the pool is not listening.
func (p *ClientPool) OmitAllClients() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listening {
		return errors.Wrap(ErrInvalidState, "omitAllClients while listening")
	}
	for _, h := range p.handlers {
		h.Terminate()
	}
	p.handlers = nil
	p.tokens = make(map[string]int)
	return nil
}

// Terminate stops the listener and releases any in-flight verification.
// Slot handlers keep draining until their own caps; OmitAllClients tears
// them down.
func (p *ClientPool) Terminate() {
	p.mu.Lock()
	wasListening := p.listening
	p.listening = false
	for sock := range p.candidates {
		sock.Close()
	}
	p.mu.Unlock()
	if wasListening {
		p.listener.Terminate()
	}
}

func (p *ClientPool) handler(id int) (*ClientHandler, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.handlers) {
		return nil, errors.Wrapf(ErrInvalidState, "no slot %d", id)
	}
	return p.handlers[id], nil
}

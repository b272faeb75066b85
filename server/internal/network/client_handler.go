package network

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// MaxExceptions is the per-slot I/O failure cap. A handler that crosses it
// terminates itself; the rest of the pool keeps running.
const MaxExceptions = 20

// ClientHandler owns one pre-declared client slot: its socket, its staged
// and outbound queues, and the last-received / last-valid caches. Two pumps
// run per handler, one sending and one receiving; both wait whenever no
// socket is bound.
type ClientHandler struct {
	id         int
	token      string
	windowOpen func() bool // shared receive-window predicate, owned by the pool

	mu       sync.Mutex
	cond     *sync.Cond
	sock     *Socket
	bindWait chan struct{} // closed and replaced on every bind / terminate

	staged   []*protocol.Message // two-phase queue: promoted by Flush
	outbound []*protocol.Message
	pending  int // flushed but not yet dispatched

	lastReceived *protocol.Message
	lastValid    *protocol.Message

	errCount   int
	terminated bool
}

// NewClientHandler creates the handler for slot id and starts its pumps.
// windowOpen is evaluated at the completion of every read.
func NewClientHandler(id int, token string, windowOpen func() bool) *ClientHandler {
	h := &ClientHandler{
		id:         id,
		token:      token,
		windowOpen: windowOpen,
		bindWait:   make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.senderLoop()
	go h.receiverLoop()
	return h
}

// ID reports the slot index.
func (h *ClientHandler) ID() int { return h.id }

// Token reports the slot's admission token.
func (h *ClientHandler) Token() string { return h.token }

// Bind installs a new socket, closing any prior one, and wakes both pumps
// and any bind waiters.
func (h *ClientHandler) Bind(sock *Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		sock.Close()
		return
	}
	if h.sock != nil {
		h.sock.Close()
	}
	h.sock = sock
	close(h.bindWait)
	h.bindWait = make(chan struct{})
	h.cond.Broadcast()
	utils.LogInfof("Slot %d bound to %s", h.id, sock.RemoteAddr())
}

// IsConnected reports whether a live socket is bound.
func (h *ClientHandler) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sock != nil && !h.sock.IsClosed()
}

// Queue stages one message for the next flush. Staged messages are not
// visible to the sender until Flush promotes them.
func (h *ClientHandler) Queue(msg *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staged = append(h.staged, msg)
}

// Flush atomically promotes the staged list into the sender's queue.
func (h *ClientHandler) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.staged) == 0 {
		return
	}
	h.outbound = append(h.outbound, h.staged...)
	h.pending += len(h.staged)
	h.staged = nil
	h.cond.Broadcast()
}

// SendRound flushes the staged queue and blocks until the sender has
// dispatched every promoted message (or the handler terminated).
func (h *ClientHandler) SendRound() {
	h.Flush()
	h.mu.Lock()
	for h.pending > 0 && !h.terminated {
		h.cond.Wait()
	}
	h.mu.Unlock()
}

// WaitBound blocks until a socket is bound. A negative timeout waits
// indefinitely. Returns ErrTimeout on budget exhaustion and ErrInterrupted
// when the handler terminates first.
func (h *ClientHandler) WaitBound(timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	h.mu.Lock()
	for {
		if h.terminated {
			h.mu.Unlock()
			return errors.Wrapf(ErrInterrupted, "slot %d terminated", h.id)
		}
		if h.sock != nil {
			h.mu.Unlock()
			return nil
		}
		wait := h.bindWait
		h.mu.Unlock()
		if timeout < 0 {
			<-wait
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errors.Wrapf(ErrTimeout, "slot %d not bound", h.id)
			}
			timer := time.NewTimer(remaining)
			select {
			case <-wait:
				timer.Stop()
			case <-timer.C:
				return errors.Wrapf(ErrTimeout, "slot %d not bound", h.id)
			}
		}
		h.mu.Lock()
	}
}

// ClearValid resets the last-valid cache. Called at the opening of every
// receive window.
func (h *ClientHandler) ClearValid() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastValid = nil
}

// LastValid returns the most recent message fully received while the window
// was open, or nil.
func (h *ClientHandler) LastValid() *protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastValid
}

// LastReceived returns the most recent message received on the slot,
// regardless of the window.
func (h *ClientHandler) LastReceived() *protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReceived
}

// Terminate closes the socket and stops both pumps. Idempotent.
func (h *ClientHandler) Terminate() {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	if h.sock != nil {
		h.sock.Close()
		h.sock = nil
	}
	close(h.bindWait)
	h.bindWait = make(chan struct{})
	h.cond.Broadcast()
	h.mu.Unlock()
	utils.LogDebugf("Slot %d handler terminated", h.id)
}

// countError bumps the slot failure counter; past the cap the handler
// terminates itself. Caller must not hold the lock.
func (h *ClientHandler) countError(err error) {
	h.mu.Lock()
	h.errCount++
	over := h.errCount > MaxExceptions
	h.mu.Unlock()
	utils.LogWarnf("Slot %d I/O error (%d): %v", h.id, h.errCount, err)
	if over {
		utils.LogErrorf("Slot %d exceeded %d I/O errors, terminating handler", h.id, MaxExceptions)
		h.Terminate()
	}
}

// senderLoop dispatches promoted messages one at a time, waiting for a
// socket whenever none is bound. A failed write still counts as dispatched
// for the round accounting; the failure feeds the error cap instead.
func (h *ClientHandler) senderLoop() {
	for {
		h.mu.Lock()
		for len(h.outbound) == 0 && !h.terminated {
			h.cond.Wait()
		}
		if h.terminated {
			h.pending = 0
			h.cond.Broadcast()
			h.mu.Unlock()
			return
		}
		msg := h.outbound[0]
		h.outbound = h.outbound[1:]
		sock := h.sock
		for sock == nil && !h.terminated {
			h.cond.Wait()
			sock = h.sock
		}
		if h.terminated {
			h.pending = 0
			h.cond.Broadcast()
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()

		err := sock.Send(msg)

		h.mu.Lock()
		if h.pending > 0 {
			h.pending--
		}
		if h.pending == 0 {
			h.cond.Broadcast()
		}
		h.mu.Unlock()
		if err != nil {
			h.countError(err)
		}
	}
}

// receiverLoop reads one message at a time from the bound socket. Every
// completed read lands in last-received; it also becomes last-valid iff the
// window predicate holds at that instant. Decode failures keep the socket;
// transport failures drop it and wait for a rebind.
func (h *ClientHandler) receiverLoop() {
	for {
		h.mu.Lock()
		for h.sock == nil && !h.terminated {
			h.cond.Wait()
		}
		if h.terminated {
			h.mu.Unlock()
			return
		}
		sock := h.sock
		h.mu.Unlock()

		msg, err := sock.Receive()
		if err != nil {
			if errors.Is(err, ErrDecode) {
				h.countError(err)
				continue
			}
			h.mu.Lock()
			if h.sock == sock {
				h.sock = nil
			}
			h.mu.Unlock()
			sock.Close()
			h.countError(err)
			continue
		}

		h.mu.Lock()
		h.lastReceived = msg
		if h.windowOpen() {
			h.lastValid = msg
		}
		h.mu.Unlock()
	}
}

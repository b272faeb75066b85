package network

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// UIVerifyTimeout is the default budget for the spectator token handshake.
const UIVerifyTimeout = 10 * time.Second

type uiEntry struct {
	msg       *protocol.Message
	done      chan struct{}
	cancelled bool // guarded by the server mutex
}

// UIServer is the single-spectator endpoint. One socket at a time; a newly
// verified connection replaces the current one. Outbound messages go through
// an unbounded deque drained by one sender worker, so messages queued while
// no spectator is bound are delivered as soon as one appears.
type UIServer struct {
	token         string
	listener      *Listener
	verifyTimeout time.Duration

	mu         sync.Mutex
	cond       *sync.Cond
	sock       *Socket
	gen        int           // bumped on every bind
	bindWait   chan struct{} // closed and replaced on bind / terminate
	queue      []*uiEntry
	terminated bool
}

// NewUIServer prepares the spectator endpoint for the given port and token.
func NewUIServer(port int, token string) *UIServer {
	u := &UIServer{
		token:         token,
		verifyTimeout: UIVerifyTimeout,
		bindWait:      make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	u.listener = NewListener(port, u.acceptUI)
	go u.senderLoop()
	return u
}

// SetVerifyTimeout overrides the handshake budget.
func (u *UIServer) SetVerifyTimeout(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.verifyTimeout = d
}

// Listen starts accepting spectator connections.
func (u *UIServer) Listen() error { return u.listener.Listen() }

// IsListening reports whether the endpoint is accepting connections.
func (u *UIServer) IsListening() bool { return u.listener.IsListening() }

// Port reports the bound UI port.
func (u *UIServer) Port() int { return u.listener.Port() }

func (u *UIServer) acceptUI(sock *Socket) error {
	go u.verify(sock)
	return nil
}

func (u *UIServer) verify(sock *Socket) {
	u.mu.Lock()
	timeout := u.verifyTimeout
	u.mu.Unlock()

	sock.SetReadDeadline(time.Now().Add(timeout))
	msg, err := sock.Receive()
	sock.SetReadDeadline(time.Time{})
	if err != nil {
		utils.LogWarnf("UI verification failed for %s: %v", sock.RemoteAddr(), err)
		sock.Close()
		return
	}
	token, ok := msg.TokenArg()
	if !ok || token != u.token {
		utils.LogWarnf("UI %s presented wrong token, closing", sock.RemoteAddr())
		sock.Send(protocol.NewWrongToken())
		sock.Close()
		return
	}
	u.bind(sock)
}

// bind swaps in the verified socket, closing the previous one, and releases
// every waiter.
func (u *UIServer) bind(sock *Socket) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.terminated {
		sock.Close()
		return
	}
	if u.sock != nil {
		u.sock.Close()
	}
	u.sock = sock
	u.gen++
	close(u.bindWait)
	u.bindWait = make(chan struct{})
	u.cond.Broadcast()
	utils.LogInfof("UI bound to %s", sock.RemoteAddr())
}

// IsConnected reports whether a spectator is currently bound.
func (u *UIServer) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sock != nil && !u.sock.IsClosed()
}

// Send enqueues msg for delivery and returns immediately.
func (u *UIServer) Send(msg *protocol.Message) {
	u.enqueue(msg)
}

// SendBlocking enqueues msg and waits until it has been written to a
// spectator socket. Returns ErrInterrupted if the endpoint terminates first.
func (u *UIServer) SendBlocking(msg *protocol.Message) error {
	entry := u.enqueue(msg)
	<-entry.done
	u.mu.Lock()
	terminated := u.terminated
	u.mu.Unlock()
	if terminated {
		return errors.Wrap(ErrInterrupted, "ui endpoint terminated")
	}
	return nil
}

// SendWithDeadline enqueues msg and waits at most d for the write to
// complete. On expiry the entry is cancelled (skipped by the sender if not
// yet in flight) and ErrTimeout is returned; the caller keeps ownership of
// the retry policy.
func (u *UIServer) SendWithDeadline(msg *protocol.Message, d time.Duration) error {
	entry := u.enqueue(msg)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-entry.done:
		u.mu.Lock()
		terminated := u.terminated
		u.mu.Unlock()
		if terminated {
			return errors.Wrap(ErrInterrupted, "ui endpoint terminated")
		}
		return nil
	case <-timer.C:
		u.mu.Lock()
		entry.cancelled = true
		u.mu.Unlock()
		return errors.Wrap(ErrTimeout, "ui send deadline exceeded")
	}
}

func (u *UIServer) enqueue(msg *protocol.Message) *uiEntry {
	entry := &uiEntry{msg: msg, done: make(chan struct{})}
	u.mu.Lock()
	if u.terminated {
		u.mu.Unlock()
		close(entry.done)
		return entry
	}
	u.queue = append(u.queue, entry)
	u.cond.Broadcast()
	u.mu.Unlock()
	return entry
}

// WaitForClient blocks until a spectator is bound. Negative timeout waits
// indefinitely.
func (u *UIServer) WaitForClient(timeout time.Duration) error {
	return u.waitBound(timeout, false)
}

// WaitForNewClient blocks until a bind that happens strictly after the call.
func (u *UIServer) WaitForNewClient(timeout time.Duration) error {
	return u.waitBound(timeout, true)
}

func (u *UIServer) waitBound(timeout time.Duration, requireNew bool) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	u.mu.Lock()
	startGen := u.gen
	for {
		if u.terminated {
			u.mu.Unlock()
			return errors.Wrap(ErrInterrupted, "ui endpoint terminated")
		}
		if requireNew {
			if u.gen > startGen {
				u.mu.Unlock()
				return nil
			}
		} else if u.sock != nil {
			u.mu.Unlock()
			return nil
		}
		wait := u.bindWait
		u.mu.Unlock()
		if timeout < 0 {
			<-wait
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errors.Wrap(ErrTimeout, "no ui client")
			}
			timer := time.NewTimer(remaining)
			select {
			case <-wait:
				timer.Stop()
			case <-timer.C:
				return errors.Wrap(ErrTimeout, "no ui client")
			}
		}
		u.mu.Lock()
	}
}

// senderLoop drains the deque in order. Write failures drop the socket and
// put the entry back at the head, so nothing is reordered or lost across a
// reconnect.
func (u *UIServer) senderLoop() {
	for {
		u.mu.Lock()
		for (len(u.queue) == 0 || u.sock == nil) && !u.terminated {
			u.cond.Wait()
		}
		if u.terminated {
			for _, e := range u.queue {
				close(e.done)
			}
			u.queue = nil
			u.mu.Unlock()
			return
		}
		entry := u.queue[0]
		u.queue = u.queue[1:]
		if entry.cancelled {
			close(entry.done)
			u.mu.Unlock()
			continue
		}
		sock := u.sock
		u.mu.Unlock()

		if err := sock.Send(entry.msg); err != nil {
			utils.LogWarnf("UI send failed, awaiting reconnect: %v", err)
			u.mu.Lock()
			if u.sock == sock {
				u.sock = nil
			}
			u.queue = append([]*uiEntry{entry}, u.queue...)
			u.mu.Unlock()
			sock.Close()
			continue
		}
		close(entry.done)
	}
}

// Terminate stops the listener, closes the spectator socket and releases
// every queued or waiting sender.
func (u *UIServer) Terminate() {
	u.listener.Terminate()
	u.mu.Lock()
	if u.terminated {
		u.mu.Unlock()
		return
	}
	u.terminated = true
	if u.sock != nil {
		u.sock.Close()
		u.sock = nil
	}
	close(u.bindWait)
	u.bindWait = make(chan struct{})
	u.cond.Broadcast()
	u.mu.Unlock()
	utils.LogInfo("UI endpoint terminated")
}

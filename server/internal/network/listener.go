package network

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// AcceptFunc receives every accepted connection, already wrapped in a framed
// socket. An error return closes the connection.
type AcceptFunc func(*Socket) error

// Listener owns one TCP port and hands accepted connections to a
// role-specific acceptor. It can be terminated and listened again.
type Listener struct {
	port   int
	accept AcceptFunc

	mu        sync.Mutex
	ln        net.Listener
	listening bool
	quit      chan struct{}
	wg        sync.WaitGroup
}

// NewListener prepares a listener for the given port. Port 0 binds an
// ephemeral port, readable from Port after Listen.
func NewListener(port int, accept AcceptFunc) *Listener {
	return &Listener{port: port, accept: accept}
}

// Listen binds the port and starts the accept loop.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listening {
		return errors.Wrap(ErrInvalidState, "already listening")
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(l.port))
	if err != nil {
		return errors.Wrapf(ErrTransportIO, "listen on %d: %v", l.port, err)
	}
	l.ln = ln
	l.listening = true
	l.quit = make(chan struct{})
	l.wg.Add(1)
	go l.acceptLoop(ln, l.quit)
	utils.LogInfof("Listening on %s", ln.Addr())
	return nil
}

// Port reports the bound port, or the configured one before Listen.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return l.port
}

// IsListening reports whether the accept loop is running.
func (l *Listener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

func (l *Listener) acceptLoop(ln net.Listener, quit chan struct{}) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				utils.LogWarnf("Accept error: %v", err)
				continue
			}
			utils.LogErrorf("Permanent accept error, stopping loop: %v", err)
			return
		}
		sock := NewSocket(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.accept(sock); err != nil {
				utils.LogWarnf("Acceptor rejected %s: %v", sock.RemoteAddr(), err)
				sock.Close()
			}
		}()
	}
}

// Terminate stops the accept loop and waits for in-flight acceptor calls.
// After Terminate the listener may Listen again.
func (l *Listener) Terminate() {
	l.mu.Lock()
	if !l.listening {
		l.mu.Unlock()
		return
	}
	l.listening = false
	close(l.quit)
	if l.ln != nil {
		l.ln.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	l.mu.Lock()
	l.ln = nil
	l.mu.Unlock()
	utils.LogInfof("Listener on port %d terminated", l.port)
}

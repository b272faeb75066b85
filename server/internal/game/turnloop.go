package game

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/configs"
	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// LoopState labels the turn loop's lifecycle for status reports.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopStarting
	LoopRunning
	LoopDraining
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopStarting:
		return "starting"
	case LoopRunning:
		return "running"
	case LoopDraining:
		return "draining"
	case LoopStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ClientNetwork is the slice of the client pool the turn loop drives.
type ClientNetwork interface {
	Size() int
	Queue(id int, msg *protocol.Message) error
	SendAllBlocking()
	StartReceivingAll()
	StopReceivingAll()
	GetReceivedEvents(id int) ([]protocol.Event, error)
}

// OutputSink is the slice of the output pipeline the turn loop feeds.
type OutputSink interface {
	PutMessage(msg *protocol.Message) error
	Shutdown()
}

// TurnLoop runs the fixed-cadence match driver: one worker executing the
// per-turn sequence of simulate, fan-out, receive window and cadence sleep.
// It is the sole writer of the pool's staged queues and the output sink
// while a match runs.
type TurnLoop struct {
	logic Logic
	pool  ClientNetwork
	sink  OutputSink
	cfg   configs.TurnTimeoutConfig

	state    atomic.Int32
	shutdown atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
	finished chan struct{}
	turn     atomic.Int64

	eventMu sync.Mutex
	events  []protocol.Event // terminal-originated, drained once per turn
}

// NewTurnLoop wires a loop for one match.
func NewTurnLoop(logic Logic, pool ClientNetwork, sink OutputSink, cfg configs.TurnTimeoutConfig) *TurnLoop {
	return &TurnLoop{
		logic:    logic,
		pool:     pool,
		sink:     sink,
		cfg:      cfg,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (t *TurnLoop) State() LoopState { return LoopState(t.state.Load()) }

// Turn reports the index of the turn being executed.
func (t *TurnLoop) Turn() int { return int(t.turn.Load()) }

// PutEvent appends a terminal-originated event for the next drain. Safe
// from any connection worker.
func (t *TurnLoop) PutEvent(ev protocol.Event) {
	t.eventMu.Lock()
	t.events = append(t.events, ev)
	t.eventMu.Unlock()
}

func (t *TurnLoop) drainEvents() []protocol.Event {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()
	drained := t.events
	t.events = nil
	if drained == nil {
		drained = []protocol.Event{}
	}
	return drained
}

// Start launches the loop worker. Only legal from the idle state.
func (t *TurnLoop) Start() error {
	if !t.state.CompareAndSwap(int32(LoopIdle), int32(LoopStarting)) {
		return errors.Errorf("turn loop already started (state %s)", t.State())
	}
	go t.run()
	return nil
}

// Stop requests shutdown; the loop exits after the current turn. Any
// cadence or window sleep in progress is interrupted.
func (t *TurnLoop) Stop() {
	t.shutdown.Store(true)
	t.quitOnce.Do(func() { close(t.quit) })
}

// WaitForFinish blocks until the loop has fully completed.
func (t *TurnLoop) WaitForFinish() {
	<-t.finished
}

// Finished reports without blocking whether the loop has completed.
func (t *TurnLoop) Finished() bool {
	select {
	case <-t.finished:
		return true
	default:
		return false
	}
}

// sleep waits for d or until Stop. Reports false when interrupted.
func (t *TurnLoop) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.quit:
		return false
	}
}

func (t *TurnLoop) run() {
	defer func() {
		t.state.Store(int32(LoopStopped))
		close(t.finished)
		utils.LogInfof("Turn loop stopped after %d turns", t.turn.Load())
	}()
	t.state.Store(int32(LoopRunning))

	n := t.pool.Size()
	clientResponse := time.Duration(t.cfg.ClientResponseTime) * time.Millisecond
	turnTimeout := time.Duration(t.cfg.TurnTimeout) * time.Millisecond
	simulateTimeout := time.Duration(t.cfg.SimulateTimeout) * time.Millisecond

	prevTerminal := []protocol.Event{}
	prevEnvironment := []protocol.Event{}
	prevClient := make([][]protocol.Event, n)
	for i := range prevClient {
		prevClient[i] = []protocol.Event{}
	}

	for {
		if t.shutdown.Load() {
			t.state.Store(int32(LoopDraining))
			return
		}
		turnStart := time.Now()

		t.logic.SimulateEvents(prevTerminal, prevEnvironment, prevClient)
		t.logic.GenerateOutputs()
		if simElapsed := time.Since(turnStart); simulateTimeout > 0 && simElapsed > simulateTimeout {
			// Advisory only; the game is never preempted.
			utils.LogWarnf("Turn %d: simulate took %v, over the %v budget", t.turn.Load(), simElapsed, simulateTimeout)
		}

		if t.logic.IsGameFinished() {
			utils.LogInfof("Game finished at turn %d", t.turn.Load())
			for i := 0; i < n; i++ {
				t.pool.Queue(i, protocol.NewShutdown())
			}
			t.pool.SendAllBlocking()
			t.logic.Terminate()
			t.shutdown.Store(true)
			t.sink.Shutdown()
			t.state.Store(int32(LoopDraining))
			return
		}

		if ui := t.logic.UIMessage(); ui != nil {
			if err := t.sink.PutMessage(ui); err != nil {
				utils.LogErrorf("Output pipeline rejected UI message, stopping: %v", err)
				t.Stop()
			}
		}
		if status := t.logic.StatusMessage(); status != nil {
			if err := t.sink.PutMessage(status); err != nil {
				utils.LogErrorf("Output pipeline rejected status message, stopping: %v", err)
				t.Stop()
			}
		}

		msgs := t.logic.ClientMessages()
		for i := 0; i < n && i < len(msgs); i++ {
			if msgs[i] != nil {
				t.pool.Queue(i, msgs[i])
			}
		}
		t.pool.SendAllBlocking()

		t.pool.StartReceivingAll()
		windowStart := time.Now()

		prevEnvironment = t.logic.MakeEnvironmentEvents()
		if remaining := clientResponse - time.Since(windowStart); remaining > 0 {
			t.sleep(remaining)
		}
		t.pool.StopReceivingAll()

		for i := 0; i < n; i++ {
			events, err := t.pool.GetReceivedEvents(i)
			if err != nil || events == nil {
				events = []protocol.Event{}
			}
			prevClient[i] = events
		}

		prevTerminal = t.drainEvents()

		if elapsed := time.Since(turnStart); elapsed < turnTimeout {
			t.sleep(turnTimeout - elapsed)
		} else {
			utils.LogWarnf("Turn %d overran its %v cadence (%v)", t.turn.Load(), turnTimeout, elapsed)
		}
		t.turn.Add(1)
	}
}

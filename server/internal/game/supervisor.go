package game

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/configs"
	"github.com/phuhao00/arenaserver/server/internal/network"
	"github.com/phuhao00/arenaserver/server/internal/output"
	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/store"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// ErrIDMismatch reports a game logic whose declared client ids do not match
// their positions.
var ErrIDMismatch = errors.New("client id mismatch")

// Default waits applied to operator-issued newGame.
const (
	DefaultUIWait     = 2 * time.Minute
	DefaultClientWait = 2 * time.Minute
)

// Supervisor owns the three endpoints and the match lifecycle: it wires
// tokens and ports from the configuration, registers the operator commands,
// and drives newGame / startGame / shutdown.
type Supervisor struct {
	cfg     *configs.Config
	factory LogicFactory

	router   *CommandRouter
	terminal *network.TerminalServer
	ui       *network.UIServer // nil when the spectator endpoint is disabled
	pool     *network.ClientPool
	matches  *store.MatchStore // nil without a database URL

	gameMu sync.Mutex // serializes newGame / startGame; Shutdown does not take it

	mu         sync.Mutex // guards the fields below; held only briefly
	pipeline   *output.Pipeline
	loop       *TurnLoop
	logic      Logic
	matchID    string
	matchStart time.Time
	clients    int

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewSupervisor constructs the endpoints from cfg. The factory produces a
// fresh Logic per match.
func NewSupervisor(cfg *configs.Config, factory LogicFactory) (*Supervisor, error) {
	utils.SetLogLevel(cfg.Server.LogLevel)

	s := &Supervisor{
		cfg:     cfg,
		factory: factory,
		router:  NewCommandRouter(),
		pool:    network.NewClientPool(cfg.Client.Port),
		done:    make(chan struct{}),
	}
	s.terminal = network.NewTerminalServer(cfg.Terminal.Port, cfg.Terminal.Token, s.router)
	if cfg.UI.Enable {
		s.ui = network.NewUIServer(cfg.UI.Port, cfg.UI.Token)
	}
	if cfg.OutputHandler.SendToUI && s.ui == nil {
		return nil, errors.Wrap(configs.ErrConfig, "outputHandler.sendToUI requires ui.enable")
	}
	if cfg.Database.PostgresURL != "" {
		matches, err := store.Open(cfg.Database.PostgresURL)
		if err != nil {
			return nil, err
		}
		s.matches = matches
	}
	s.registerCommands()
	return s, nil
}

// Start opens the operator endpoint. Games are created on command.
func (s *Supervisor) Start() error {
	return s.terminal.Listen()
}

// Done is closed once Shutdown completes.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Router exposes the command router for extension commands.
func (s *Supervisor) Router() *CommandRouter { return s.router }

// NewGame builds a match: fetches a fresh Logic, declares its client slots,
// opens the client (and UI) endpoints, waits for everyone, and delivers the
// initial messages. The turn loop is created but not started.
func (s *Supervisor) NewGame(options []string, uiTimeout, clientTimeout time.Duration) error {
	s.gameMu.Lock()
	defer s.gameMu.Unlock()

	s.mu.Lock()
	running := s.loop != nil && !s.loop.Finished()
	s.mu.Unlock()
	if running {
		return errors.Wrap(network.ErrInvalidState, "a game is already in progress")
	}

	logic, err := s.factory(options)
	if err != nil {
		return errors.Wrap(err, "game factory")
	}
	if err := logic.Init(); err != nil {
		return errors.Wrap(err, "game init")
	}

	s.pool.Terminate()
	if err := s.pool.OmitAllClients(); err != nil {
		return err
	}
	infos := logic.ClientInfos()
	for i, info := range infos {
		if info.ID != i {
			return errors.Wrapf(ErrIDMismatch, "slot %d declared id %d", i, info.ID)
		}
		id, err := s.pool.DefineClient(info.Token)
		if err != nil {
			return err
		}
		if id != i {
			return errors.Wrapf(ErrIDMismatch, "slot %d assigned id %d", i, id)
		}
	}

	s.mu.Lock()
	prevPipeline := s.pipeline
	s.mu.Unlock()
	if prevPipeline != nil {
		prevPipeline.Shutdown()
	}
	pipeline, err := output.NewPipeline(s.cfg.OutputHandler, uiSinkOrNil(s.ui))
	if err != nil {
		return err
	}

	if s.ui != nil {
		if !s.ui.IsListening() {
			if err := s.ui.Listen(); err != nil {
				pipeline.Shutdown()
				return err
			}
		}
		if err := s.pool.Listen(); err != nil {
			pipeline.Shutdown()
			return err
		}
		if err := s.ui.WaitForClient(uiTimeout); err != nil {
			pipeline.Shutdown()
			return errors.Wrap(err, "waiting for ui client")
		}
		if err := s.pool.WaitForAllClients(clientTimeout); err != nil {
			pipeline.Shutdown()
			return errors.Wrap(err, "waiting for game clients")
		}
		if init := logic.UIInitialMessage(); init != nil {
			if err := s.ui.SendBlocking(init); err != nil {
				pipeline.Shutdown()
				return errors.Wrap(err, "sending ui initial message")
			}
		}
	} else {
		if err := s.pool.Listen(); err != nil {
			pipeline.Shutdown()
			return err
		}
		if err := s.pool.WaitForAllClients(clientTimeout); err != nil {
			pipeline.Shutdown()
			return errors.Wrap(err, "waiting for game clients")
		}
	}

	for i, msg := range logic.ClientInitialMessages() {
		if msg != nil {
			s.pool.Queue(i, msg)
		}
	}
	s.pool.SendAllBlocking()

	loop := NewTurnLoop(logic, s.pool, pipeline, s.cfg.TurnTimeout)
	s.router.SetEventSink(loop)
	matchID := uuid.NewString()
	s.mu.Lock()
	s.pipeline = pipeline
	s.loop = loop
	s.logic = logic
	s.matchID = matchID
	s.matchStart = time.Now()
	s.clients = len(infos)
	s.mu.Unlock()
	utils.LogInfof("Match %s ready with %d clients", matchID, len(infos))
	return nil
}

// StartGame launches the current match's turn loop.
func (s *Supervisor) StartGame() error {
	s.gameMu.Lock()
	defer s.gameMu.Unlock()
	s.mu.Lock()
	loop := s.loop
	matchID := s.matchID
	s.mu.Unlock()
	if loop == nil {
		return errors.Wrap(network.ErrInvalidState, "no game prepared")
	}
	if err := loop.Start(); err != nil {
		return err
	}
	utils.LogInfof("Match %s started", matchID)
	go func() {
		loop.WaitForFinish()
		s.archiveMatch(loop)
	}()
	return nil
}

// WaitForFinish blocks until the current match's loop completes. Returns
// immediately when no game was started.
func (s *Supervisor) WaitForFinish() {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil && loop.State() != LoopIdle {
		loop.WaitForFinish()
	}
}

func (s *Supervisor) archiveMatch(loop *TurnLoop) {
	if s.matches == nil {
		return
	}
	s.mu.Lock()
	matchID, started, clients := s.matchID, s.matchStart, s.clients
	s.mu.Unlock()
	finished := time.Now()
	if err := s.matches.SaveMatch(matchID, started, finished, loop.Turn(), clients); err != nil {
		utils.LogWarnf("Archiving match %s failed: %v", matchID, err)
		return
	}
	utils.LogInfof("Match %s archived (%d turns, finished %s)", matchID, loop.Turn(), utils.FormatTimeRFC3339(finished))
}

// Shutdown stops the turn loop and tears down every endpoint. Idempotent.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		utils.LogInfo("Supervisor shutting down")
		s.mu.Lock()
		loop := s.loop
		pipeline := s.pipeline
		s.mu.Unlock()
		if loop != nil {
			loop.Stop()
			if loop.State() != LoopIdle {
				loop.WaitForFinish()
			}
		}
		s.terminal.Terminate()
		if s.ui != nil {
			s.ui.Terminate()
		}
		s.pool.Terminate()
		s.pool.OmitAllClients()
		if pipeline != nil {
			pipeline.Shutdown()
		}
		if s.matches != nil {
			s.matches.Close()
		}
		close(s.done)
	})
}

func (s *Supervisor) registerCommands() {
	s.router.Register("status", s.cmdStatus)
	s.router.Register("newGame", s.cmdNewGame)
	s.router.Register("startGame", s.cmdStartGame)
	s.router.Register("exit", s.cmdExit)
	s.router.Register("waitForFinish", s.cmdWaitForFinish)
	s.router.Register("help", s.cmdHelp)
}

func (s *Supervisor) cmdStatus(msg *protocol.Message) *protocol.Message {
	s.mu.Lock()
	loop := s.loop
	matchID := s.matchID
	clients := s.clients
	s.mu.Unlock()

	state := LoopIdle
	turn := 0
	if loop != nil {
		state = loop.State()
		turn = loop.Turn()
	}
	connected := 0
	for i := 0; i < s.pool.Size(); i++ {
		if s.pool.IsConnected(i) {
			connected++
		}
	}
	return protocol.NewReport(
		fmt.Sprintf("state: %s", state),
		fmt.Sprintf("match: %s", matchID),
		fmt.Sprintf("turn: %d", turn),
		fmt.Sprintf("clients: %d/%d connected", connected, clients),
	)
}

func (s *Supervisor) cmdNewGame(msg *protocol.Message) *protocol.Message {
	options := stringArgs(msg)
	if err := s.NewGame(options, DefaultUIWait, DefaultClientWait); err != nil {
		return protocol.NewReport(fmt.Sprintf("newGame failed: %v", err))
	}
	return protocol.NewReport("New game is ready.")
}

func (s *Supervisor) cmdStartGame(msg *protocol.Message) *protocol.Message {
	if err := s.StartGame(); err != nil {
		return protocol.NewReport(fmt.Sprintf("startGame failed: %v", err))
	}
	return protocol.NewReport("Game started.")
}

func (s *Supervisor) cmdExit(msg *protocol.Message) *protocol.Message {
	go s.Shutdown()
	return protocol.NewReport("Server is shutting down.")
}

func (s *Supervisor) cmdWaitForFinish(msg *protocol.Message) *protocol.Message {
	s.WaitForFinish()
	return protocol.NewReport("Game finished.")
}

func (s *Supervisor) cmdHelp(msg *protocol.Message) *protocol.Message {
	lines := make([]interface{}, 0)
	for _, name := range s.router.CommandNames() {
		lines = append(lines, name)
	}
	return protocol.NewReport(lines...)
}

func stringArgs(msg *protocol.Message) []string {
	args := make([]string, 0, len(msg.Args))
	for _, a := range msg.Args {
		if s, ok := a.(string); ok {
			args = append(args, s)
		}
	}
	return args
}

// uiSinkOrNil avoids handing the pipeline a typed-nil interface when the
// spectator endpoint is disabled.
func uiSinkOrNil(ui *network.UIServer) output.UISink {
	if ui == nil {
		return nil
	}
	return ui
}

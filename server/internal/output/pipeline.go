package output

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/configs"
	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// UISendDeadline bounds every single spectator delivery attempt. On expiry
// the message stays at the head and is retried on the next tick.
const UISendDeadline = 1000 * time.Millisecond

// ErrQueueOverflow reports that the pipeline could not take a message even
// after applying its discard policy.
var ErrQueueOverflow = errors.New("output queue overflow")

// UISink is the delivery surface of the spectator endpoint the pipeline
// drains into.
type UISink interface {
	SendWithDeadline(msg *protocol.Message, d time.Duration) error
}

// Pipeline decouples the turn loop from slow output consumers. One bounded
// queue feeds a periodic spectator sender; a separate staging list batches
// messages to an append-only file; an optional Redis publisher mirrors every
// message for replay.
type Pipeline struct {
	cfg configs.OutputHandlerConfig
	ui  UISink

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []*protocol.Message
	fileStaging []*protocol.Message
	shutdown    bool

	fileCh   chan []*protocol.Message
	file     *os.File
	redis    *RedisSink
	quit     chan struct{}
	wg       sync.WaitGroup
	capacity int
}

// NewPipeline builds the pipeline and starts the workers of every enabled
// sink. ui may be nil when sendToUI is off.
func NewPipeline(cfg configs.OutputHandlerConfig, ui UISink) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		ui:       ui,
		fileCh:   make(chan []*protocol.Message, 1),
		quit:     make(chan struct{}),
		capacity: configs.QueueDefaultSize,
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.SendToFile {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening output file %s", cfg.FilePath)
		}
		p.file = f
		p.wg.Add(1)
		go p.fileWriter()
	}
	if cfg.SendToRedis {
		sink, err := NewRedisSink(cfg.RedisAddress, cfg.RedisChannel)
		if err != nil {
			if p.file != nil {
				p.file.Close()
			}
			return nil, err
		}
		p.redis = sink
	}
	if cfg.SendToUI {
		if ui == nil {
			return nil, errors.New("sendToUI enabled without a ui sink")
		}
		p.wg.Add(1)
		go p.uiTicker()
	}
	return p, nil
}

// PutMessage appends msg to the pipeline. When the queue is full the whole
// backlog is discarded (the policy is observable in the logs) and msg takes
// its place at the head of a fresh queue.
func (p *Pipeline) PutMessage(msg *protocol.Message) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return errors.Wrap(ErrQueueOverflow, "pipeline is shut down")
	}
	if len(p.queue) >= p.capacity {
		utils.LogWarnf("Output queue reached %d messages, discarding backlog", p.capacity)
		p.queue = nil
	}
	if len(p.queue) >= p.capacity {
		p.mu.Unlock()
		return ErrQueueOverflow
	}
	p.queue = append(p.queue, msg)

	var batch []*protocol.Message
	if p.cfg.SendToFile {
		p.fileStaging = append(p.fileStaging, msg)
		if len(p.fileStaging) >= p.cfg.BufferSize {
			batch = p.fileStaging
			p.fileStaging = nil
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if batch != nil {
		select {
		case p.fileCh <- batch:
		default:
			// Writer still busy with the previous batch; put the staging
			// back so nothing is lost and retry on a later put.
			p.mu.Lock()
			p.fileStaging = append(batch, p.fileStaging...)
			p.mu.Unlock()
		}
	}
	if p.redis != nil {
		p.redis.Publish(msg)
	}
	return nil
}

// QueueLen reports the number of messages waiting for the spectator sink.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// uiTicker fires every timeInterval. Each fire waits for a non-empty queue,
// then attempts to deliver the head under the per-send deadline; only a
// completed send pops the head.
func (p *Pipeline) uiTicker() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Duration(p.cfg.TimeInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		head := p.queue[0]
		p.mu.Unlock()

		if err := p.ui.SendWithDeadline(head, UISendDeadline); err != nil {
			utils.LogDebugf("UI delivery attempt failed, retrying next tick: %v", err)
			continue
		}

		p.mu.Lock()
		if len(p.queue) > 0 && p.queue[0] == head {
			p.queue = p.queue[1:]
		}
		p.mu.Unlock()
	}
}

// fileWriter appends handed-off batches to the output file, one batch at a
// time, one JSON object per line.
func (p *Pipeline) fileWriter() {
	defer p.wg.Done()
	for batch := range p.fileCh {
		for _, msg := range batch {
			line, err := json.Marshal(msg)
			if err != nil {
				utils.LogErrorf("Skipping unserializable output message: %v", err)
				continue
			}
			if _, err := p.file.Write(append(line, '\n')); err != nil {
				utils.LogErrorf("Output file write failed: %v", err)
			}
		}
	}
}

// Shutdown stops the spectator ticker, flushes the remaining file staging,
// waits for the writer to drain and closes every sink.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	remainder := p.fileStaging
	p.fileStaging = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.quit)
	if p.cfg.SendToFile {
		if len(remainder) > 0 {
			p.fileCh <- remainder
		}
		close(p.fileCh)
	}
	p.wg.Wait()
	if p.file != nil {
		p.file.Close()
	}
	if p.redis != nil {
		p.redis.Close()
	}
	utils.LogInfo("Output pipeline shut down")
}

package output

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

const redisPublishTimeout = 2 * time.Second

// replayEntry is the published payload: the message plus the millisecond
// timestamp it left the pipeline, so consumers can replay with real pacing.
type replayEntry struct {
	TS      int64             `json:"ts"`
	Message *protocol.Message `json:"message"`
}

// RedisSink mirrors pipeline messages onto a Redis channel so external
// consumers can replay a match live. Delivery is best-effort: a slow or
// absent broker never blocks the caller.
type RedisSink struct {
	client  *redis.Client
	channel string

	msgs chan *protocol.Message
	quit chan struct{}
	done chan struct{}

	dropped int64
}

// NewRedisSink connects to the broker and starts the publish worker.
func NewRedisSink(address, channel string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: address})
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", address)
	}
	s := &RedisSink{
		client:  client,
		channel: channel,
		msgs:    make(chan *protocol.Message, 1024),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.worker()
	utils.LogInfof("Redis sink connected to %s, channel %s", address, channel)
	return s, nil
}

// Publish queues msg for the broker. Drops (and counts) when the worker is
// backed up.
func (s *RedisSink) Publish(msg *protocol.Message) {
	select {
	case s.msgs <- msg:
	default:
		s.dropped++
		utils.LogWarnf("Redis sink backlog full, dropped message %q", msg.Name)
	}
}

func (s *RedisSink) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case msg := <-s.msgs:
			payload, err := json.Marshal(replayEntry{TS: utils.GetCurrentTimestampMS(), Message: msg})
			if err != nil {
				utils.LogErrorf("Redis sink skipping unserializable message: %v", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
			err = s.client.Publish(ctx, s.channel, payload).Err()
			cancel()
			if err != nil {
				utils.LogWarnf("Redis publish failed: %v", err)
			}
		}
	}
}

// Close stops the worker and releases the connection.
func (s *RedisSink) Close() {
	close(s.quit)
	<-s.done
	s.client.Close()
}

package events

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 5 * time.Second

// RedisBridge relays every bus event onto a Redis channel so external
// consumers (the chat gateway, live dashboards) can follow the stream
// without a direct subscription. Relay is best effort; a publish failure
// is logged and the event dropped, never retried.
type RedisBridge struct {
	bus     *Bus
	client  *redis.Client
	channel string
	logger  *log.Logger

	sub    chan *Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRedisBridge wires a bridge from bus to the named Redis channel.
func NewRedisBridge(bus *Bus, client *redis.Client, channel string) *RedisBridge {
	return &RedisBridge{
		bus:     bus,
		client:  client,
		channel: channel,
		logger:  log.New(log.Writer(), "[EVENTBRIDGE] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start subscribes to the bus and begins relaying.
func (rb *RedisBridge) Start() {
	rb.sub = rb.bus.Subscribe()
	go rb.run()
	rb.logger.Printf("relaying events to redis channel %s", rb.channel)
}

func (rb *RedisBridge) run() {
	defer close(rb.doneCh)
	for {
		select {
		case <-rb.stopCh:
			return
		case ev, ok := <-rb.sub:
			if !ok {
				return
			}
			rb.relay(ev)
		}
	}
}

func (rb *RedisBridge) relay(ev *Event) {
	payload, err := ev.JSON()
	if err != nil {
		rb.logger.Printf("marshal event %s: %v", ev.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := rb.client.Publish(ctx, rb.channel, payload).Err(); err != nil {
		rb.logger.Printf("publish event %s (%s): %v", ev.ID, ev.Type, err)
	}
}

// Stop halts relaying and detaches from the bus.
func (rb *RedisBridge) Stop() {
	close(rb.stopCh)
	<-rb.doneCh
	rb.bus.Unsubscribe(rb.sub)
}

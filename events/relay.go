package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"

	"github.com/nzlov/dinesync/protocol"
)

// RelayMessage is what goes over the redis channel.
type RelayMessage struct {
	NodeName  string `json:"node_name"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// Relay republishes local domain events on a redis channel and dispatches
// events published by other nodes locally. Its own messages are skipped.
type Relay struct {
	rdb     *redis.Client
	name    string
	channel string
	d       *Dispatcher
	log     *zap.SugaredLogger

	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRelay(rdb *redis.Client, name, channel string, d *Dispatcher, log *zap.SugaredLogger) *Relay {
	if name == "" {
		name = time.Now().Format("Node-20060102150405")
	}
	if channel == "" {
		channel = "dinesync:events"
	}
	return &Relay{
		rdb:     rdb,
		name:    name,
		channel: channel,
		d:       d,
		log:     log.With("relay", name, "channel", channel),
	}
}

func (r *Relay) Name() string { return r.name }

// Start subscribes and returns once the subscription is confirmed.
func (r *Relay) Start(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("events: subscribe %s: %w", r.channel, err)
	}
	r.pubsub = ps
	r.done = make(chan struct{})
	go r.receive(ps.Channel())
	r.log.Info("relay started")
	return nil
}

func (r *Relay) receive(msgs <-chan *redis.Message) {
	defer close(r.done)
	for msg := range msgs {
		r.handle(msg.Payload)
	}
}

func (r *Relay) handle(payload string) {
	defer func() {
		if err := recover(); err != nil {
			r.log.Errorw("relay handler panic", "panic", err)
		}
	}()
	var m RelayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.log.Warnw("relay json", "error", err, "payload", payload)
		return
	}
	if m.NodeName == r.name {
		return
	}
	entity, op, ok := protocol.ParseDomainEventType(m.Type)
	if !ok {
		r.log.Warnw("relay unknown event", "type", m.Type, "from", m.NodeName)
		return
	}
	r.log.Debugw("relay received", "type", m.Type, "from", m.NodeName)
	r.d.Dispatch(protocol.DomainEvent{Type: m.Type, Entity: entity, Op: op})
}

// Publish sends ev to the other nodes.
func (r *Relay) Publish(ctx context.Context, ev protocol.DomainEvent) error {
	data, err := json.Marshal(RelayMessage{
		NodeName:  r.name,
		Timestamp: time.Now().Unix(),
		Type:      ev.Type,
	})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Close unsubscribes and waits for the receive loop to finish.
func (r *Relay) Close() error {
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	<-r.done
	r.pubsub = nil
	return err
}

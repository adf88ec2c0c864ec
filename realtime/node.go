// Package realtime wires the session, the channel manager and the
// components that listen on channels into one Node.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"

	"github.com/nzlov/dinesync/call"
	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/chat"
	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/events"
	"github.com/nzlov/dinesync/inbox"
	"github.com/nzlov/dinesync/protocol"
	"github.com/nzlov/dinesync/session"
)

// relayQueue bounds domain events waiting to be published to the relay.
const relayQueue = 64

// Backend is the REST collaborator. *backend.Client implements it.
type Backend interface {
	inbox.Backend
	chat.History
}

type RelayConfig struct {
	Enable  bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Name    string `json:"name" yaml:"name" mapstructure:"name"`
	Channel string `json:"channel" yaml:"channel" mapstructure:"channel"`
}

type Config struct {
	Channel channel.Config `json:"channel" yaml:"channel" mapstructure:"channel"`
	Call    call.Config    `json:"call" yaml:"call" mapstructure:"call"`
	Relay   RelayConfig    `json:"relay" yaml:"relay" mapstructure:"relay"`
	// InboxRefresh refetches the conversation list periodically; zero
	// only fetches on Start.
	InboxRefresh time.Duration `json:"inbox_refresh" yaml:"inbox_refresh" mapstructure:"inbox_refresh"`
}

type Deps struct {
	Session *session.Session
	Backend Backend
	Clock   clock.Clock
	// Transport defaults to pion peer connections built from Config.Call.
	Transport call.TransportFactory
	// Redis is required when Config.Relay is enabled.
	Redis *redis.Client
	Log   *zap.SugaredLogger
}

// Node is the real-time core for one principal.
type Node struct {
	cfg   Config
	sess  *session.Session
	clock clock.Clock
	log   *zap.SugaredLogger

	manager  *channel.Manager
	inbox    *inbox.Aggregator
	chat     *chat.Session
	calls    *call.Machine
	dispatch *events.Dispatcher
	relay    *events.Relay

	// conv serializes conversation switches.
	conv sync.Mutex

	// relayq feeds domain events to the relay off the feed goroutine.
	relayq chan protocol.DomainEvent

	mu        sync.Mutex
	principal session.Principal
	feed      *channel.Channel
	feedState channel.State
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Node, error) {
	if deps.Session == nil {
		return nil, fmt.Errorf("realtime: %w", session.ErrNoSession)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := deps.Log
	if log == nil {
		log = zap.S()
	}
	manager, err := channel.NewManager(cfg.Channel, deps.Session, clk, log.With("component", "channel"))
	if err != nil {
		return nil, err
	}
	transport := deps.Transport
	if transport == nil {
		transport = call.PionFactory(cfg.Call)
	}

	n := &Node{
		cfg:       cfg,
		sess:      deps.Session,
		clock:     clk,
		log:       log,
		manager:   manager,
		dispatch:  events.NewDispatcher(log.With("component", "events")),
		calls:     call.New(manager, transport, log.With("component", "call")),
		feedState: channel.StateClosed,
	}

	n.inbox = inbox.New(manager, deps.Backend, clk, log.With("component", "inbox"))

	var opts []chat.Option
	if p, err := deps.Session.Principal(); err == nil && p.IsGuest() {
		opts = append(opts, chat.AsDevice(), chat.WithSender(p.DeviceID))
	} else if err == nil {
		opts = append(opts, chat.WithSender(string(p.Role)))
	}
	n.chat = chat.New(manager, deps.Backend, clk, log.With("component", "chat"), opts...)

	if cfg.Relay.Enable {
		if deps.Redis == nil {
			return nil, fmt.Errorf("realtime: relay enabled without redis")
		}
		n.relay = events.NewRelay(deps.Redis, cfg.Relay.Name, cfg.Relay.Channel, n.dispatch, log.With("component", "relay"))
		n.relayq = make(chan protocol.DomainEvent, relayQueue)
	}
	return n, nil
}

// Start opens the channels the principal needs. Dashboards get the
// global feed, the conversation list and a background channel per
// conversation. A guest device gets its own conversation and listens for
// calls on its own call channel.
func (n *Node) Start(ctx context.Context) error {
	p, err := n.sess.Principal()
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.principal = p
	n.stop = make(chan struct{})
	n.mu.Unlock()
	n.log.Infow("starting", "restaurant", p.RestaurantID, "device", p.DeviceID, "role", p.Role)

	if n.relay != nil {
		if err := n.relay.Start(ctx); err != nil {
			return err
		}
		n.wg.Add(1)
		go n.publishLoop(n.stop)
	}

	if p.IsGuest() {
		if err := n.calls.Listen(p.DeviceID); err != nil {
			return err
		}
		return n.chat.Open(ctx, p.DeviceID)
	}

	if err := n.openFeed(p.RestaurantID); err != nil {
		return err
	}
	if err := n.inbox.Refresh(ctx); err != nil {
		// Degraded: live channels still work without the list.
		n.log.Warnw("conversation list unavailable", "error", err)
	}
	if n.cfg.InboxRefresh > 0 {
		n.wg.Add(1)
		go n.refreshLoop(n.stop)
	}
	return nil
}

func (n *Node) openFeed(restaurantID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c *channel.Channel
	c, err := n.manager.Open(channel.TopicGlobal, restaurantID, n.onFeed, func(s channel.State, err error) {
		n.mu.Lock()
		if n.feed == c {
			n.feedState = s
		}
		n.mu.Unlock()
		if s == channel.StateClosed {
			n.log.Warnw("global feed closed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	n.feed = c
	n.feedState = channel.StateConnecting
	return nil
}

// ReopenFeed reopens the global feed after it closed.
func (n *Node) ReopenFeed() error {
	n.mu.Lock()
	p := n.principal
	n.mu.Unlock()
	if p.IsGuest() || p.RestaurantID == "" {
		return fmt.Errorf("realtime: no global feed for this principal")
	}
	return n.openFeed(p.RestaurantID)
}

// onFeed routes each global feed variant to the one component that owns
// it.
func (n *Node) onFeed(msg protocol.Message) {
	switch v := msg.(type) {
	case protocol.DomainEvent:
		n.dispatch.Dispatch(v)
		if n.relayq != nil {
			select {
			case n.relayq <- v:
			default:
				n.log.Warnw("relay queue full, event not shared", "type", v.Type)
			}
		}
	case protocol.IncomingCall, protocol.CallAccepted, protocol.CallEnded:
		n.calls.Handle(v)
	default:
		n.log.Infow("unexpected message on global feed", "message", fmt.Sprintf("%T", msg))
	}
}

func (n *Node) publishLoop(stop <-chan struct{}) {
	defer n.wg.Done()
	for {
		select {
		case ev := <-n.relayq:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := n.relay.Publish(ctx, ev); err != nil {
				n.log.Warnw("relay publish", "type", ev.Type, "error", err)
			}
			cancel()
		case <-stop:
			return
		}
	}
}

func (n *Node) refreshLoop(stop <-chan struct{}) {
	defer n.wg.Done()
	for {
		select {
		case <-n.clock.After(n.cfg.InboxRefresh):
		case <-stop:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.InboxRefresh)
		if err := n.inbox.Refresh(ctx); err != nil {
			n.log.Warnw("inbox refresh", "error", err)
		}
		cancel()
	}
}

// OpenConversation makes id the active conversation. The chat session's
// channel replaces the background one, and the inbox entry is reset.
func (n *Node) OpenConversation(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("realtime: %w", chat.ErrNoConversation)
	}
	n.conv.Lock()
	defer n.conv.Unlock()
	n.chat.Close()
	n.inbox.OpenInbox(id)
	if err := n.chat.Open(ctx, id); err != nil {
		n.inbox.Deactivate()
		return err
	}
	return nil
}

// LeaveConversation closes the active conversation and puts it back on
// background tracking.
func (n *Node) LeaveConversation() {
	n.conv.Lock()
	defer n.conv.Unlock()
	n.chat.Close()
	n.inbox.Deactivate()
}

func (n *Node) Send(text string) (chat.Message, error) {
	return n.chat.Send(text)
}

func (n *Node) Inbox() *inbox.Aggregator   { return n.inbox }
func (n *Node) Chat() *chat.Session        { return n.chat }
func (n *Node) Calls() *call.Machine       { return n.calls }
func (n *Node) Events() *events.Dispatcher { return n.dispatch }
func (n *Node) Manager() *channel.Manager  { return n.manager }

func (n *Node) Principal() session.Principal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.principal
}

func (n *Node) FeedState() channel.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.feedState
}

// Close tears every channel down.
func (n *Node) Close() {
	n.mu.Lock()
	if n.stop != nil {
		close(n.stop)
		n.stop = nil
	}
	feed := n.feed
	n.feed = nil
	n.feedState = channel.StateClosed
	n.mu.Unlock()
	n.wg.Wait()

	n.calls.Close()
	n.chat.Close()
	n.inbox.Close()
	if feed != nil {
		feed.Close()
	}
	if n.relay != nil {
		if err := n.relay.Close(); err != nil {
			n.log.Infow("relay close", "error", err)
		}
	}
	n.manager.CloseAll()
	n.log.Info("closed")
}

package channel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/session"
)

// PrincipalSource supplies the principal used to address channels.
// *session.Session implements it.
type PrincipalSource interface {
	Principal() (session.Principal, error)
}

// Key identifies a channel.
type Key struct {
	Topic Topic
	Key   string
}

// Manager owns every open channel. At most one channel exists per Key;
// opening an existing Key closes the previous channel first.
type Manager struct {
	cfg    Config
	base   string
	source PrincipalSource
	dialer *websocket.Dialer
	clock  clock.Clock
	log    *zap.SugaredLogger

	mu       sync.Mutex
	channels map[Key]*Channel
}

func NewManager(cfg Config, source PrincipalSource, clk clock.Clock, log *zap.SugaredLogger) (*Manager, error) {
	base, err := WebSocketBase(cfg.BaseURL, cfg.WSURL)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		cfg:      cfg,
		base:     base,
		source:   source,
		dialer:   cfg.dialer(),
		clock:    clk,
		log:      log,
		channels: map[Key]*Channel{},
	}, nil
}

// Open starts connecting a channel for (topic, key) and returns at once.
// Errors are only returned for addressing problems; connection results
// arrive through onState.
func (m *Manager) Open(topic Topic, key string, onMessage MessageHandler, onState StateHandler) (*Channel, error) {
	p, err := m.source.Principal()
	if err != nil {
		return nil, fmt.Errorf("channel: open %s/%s: %w", topic, key, err)
	}
	u, err := BuildURL(m.base, topic, key, p.Token)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		topic:     topic,
		key:       key,
		url:       u,
		cfg:       m.cfg,
		dialer:    m.dialer,
		clock:     m.clock,
		log:       m.log.With("topic", topic, "key", key),
		onMessage: onMessage,
		onState:   onState,
		onExit:    m.forget,
		state:     StateConnecting,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	k := Key{Topic: topic, Key: key}
	m.mu.Lock()
	old := m.channels[k]
	m.channels[k] = c
	m.mu.Unlock()
	if old != nil {
		m.log.Infow("replacing channel", "topic", topic, "key", key)
		old.Close()
	}

	go c.run()
	return c, nil
}

func (m *Manager) forget(c *Channel) {
	k := Key{Topic: c.topic, Key: c.key}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[k] == c {
		delete(m.channels, k)
	}
}

// Get returns the current channel for (topic, key).
func (m *Manager) Get(topic Topic, key string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[Key{Topic: topic, Key: key}]
	return c, ok
}

// Close closes the channel for (topic, key) and reports whether one
// existed.
func (m *Manager) Close(topic Topic, key string) bool {
	k := Key{Topic: topic, Key: key}
	m.mu.Lock()
	c, ok := m.channels[k]
	delete(m.channels, k)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

// CloseAll closes every channel the manager owns.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Channel, 0, len(m.channels))
	for k, c := range m.channels {
		all = append(all, c)
		delete(m.channels, k)
	}
	m.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}

// Keys lists the keys of open channels on topic, sorted.
func (m *Manager) Keys(topic Topic) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := []string{}
	for k := range m.channels {
		if k.Topic == topic {
			keys = append(keys, k.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

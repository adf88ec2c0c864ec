// Package chat is the active conversation: its ordered history and its
// dedicated chat channel.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nzlov/dinesync/backend"
	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/protocol"
)

var (
	ErrEmptyMessage   = errors.New("chat: empty message")
	ErrNoConversation = errors.New("chat: no active conversation")
)

// Message is one displayed chat line.
type Message struct {
	Text         string `json:"text"`
	IsFromDevice bool   `json:"is_from_device"`
	SenderTag    string `json:"sender_tag,omitempty"`
	TimestampMs  int64  `json:"timestamp_ms"`
	Nonce        string `json:"nonce,omitempty"`
	// Pending is set on a local copy until the server echoes it back.
	Pending bool `json:"pending,omitempty"`
}

type History interface {
	FetchMessages(ctx context.Context, conversationID string) ([]backend.HistoryMessage, error)
}

type Opener interface {
	Open(topic channel.Topic, key string, onMessage channel.MessageHandler, onState channel.StateHandler) (*channel.Channel, error)
}

type Session struct {
	opener  Opener
	history History
	clock   clock.Clock
	log     *zap.SugaredLogger
	// fromDevice marks what this side sends: a guest device sends as the
	// device, dashboards as staff.
	fromDevice bool
	senderTag  string

	mu             sync.Mutex
	conversationID string
	ch             *channel.Channel
	messages       []Message
	onMessage      func(conversationID string, m Message)
	onState        channel.StateHandler
}

type Option func(*Session)

// AsDevice makes outbound messages count as sent by the guest device.
func AsDevice() Option { return func(s *Session) { s.fromDevice = true } }

// WithSender sets the sender tag stamped on local copies.
func WithSender(tag string) Option { return func(s *Session) { s.senderTag = tag } }

func New(opener Opener, history History, clk clock.Clock, log *zap.SugaredLogger, opts ...Option) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Session{opener: opener, history: history, clock: clk, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnMessage registers fn for every message appended to the active
// conversation, local copies included.
func (s *Session) OnMessage(fn func(conversationID string, m Message)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnState registers fn for state changes of the active channel.
func (s *Session) OnState(fn channel.StateHandler) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Open makes id the active conversation. History is fetched first and
// replaces whatever was held; the dedicated channel is opened after.
// A previously active conversation is closed.
func (s *Session) Open(ctx context.Context, id string) error {
	var history []Message
	if s.history != nil {
		stored, err := s.history.FetchMessages(ctx, id)
		if err != nil {
			return err
		}
		sort.SliceStable(stored, func(i, j int) bool { return stored[i].Timestamp.Before(stored[j].Timestamp) })
		history = make([]Message, 0, len(stored))
		for _, m := range stored {
			history = append(history, Message{
				Text:         m.Message,
				IsFromDevice: m.IsFromDevice,
				SenderTag:    m.Sender,
				TimestampMs:  m.Timestamp.UnixMilli(),
			})
		}
	}

	s.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
	s.messages = history

	var c *channel.Channel
	c, err := s.opener.Open(channel.TopicChat, id,
		func(msg protocol.Message) { s.receive(c, msg) },
		func(state channel.State, err error) { s.state(c, state, err) })
	if err != nil {
		s.conversationID = ""
		return err
	}
	s.ch = c
	return nil
}

// Close leaves the active conversation and closes its channel. History
// is kept until the next Open.
func (s *Session) Close() {
	s.mu.Lock()
	c := s.ch
	s.ch = nil
	s.conversationID = ""
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Send writes text on the active channel and appends a pending local
// copy. Nothing is written and nothing is appended on error.
func (s *Session) Send(text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	s.mu.Lock()
	if s.ch == nil {
		s.mu.Unlock()
		return Message{}, ErrNoConversation
	}
	nonce := uuid.NewString()
	payload, err := protocol.EncodeChat(text, nonce)
	if err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	if err := s.ch.Send(payload); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	m := Message{
		Text:         text,
		IsFromDevice: s.fromDevice,
		SenderTag:    s.senderTag,
		TimestampMs:  s.clock.Now().UnixMilli(),
		Nonce:        nonce,
		Pending:      true,
	}
	s.messages = append(s.messages, m)
	id, fn := s.conversationID, s.onMessage
	s.mu.Unlock()

	if fn != nil {
		fn(id, m)
	}
	return m, nil
}

func (s *Session) receive(c *channel.Channel, msg protocol.Message) {
	cm, ok := msg.(protocol.ChatMessage)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.ch != c {
		s.mu.Unlock()
		return
	}
	if cm.Nonce != "" {
		for i := len(s.messages) - 1; i >= 0; i-- {
			if s.messages[i].Pending && s.messages[i].Nonce == cm.Nonce {
				s.messages[i].Pending = false
				s.mu.Unlock()
				return
			}
		}
	}
	m := Message{
		Text:         cm.Text,
		IsFromDevice: cm.IsFromDevice,
		SenderTag:    cm.Sender,
		TimestampMs:  s.clock.Now().UnixMilli(),
		Nonce:        cm.Nonce,
	}
	s.messages = append(s.messages, m)
	id, fn := s.conversationID, s.onMessage
	s.mu.Unlock()

	if fn != nil {
		fn(id, m)
	}
}

func (s *Session) state(c *channel.Channel, state channel.State, err error) {
	s.mu.Lock()
	if s.ch != c {
		s.mu.Unlock()
		return
	}
	fn := s.onState
	s.mu.Unlock()
	if state == channel.StateClosed {
		s.log.Infow("chat channel closed", "conversation", c.Key(), "error", err)
	}
	if fn != nil {
		fn(state, err)
	}
}

// ConversationID is the active conversation, or "" if none.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the history in display order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// State is the active channel's state; closed when there is none.
func (s *Session) State() channel.State {
	s.mu.Lock()
	c := s.ch
	s.mu.Unlock()
	if c == nil {
		return channel.StateClosed
	}
	return c.State()
}

// Package inbox keeps unread counters and previews for every known
// conversation by listening on background chat channels.
//
// The set of background channels is always the known conversations minus
// the active one. The active conversation belongs to the chat session;
// the aggregator never counts its messages.
package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nzlov/dinesync/backend"
	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/protocol"
)

// Entry is the inbox state of one conversation.
type Entry struct {
	ConversationID string    `json:"conversation_id"`
	UnreadCount    int       `json:"unread_count"`
	HasNew         bool      `json:"has_new"`
	LastActivityAt time.Time `json:"last_activity_at"`
	LastPreview    string    `json:"last_preview"`
}

// Opener opens channels. *channel.Manager implements it.
type Opener interface {
	Open(topic channel.Topic, key string, onMessage channel.MessageHandler, onState channel.StateHandler) (*channel.Channel, error)
}

// Backend is the REST side of the inbox. *backend.Client implements it.
type Backend interface {
	ListConversations(ctx context.Context) ([]backend.Conversation, error)
	MarkRead(ctx context.Context, conversationID string) (int, error)
}

type Aggregator struct {
	opener  Opener
	backend Backend
	clock   clock.Clock
	log     *zap.SugaredLogger

	mu         sync.Mutex
	entries    map[string]*Entry
	background map[string]*channel.Channel
	active     string
	total      int
	onChange   func(Entry)

	wg sync.WaitGroup
}

// New returns an empty aggregator. b may be nil, in which case Refresh
// and mark-as-read are unavailable.
func New(opener Opener, b Backend, clk clock.Clock, log *zap.SugaredLogger) *Aggregator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Aggregator{
		opener:     opener,
		backend:    b,
		clock:      clk,
		log:        log,
		entries:    map[string]*Entry{},
		background: map[string]*channel.Channel{},
	}
}

// OnChange registers fn to receive a copy of every entry that changes.
// fn runs on the goroutine that caused the change.
func (a *Aggregator) OnChange(fn func(Entry)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Refresh fetches the conversation list, reconciles entries against it
// and reseeds the global unread total from the server counts.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if a.backend == nil {
		return nil
	}
	convs, err := a.backend.ListConversations(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(convs))
	total := 0
	for _, c := range convs {
		ids = append(ids, c.DeviceID)
		total += c.UnreadCount
	}
	a.Sync(ids)
	a.mu.Lock()
	a.total = total
	a.mu.Unlock()
	return nil
}

// Sync reconciles the known conversations with ids. New ids get a zero
// entry and a background channel; vanished ids lose both. Known
// conversations whose background channel dropped get a new one.
func (a *Aggregator) Sync(ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = struct{}{}
		}
	}

	a.mu.Lock()
	var created []Entry
	for id := range a.entries {
		if _, ok := want[id]; !ok {
			delete(a.entries, id)
			a.stopBackground(id)
			a.log.Infow("conversation removed", "conversation", id)
		}
	}
	for id := range want {
		if _, ok := a.entries[id]; !ok {
			a.entries[id] = &Entry{ConversationID: id}
			created = append(created, *a.entries[id])
		}
		if id != a.active {
			a.startBackground(id)
		}
	}
	fn := a.onChange
	a.mu.Unlock()

	if fn != nil {
		for _, e := range created {
			fn(e)
		}
	}
}

// OpenInbox makes id the active conversation: its background channel is
// torn down, its counters are reset at once without waiting for the
// server, and the previously active conversation goes back to background
// tracking. The server is told in the background.
func (a *Aggregator) OpenInbox(id string) Entry {
	a.mu.Lock()
	prev := a.active
	a.active = id
	a.stopBackground(id)
	if prev != "" && prev != id {
		if _, ok := a.entries[prev]; ok {
			a.startBackground(prev)
		}
	}
	e, ok := a.entries[id]
	if !ok {
		e = &Entry{ConversationID: id}
		a.entries[id] = e
	}
	e.UnreadCount = 0
	e.HasNew = false
	snapshot := *e
	fn := a.onChange
	if a.backend != nil {
		a.wg.Add(1)
		go a.markRead(id)
	}
	a.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
	return snapshot
}

// Deactivate clears the active conversation and resumes background
// tracking for it. The chat session must already have closed its channel.
func (a *Aggregator) Deactivate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.active
	a.active = ""
	if _, ok := a.entries[id]; ok {
		a.startBackground(id)
	}
}

func (a *Aggregator) markRead(id string) {
	defer a.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := a.backend.MarkRead(ctx, id)
	if err != nil {
		a.log.Warnw("mark as read failed", "conversation", id, "error", err)
		return
	}
	a.mu.Lock()
	a.total -= n
	if a.total < 0 {
		a.total = 0
	}
	a.mu.Unlock()
}

// startBackground opens a background channel for id unless one is live.
// Caller holds a.mu.
func (a *Aggregator) startBackground(id string) {
	if c, ok := a.background[id]; ok {
		if c.State() != channel.StateClosed {
			return
		}
		// replaced or closed without a callback
		delete(a.background, id)
	}
	var c *channel.Channel
	c, err := a.opener.Open(channel.TopicChat, id,
		func(msg protocol.Message) { a.record(id, msg) },
		func(state channel.State, err error) {
			if state != channel.StateClosed {
				return
			}
			a.mu.Lock()
			if a.background[id] == c {
				delete(a.background, id)
			}
			a.mu.Unlock()
			a.log.Infow("background channel closed", "conversation", id, "error", err)
		})
	if err != nil {
		a.log.Warnw("open background channel", "conversation", id, "error", err)
		return
	}
	a.background[id] = c
}

// stopBackground closes the background channel for id. Caller holds a.mu.
func (a *Aggregator) stopBackground(id string) {
	if c, ok := a.background[id]; ok {
		delete(a.background, id)
		c.Close()
	}
}

func (a *Aggregator) record(id string, msg protocol.Message) {
	cm, ok := msg.(protocol.ChatMessage)
	if !ok {
		return
	}
	a.mu.Lock()
	e, known := a.entries[id]
	if !known || id == a.active {
		a.mu.Unlock()
		return
	}
	e.UnreadCount++
	e.HasNew = true
	e.LastActivityAt = a.clock.Now()
	e.LastPreview = cm.Text
	a.total++
	snapshot := *e
	fn := a.onChange
	a.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// Snapshot returns a copy of every entry.
func (a *Aggregator) Snapshot() map[string]Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Entry, len(a.entries))
	for id, e := range a.entries {
		out[id] = *e
	}
	return out
}

// List returns entries most recent activity first.
func (a *Aggregator) List() []Entry {
	snap := a.Snapshot()
	out := make([]Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

func (a *Aggregator) Entry(id string) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (a *Aggregator) Active() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Total is the global unread badge: the server's count at the last
// Refresh, plus background arrivals, minus what mark-as-read cleared.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Background lists conversations with a live background channel.
func (a *Aggregator) Background() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.background))
	for id := range a.background {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every background channel and waits for pending
// mark-as-read calls.
func (a *Aggregator) Close() {
	a.mu.Lock()
	for id := range a.background {
		a.stopBackground(id)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Package events fans coarse domain events out to local listeners and,
// optionally, to other processes over redis.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nzlov/dinesync/protocol"
)

// Listener decides for itself whether an event is relevant.
type Listener func(ev protocol.DomainEvent)

type subscription struct {
	id int
	fn Listener
}

// Dispatcher delivers every event to every attached listener, in the
// order events are dispatched and in subscription order within an event.
type Dispatcher struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	next      int
	listeners []subscription
}

func NewDispatcher(log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Subscribe attaches fn and returns a function that detaches it.
func (d *Dispatcher) Subscribe(fn Listener) (unsubscribe func()) {
	d.mu.Lock()
	d.next++
	id := d.next
	d.listeners = append(d.listeners, subscription{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.listeners {
				if s.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch calls the listeners attached at the time of the call. A
// panicking listener is logged and does not stop delivery to the rest.
func (d *Dispatcher) Dispatch(ev protocol.DomainEvent) {
	d.mu.Lock()
	listeners := d.listeners
	d.mu.Unlock()

	d.log.Debugw("dispatch", "type", ev.Type, "listeners", len(listeners))
	for _, s := range listeners {
		d.call(s.fn, ev)
	}
}

func (d *Dispatcher) call(fn Listener, ev protocol.DomainEvent) {
	defer func() {
		if err := recover(); err != nil {
			d.log.Errorw("listener panic", "type", ev.Type, "panic", err)
		}
	}()
	fn(ev)
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// Package events carries runtime notifications from the tool layer to
// interested subscribers (UI, audit sinks, metrics).
package events

import (
	"sync"

	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/skalene/mcpkit", "events")

// Event is a marker for bus payloads.
type Event interface {
	EventName() string
}

// ToolCalled is emitted after every tool invocation, success or not.
type ToolCalled struct {
	ToolName       string
	ServerName     string
	Success        bool
	ResponseTimeMs int64
}

func (ToolCalled) EventName() string { return "tool_called" }

// ServerRestarted is emitted after a successful automatic restart.
type ServerRestarted struct {
	Name string
}

func (ServerRestarted) EventName() string { return "server_restarted" }

// ServerFailed is emitted when a server transitions to a failed state.
type ServerFailed struct {
	Name   string
	Reason string
}

func (ServerFailed) EventName() string { return "server_failed" }

// Bus fans events out to subscriber channels. Publishing never blocks:
// a subscriber that cannot keep up loses events rather than stalling
// tool execution.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a buffered subscriber channel. Subscribing to a
// closed bus returns an already-closed channel.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber that has buffer room.
// Publishing to a closed bus is a no-op, so a call racing shutdown
// cannot send on a closed channel.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.KV(xlog.DEBUG, "reason", "subscriber_full", "event", ev.EventName())
		}
	}
}

// Close closes all subscriber channels. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

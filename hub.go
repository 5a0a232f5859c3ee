// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventKind is the type field of an event frame.
type EventKind int

const (
	EventConsole EventKind = 0
	EventLog     EventKind = 1
)

func (k EventKind) String() string {
	switch k {
	case EventConsole:
		return "console"
	case EventLog:
		return "log"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one frame on the event channel. For log events ID is the
// process-wide sequence id; for console replies it echoes the request id.
type Event struct {
	Kind EventKind `json:"type"`
	ID   int64     `json:"id"`
	Data string    `json:"data"`
}

// Marshal returns the JSON frame for e.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ConsoleRequest is what an observer sends to run a console line.
type ConsoleRequest struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
}

// Conn is a persistent connection owned by the network layer.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// DefaultOutboxSize is how many frames may wait for one connection's writer
// before the connection is dropped.
const DefaultOutboxSize = 256

// Entry is one registered connection. Frames for it are queued on a bounded
// outbox and written by its own goroutine.
type Entry struct {
	ID string

	conn   Conn
	outbox chan []byte
	done   chan struct{}
	closed atomic.Bool

	consoleOnce sync.Once
	console     Console
}

// Closed reports whether the entry has been tombstoned.
func (e *Entry) Closed() bool {
	return e.closed.Load()
}

// enqueue queues frame without blocking. It reports false when the entry is
// closed or its outbox is full.
func (e *Entry) enqueue(frame []byte) bool {
	if e.closed.Load() {
		return false
	}
	select {
	case e.outbox <- frame:
		return true
	default:
		return false
	}
}

// Hub is the registry of live connections and the only place events are
// broadcast from. Closed connections are tombstoned and swept later, never
// while a broadcast is iterating.
type Hub struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry

	// held for the whole of a broadcast and of a sweep
	broadcastMu sync.Mutex
	seq         atomic.Int64

	consoles   ConsoleFactory
	outboxSize int
	sweepCh    chan struct{}
	log        zerolog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithConsoles sets the factory for per-connection consoles.
func WithConsoles(f ConsoleFactory) HubOption {
	return func(h *Hub) { h.consoles = f }
}

// WithOutboxSize bounds the frames queued per connection.
func WithOutboxSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.outboxSize = n
		}
	}
}

// NewHub creates a hub. log must not write back into this hub.
func NewHub(log zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		byID:       make(map[string]*Entry),
		outboxSize: DefaultOutboxSize,
		sweepCh:    make(chan struct{}, 1),
		log:        log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds conn as an active entry with a fresh id and starts its
// writer.
func (h *Hub) Register(conn Conn) *Entry {
	e := &Entry{
		ID:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan []byte, h.outboxSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.byID[e.ID] = e
	h.mu.Unlock()
	go h.writeLoop(e)
	h.log.Debug().Str("conn", e.ID).Msg("connection registered")
	return e
}

func (h *Hub) writeLoop(e *Entry) {
	for {
		select {
		case <-e.done:
			return
		case frame := <-e.outbox:
			if err := e.conn.WriteMessage(frame); err != nil {
				h.log.Debug().Str("conn", e.ID).Err(err).Msg("event write failed, connection tombstoned")
				h.drop(e)
				return
			}
		}
	}
}

// Tombstone marks the entry dead. It stays registered until the next sweep.
func (h *Hub) Tombstone(id string) {
	h.mu.RLock()
	e := h.byID[id]
	h.mu.RUnlock()
	if e != nil && h.tombstone(e) {
		h.log.Debug().Str("conn", id).Msg("connection closed")
	}
}

// tombstone stops e's writer and reports whether this call closed it.
func (h *Hub) tombstone(e *Entry) bool {
	if e.closed.Swap(true) {
		return false
	}
	close(e.done)
	select {
	case h.sweepCh <- struct{}{}:
	default:
	}
	return true
}

// drop tombstones e and closes its connection so the network layer lets go
// of it. The close runs on its own goroutine; a stuck peer must not hold up
// the caller.
func (h *Hub) drop(e *Entry) {
	if h.tombstone(e) {
		go func() { _ = e.conn.Close() }()
	}
}

// Sweep removes tombstoned entries and returns how many it removed.
func (h *Hub) Sweep() int {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()
	return h.sweepLocked()
}

func (h *Hub) sweepLocked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.entries[:0]
	removed := 0
	for _, e := range h.entries {
		if e.closed.Load() {
			delete(h.byID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(h.entries[len(kept):])
	h.entries = kept
	return removed
}

// Broadcast assigns the next sequence id and queues the event for every
// active entry. It never waits on a connection: an entry whose outbox is full
// is dropped and delivery to the rest goes on. Write failures tombstone the
// entry from its writer.
func (h *Hub) Broadcast(kind EventKind, data string) Event {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	ev := Event{Kind: kind, ID: h.seq.Add(1) - 1, Data: data}
	h.sweepLocked()

	h.mu.RLock()
	targets := make([]*Entry, 0, len(h.entries))
	for _, e := range h.entries {
		if !e.closed.Load() {
			targets = append(targets, e)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return ev
	}

	frame, err := ev.Marshal()
	if err != nil {
		h.log.Error().Err(err).Int64("id", ev.ID).Msg("event not encodable")
		return ev
	}
	for _, e := range targets {
		if !e.enqueue(frame) {
			h.log.Debug().Str("conn", e.ID).Msg("outbox full, connection dropped")
			h.drop(e)
		}
	}
	return ev
}

// Send queues ev for a single entry.
func (h *Hub) Send(id string, ev Event) error {
	h.mu.RLock()
	e := h.byID[id]
	h.mu.RUnlock()
	if e == nil || e.closed.Load() {
		return fmt.Errorf("connection %s: %w", id, ErrClosed)
	}
	frame, err := ev.Marshal()
	if err != nil {
		return err
	}
	if !e.enqueue(frame) {
		h.drop(e)
		return fmt.Errorf("connection %s: outbox full: %w", id, ErrClosed)
	}
	return nil
}

// HandleConsole runs a console request in the entry's own session and
// answers only that entry.
func (h *Hub) HandleConsole(ctx context.Context, id string, req ConsoleRequest) error {
	h.mu.RLock()
	e := h.byID[id]
	h.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("connection %s: %w", id, ErrClosed)
	}
	out := "error: console disabled"
	if h.consoles != nil {
		e.consoleOnce.Do(func() { e.console = h.consoles(id) })
		out = e.console.Eval(ctx, req.Code)
	}
	return h.Send(id, Event{Kind: EventConsole, ID: req.ID, Data: out})
}

// Len returns the number of active entries.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, e := range h.entries {
		if !e.closed.Load() {
			n++
		}
	}
	return n
}

// Registered returns the number of entries including tombstoned ones.
func (h *Hub) Registered() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// NextSequence returns the id the next broadcast will get.
func (h *Hub) NextSequence() int64 {
	return h.seq.Load()
}

// Run sweeps on every tick and whenever a connection is tombstoned, then
// closes the remaining connections when ctx ends.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Sweep()
		case <-h.sweepCh:
			h.Sweep()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	entries := append([]*Entry(nil), h.entries...)
	h.mu.RUnlock()
	for _, e := range entries {
		h.tombstone(e)
		_ = e.conn.Close()
	}
	h.Sweep()
}

// Writer returns an io.Writer that broadcasts each write as a log event.
func (h *Hub) Writer() *HubWriter {
	return &HubWriter{hub: h}
}

// HubWriter adapts a Hub to a log sink.
type HubWriter struct {
	hub *Hub
}

func (w *HubWriter) Write(p []byte) (int, error) {
	line := string(p)
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	w.hub.Broadcast(EventLog, line)
	return len(p), nil
}

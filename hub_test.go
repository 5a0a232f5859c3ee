// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	dead   bool
	closed bool
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || c.closed {
		return errBrokenPipe
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = true
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitEvents waits for at least n frames to be written and decodes them.
func (c *fakeConn) waitEvents(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() >= n }, time.Second, time.Millisecond)
	return c.events(t)
}

func (c *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.frames))
	for i, f := range c.frames {
		require.NoError(t, json.Unmarshal(f, &out[i]))
	}
	return out
}

func TestBroadcastTombstonesDeadConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conns := make([]*fakeConn, 5)
	entries := make([]*Entry, 5)
	for i := range conns {
		conns[i] = &fakeConn{}
		entries[i] = hub.Register(conns[i])
	}
	conns[2].kill()

	ev := hub.Broadcast(EventLog, "first")
	assert.Equal(t, Event{Kind: EventLog, ID: 0, Data: "first"}, ev)

	for i, c := range conns {
		if i == 2 {
			continue
		}
		assert.Equal(t, []Event{ev}, c.waitEvents(t, 1), "conn %d", i)
	}
	require.Eventually(t, entries[2].Closed, time.Second, time.Millisecond)
	assert.Empty(t, conns[2].events(t))
	require.Eventually(t, conns[2].isClosed, time.Second, time.Millisecond)
	assert.Equal(t, 4, hub.Len())
	assert.Equal(t, 5, hub.Registered())

	// the next broadcast sweeps the tombstone first
	second := hub.Broadcast(EventLog, "second")
	assert.Equal(t, int64(1), second.ID)
	assert.Equal(t, 4, hub.Registered())
	for i, c := range conns {
		if i == 2 {
			continue
		}
		assert.Len(t, c.waitEvents(t, 2), 2, "conn %d", i)
	}
}

func TestSweepRemovesTombstones(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := hub.Register(&fakeConn{})
	b := hub.Register(&fakeConn{})

	hub.Tombstone(a.ID)
	hub.Tombstone(a.ID)
	hub.Tombstone("unknown")
	assert.True(t, a.Closed())
	assert.False(t, b.Closed())
	assert.Equal(t, 2, hub.Registered())
	assert.Equal(t, 1, hub.Len())

	assert.Equal(t, 1, hub.Sweep())
	assert.Equal(t, 0, hub.Sweep())
	assert.Equal(t, 1, hub.Registered())

	err := hub.Send(a.ID, Event{Kind: EventConsole})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSequenceIDsStrictlyIncrease(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	// ids are consumed even with nobody listening
	for i := int64(0); i < 3; i++ {
		assert.Equal(t, i, hub.Broadcast(EventLog, "x").ID)
	}
	assert.Equal(t, int64(3), hub.NextSequence())

	conn := &fakeConn{}
	hub.Register(conn)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				hub.Broadcast(EventLog, "y")
			}
		}()
	}
	wg.Wait()

	events := conn.waitEvents(t, 100)
	require.Len(t, events, 100)
	for i, ev := range events {
		assert.Equal(t, int64(3+i), ev.ID)
	}
	assert.Equal(t, int64(103), hub.NextSequence())
}

type echoConsole struct {
	id string
	n  int
}

func (c *echoConsole) Eval(_ context.Context, code string) string {
	c.n++
	return c.id[:4] + ":" + code + ":" + string(rune('0'+c.n))
}

func TestHandleConsoleAnswersOnlyOriginator(t *testing.T) {
	hub := NewHub(zerolog.Nop(), WithConsoles(func(id string) Console {
		return &echoConsole{id: id}
	}))
	ca, cb := &fakeConn{}, &fakeConn{}
	a := hub.Register(ca)
	b := hub.Register(cb)
	ctx := context.Background()

	require.NoError(t, hub.HandleConsole(ctx, a.ID, ConsoleRequest{ID: 7, Code: "x"}))
	require.NoError(t, hub.HandleConsole(ctx, a.ID, ConsoleRequest{ID: 8, Code: "y"}))
	require.NoError(t, hub.HandleConsole(ctx, b.ID, ConsoleRequest{ID: 7, Code: "z"}))

	assert.Equal(t, []Event{
		{Kind: EventConsole, ID: 7, Data: a.ID[:4] + ":x:1"},
		{Kind: EventConsole, ID: 8, Data: a.ID[:4] + ":y:2"},
	}, ca.waitEvents(t, 2))
	assert.Equal(t, []Event{
		{Kind: EventConsole, ID: 7, Data: b.ID[:4] + ":z:1"},
	}, cb.waitEvents(t, 1))

	// console replies never consume log sequence ids
	assert.Equal(t, int64(0), hub.NextSequence())

	err := hub.HandleConsole(ctx, "unknown", ConsoleRequest{ID: 1, Code: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandleConsoleDisabled(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := &fakeConn{}
	e := hub.Register(conn)
	require.NoError(t, hub.HandleConsole(context.Background(), e.ID, ConsoleRequest{ID: 1, Code: "1"}))
	assert.Equal(t, []Event{{Kind: EventConsole, ID: 1, Data: "error: console disabled"}}, conn.waitEvents(t, 1))
}

func TestHubWriter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := &fakeConn{}
	hub.Register(conn)

	w := hub.Writer()
	n, err := w.Write([]byte("line one\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	_, err = w.Write([]byte("line two"))
	require.NoError(t, err)

	assert.Equal(t, []Event{
		{Kind: EventLog, ID: 0, Data: "line one"},
		{Kind: EventLog, ID: 1, Data: "line two"},
	}, conn.waitEvents(t, 2))
}

func TestHubRunClosesOnShutdown(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conns := []*fakeConn{{}, {}}
	for _, c := range conns {
		hub.Register(c)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, time.Hour)
		close(done)
	}()

	dead := hub.Register(&fakeConn{})
	hub.Tombstone(dead.ID)
	require.Eventually(t, func() bool { return hub.Registered() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	for _, c := range conns {
		assert.True(t, c.isClosed())
	}
	assert.Equal(t, 0, hub.Registered())
}

// blockingConn never completes a write until it is closed.
type blockingConn struct {
	release chan struct{}
	once    sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{release: make(chan struct{})}
}

func (c *blockingConn) WriteMessage([]byte) error {
	<-c.release
	return errBrokenPipe
}

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return nil
}

func TestFullOutboxDropsConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop(), WithOutboxSize(2))
	stuck := newBlockingConn()
	slow := hub.Register(stuck)
	live := &fakeConn{}
	hub.Register(live)

	// one frame in the writer, two queued, the fourth overflows
	for i := 0; i < 4; i++ {
		hub.Broadcast(EventLog, "x")
		live.waitEvents(t, i+1)
	}
	require.Eventually(t, slow.Closed, time.Second, time.Millisecond)
	assert.ErrorIs(t, hub.Send(slow.ID, Event{Kind: EventConsole}), ErrClosed)

	hub.Broadcast(EventLog, "y")
	events := live.waitEvents(t, 5)
	assert.Equal(t, int64(4), events[4].ID)
	assert.Equal(t, 1, hub.Registered())
}

func TestStalledObserverDoesNotDelayCalls(t *testing.T) {
	logging := NewLogging("test", LogConfig{Out: io.Discard})
	hub := NewHub(zerolog.Nop(), WithOutboxSize(4))
	stuck := newBlockingConn()
	observer := hub.Register(stuck)
	log := logging.Attach(hub)

	r := NewRegistry()
	require.NoError(t, r.Mount("", newTestAPI()))
	engine := NewEngine(MustFormats(FormatJSON), NewExecutor(r, nil, log), log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			resp, err := engine.Dispatch(context.Background(), FormatJSON, []byte(`{"fn": "fail", "args": [], "kwargs": {}}`))
			if err != nil {
				t.Errorf("Dispatch: %v", err)
				return
			}
			if !strings.Contains(string(resp.Body), "always fails") {
				t.Errorf("unexpected reply %s", resp.Body)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("failing calls blocked behind a stalled observer")
	}
	require.Eventually(t, observer.Closed, time.Second, time.Millisecond)
}

func TestEventWireShape(t *testing.T) {
	data, err := Event{Kind: EventLog, ID: 42, Data: "hello"}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": 1, "id": 42, "data": "hello"}`, string(data))
	assert.Equal(t, "console", EventConsole.String())
	assert.Equal(t, "log", EventLog.String())
}

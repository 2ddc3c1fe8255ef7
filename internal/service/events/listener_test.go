package events

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/lumenboard/asyncevents/internal/stream"
	"github.com/lumenboard/asyncevents/internal/ws"
)

type subscriberStub struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *subscriberStub) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, append([]byte(nil), payload...))
	return nil
}

func (s *subscriberStub) Close() {}

func (s *subscriberStub) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func startListener(t *testing.T, store *storeStub, hub *ws.Hub) (context.CancelFunc, chan struct{}) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newTestService(t, store)
	listener := NewListener(svc, hub, "ws", logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		listener.Run(ctx)
		close(done)
	}()
	return cancel, done
}

func TestListenerDispatchesFirehoseEvents(t *testing.T) {
	store := &storeStub{readBatches: [][]stream.Entry{{
		{ID: "1607471525180-0", Values: map[string]string{"data": `{"channel_id": "chan-1", "job_id": "9", "status": "running"}`}},
	}}}
	hub := ws.NewHub()
	sub := &subscriberStub{}
	hub.Register("chan-1", sub)

	cancel, done := startListener(t, store, hub)
	defer cancel()

	waitFor(t, 2*time.Second, func() bool {
		return len(sub.received()) == 1
	})
	payload := string(sub.received()[0])
	if !strings.Contains(payload, `"id":"1607471525180-0"`) {
		t.Fatalf("expected entry id in payload, got %s", payload)
	}
	if !strings.Contains(payload, `"channel_id":"chan-1"`) {
		t.Fatalf("expected channel id in payload, got %s", payload)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(store.recordedReads()) >= 2
	})
	reads := store.recordedReads()
	first := reads[0]
	if first.stream != "async-events-full" {
		t.Fatalf("unexpected firehose stream %q", first.stream)
	}
	if first.afterID != "$" {
		t.Fatalf("expected tail read, got %q", first.afterID)
	}
	if first.count != 100 || first.block != 5*time.Second {
		t.Fatalf("unexpected read paging %d/%s", first.count, first.block)
	}
	if reads[1].afterID != "1607471525180-0" {
		t.Fatalf("expected cursor to advance, got %q", reads[1].afterID)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

func TestListenerSkipsUndeliverableEntries(t *testing.T) {
	store := &storeStub{readBatches: [][]stream.Entry{{
		{ID: "1-0", Values: map[string]string{"other": "no data field"}},
		{ID: "2-0", Values: map[string]string{"data": `{"job_id": "9"}`}},
		{ID: "3-0", Values: map[string]string{"data": `{"channel_id": "chan-1", "job_id": "9", "status": "done"}`}},
	}}}
	hub := ws.NewHub()
	sub := &subscriberStub{}
	hub.Register("chan-1", sub)

	cancel, done := startListener(t, store, hub)
	defer cancel()

	waitFor(t, 2*time.Second, func() bool {
		return len(sub.received()) == 1
	})
	if payload := string(sub.received()[0]); !strings.Contains(payload, `"id":"3-0"`) {
		t.Fatalf("expected only the well-formed entry, got %s", payload)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

func TestListenerStopsOnContextCancel(t *testing.T) {
	store := &storeStub{}
	cancel, done := startListener(t, store, ws.NewHub())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

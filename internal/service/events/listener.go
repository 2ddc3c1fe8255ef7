package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/lumenboard/asyncevents/internal/metrics"
	"github.com/lumenboard/asyncevents/internal/stream"
	"github.com/lumenboard/asyncevents/internal/ws"
)

const (
	listenBlock   = 5 * time.Second
	listenBatch   = 100
	listenBackoff = time.Second
)

// Listener tails the firehose stream and fans events out to connected
// push-transport subscribers by channel id.
type Listener struct {
	svc       Service
	hub       *ws.Hub
	transport string
	logger    *slog.Logger
	once      sync.Once
}

// NewListener constructs a firehose listener feeding hub.
func NewListener(svc Service, hub *ws.Hub, transport string, logger *slog.Logger) *Listener {
	if hub == nil {
		hub = ws.NewHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		svc:       svc,
		hub:       hub,
		transport: transport,
		logger:    logger.With("component", "firehose_listener"),
	}
}

// Run tails the firehose until the context is cancelled. Subscribers
// only receive events published after the listener started; anything
// older reaches clients through the backlog replay on subscribe.
func (l *Listener) Run(ctx context.Context) {
	if l == nil {
		return
	}
	firehose := l.svc.prefix + firehoseSuffix
	l.once.Do(func() {
		l.logger.Info("firehose listener started", "stream", firehose)
	})
	lastID := stream.TailID
	for {
		if ctx.Err() != nil {
			l.logger.Info("firehose listener stopped")
			return
		}
		entries, err := l.svc.store.Read(ctx, firehose, lastID, listenBatch, listenBlock)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("firehose listener stopped")
				return
			}
			metrics.IncStreamError("read")
			l.logger.Warn("firehose read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(listenBackoff):
			}
			continue
		}
		for _, entry := range entries {
			lastID = entry.ID
			l.dispatch(entry)
		}
	}
}

// dispatch routes one firehose entry to its channel's subscribers.
// Undecodable entries are skipped so a single bad producer cannot stall
// delivery for everyone.
func (l *Listener) dispatch(entry stream.Entry) {
	record, err := decodeEntry(entry)
	if err != nil {
		l.logger.Warn("skipping undecodable firehose entry", "entry_id", entry.ID, "error", err)
		return
	}
	channel, _ := record["channel_id"].(string)
	if channel == "" {
		l.logger.Warn("skipping firehose entry without channel", "entry_id", entry.ID)
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		l.logger.Warn("failed to marshal firehose event", "entry_id", entry.ID, "error", err)
		return
	}
	l.hub.Broadcast(channel, payload)
	metrics.IncEventsDelivered(l.transport)
}

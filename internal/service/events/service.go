// Package events implements the async job notification channel:
// workers publish job status updates onto per-session streams and
// clients read them back by channel id.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"log/slog"

	"github.com/lumenboard/asyncevents/internal/domain"
	"github.com/lumenboard/asyncevents/internal/metrics"
	"github.com/lumenboard/asyncevents/internal/stream"
	"github.com/lumenboard/asyncevents/pkg/config"
)

// maxEventCount bounds one read page.
const maxEventCount = 100

// firehoseSuffix names the stream receiving every event regardless of channel.
const firehoseSuffix = "full"

var (
	// ErrStoreUnavailable indicates the stream store could not be reached.
	ErrStoreUnavailable = errors.New("events: stream store unavailable")
	// ErrMalformedEvent indicates a stored entry whose payload cannot be decoded.
	ErrMalformedEvent = errors.New("events: malformed event payload")
	// ErrMissingChannel rejects operations without a channel id.
	ErrMissingChannel = errors.New("events: channel_id required")
	// ErrMissingJob rejects job updates without a job id.
	ErrMissingJob = errors.New("events: job_id required")
	// ErrInvalidStatus rejects job updates with an unknown status.
	ErrInvalidStatus = errors.New("events: invalid job status")
)

// Service reads and publishes job status events.
type Service struct {
	store         stream.Store
	logger        *slog.Logger
	prefix        string
	streamLimit   int64
	firehoseLimit int64
}

// New constructs the events service.
func New(store stream.Store, logger *slog.Logger, cfg config.APIConfig) (Service, error) {
	if store == nil {
		return Service{}, errors.New("events: nil store")
	}
	if strings.TrimSpace(cfg.StreamPrefix) == "" {
		return Service{}, errors.New("events: empty stream prefix")
	}
	streamLimit := cfg.StreamLimit
	if streamLimit <= 0 {
		streamLimit = 1000
	}
	firehoseLimit := cfg.StreamLimitFirehose
	if firehoseLimit <= 0 {
		firehoseLimit = 1000000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		store:         store,
		logger:        logger,
		prefix:        cfg.StreamPrefix,
		streamLimit:   streamLimit,
		firehoseLimit: firehoseLimit,
	}, nil
}

// ReadEvents returns events published on channel after lastID, oldest
// first, at most one page. An empty lastID reads from the start of the
// log; otherwise the read resumes exclusively after lastID.
func (s Service) ReadEvents(ctx context.Context, channel, lastID string) ([]map[string]any, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, ErrMissingChannel
	}
	start := stream.RangeStart
	if lastID != "" {
		start = incrementID(lastID)
	}
	entries, err := s.store.Range(ctx, s.prefix+channel, start, stream.RangeEnd, maxEventCount)
	if err != nil {
		metrics.IncStreamError("range")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	records := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		record, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	metrics.AddEventsRead(len(records))
	return records, nil
}

// UpdateJob publishes one job status update to the job's channel
// stream and to the firehose stream. It returns the entry id assigned
// to the channel stream event.
func (s Service) UpdateJob(ctx context.Context, meta domain.JobMetadata) (string, error) {
	if strings.TrimSpace(meta.ChannelID) == "" {
		return "", ErrMissingChannel
	}
	if strings.TrimSpace(meta.JobID) == "" {
		return "", ErrMissingJob
	}
	switch meta.Status {
	case domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusError, domain.JobStatusDone:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, meta.Status)
	}
	if meta.Errors == nil {
		meta.Errors = []domain.ErrorDetail{}
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("events: marshal job metadata: %w", err)
	}
	values := map[string]any{"data": string(data)}

	scoped := s.prefix + meta.ChannelID
	s.logger.Debug("publishing job event", "stream", scoped, "job_id", meta.JobID, "status", meta.Status)
	id, err := s.store.Append(ctx, scoped, values, s.streamLimit)
	if err != nil {
		metrics.IncStreamError("append")
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := s.store.Append(ctx, s.prefix+firehoseSuffix, values, s.firehoseLimit); err != nil {
		metrics.IncStreamError("append")
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	metrics.IncEventsPublished(meta.Status)
	return id, nil
}

// Ping reports stream store connectivity.
func (s Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// decodeEntry turns a raw log entry into the client-facing record: the
// JSON document under the data field with the entry id overlaid.
func decodeEntry(entry stream.Entry) (map[string]any, error) {
	data, ok := entry.Values["data"]
	if !ok {
		return nil, fmt.Errorf("%w: entry %s has no data field", ErrMalformedEvent, entry.ID)
	}
	record := map[string]any{}
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %v", ErrMalformedEvent, entry.ID, err)
	}
	record["id"] = entry.ID
	return record, nil
}

// incrementID advances a stream entry id by one sequence step so a
// resumed range read excludes the entry already seen. Ids not shaped
// like <ms>-<seq> are returned unchanged.
func incrementID(id string) string {
	parts := strings.Split(id, "-")
	if len(parts) != 2 {
		return id
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return id
	}
	return parts[0] + "-" + strconv.FormatInt(seq+1, 10)
}

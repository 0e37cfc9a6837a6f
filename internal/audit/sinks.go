package audit

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{log: l}
}

func (s *LogSink) Publish(_ context.Context, e Event) error {
	s.log.Info().
		Str("event_id", e.ID).
		Str("client_id", e.ClientID).
		Str("resource", e.Resource).
		Bool("allowed", e.Allowed).
		Int64("timestamp", e.Timestamp).
		Msg("rate limit decision")
	return nil
}

// StreamSink appends events to a Redis stream, trimmed to roughly maxLen entries.
type StreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewStreamSink(client redis.UniversalClient, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = "rate-limit:audit"
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Publish(ctx context.Context, e Event) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":        e.ID,
			"clientId":  e.ClientID,
			"resource":  e.Resource,
			"allowed":   strconv.FormatBool(e.Allowed),
			"timestamp": strconv.FormatInt(e.Timestamp, 10),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

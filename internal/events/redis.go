package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "referra:events"

// StreamAdder is the subset of the Redis client the stream sink needs.
// *redis.Client satisfies it.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends events to a Redis stream from a background goroutine.
// Publish never blocks; when the buffer is full the event is dropped with a
// warning.
type RedisStream struct {
	client StreamAdder
	stream string
	maxLen int64
	logger *slog.Logger

	ch      chan Event
	dropped atomic.Int64
}

// RedisStreamOptions configures a RedisStream.
type RedisStreamOptions struct {
	Stream string
	Buffer int
	// MaxLen caps the stream length approximately. Zero leaves it unbounded.
	MaxLen int64
	Logger *slog.Logger
}

// NewRedisStream returns a sink writing through client. Call Run to start
// delivery.
func NewRedisStream(client StreamAdder, opts RedisStreamOptions) *RedisStream {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisStream{
		client: client,
		stream: opts.Stream,
		maxLen: opts.MaxLen,
		logger: opts.Logger,
		ch:     make(chan Event, opts.Buffer),
	}
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Publish implements Sink.
func (s *RedisStream) Publish(e Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		s.logger.Warn("event stream buffer full, dropping event", "kind", string(e.Kind), "event_id", e.ID)
	}
}

// Dropped returns how many events were dropped because the buffer was full.
func (s *RedisStream) Dropped() int64 {
	return s.dropped.Load()
}

// Run delivers buffered events until ctx is cancelled, then makes one
// bounded attempt to flush what is left.
func (s *RedisStream) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case e := <-s.ch:
			s.write(ctx, e)
		}
	}
}

func (s *RedisStream) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-s.ch:
			s.write(ctx, e)
		default:
			return
		}
	}
}

func (s *RedisStream) write(ctx context.Context, e Event) {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: e.Fields(),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.logger.Error("failed to append event to stream", "stream", s.stream, "kind", string(e.Kind), "error", err)
	}
}

package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends JSON lines to a rotated file.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

func NewFileSink(path string, maxSizeMB, maxBackups int) *FileSink {
	return &FileSink{out: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		LocalTime:  true,
	}}
}

func (s *FileSink) Write(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("Ошибка сериализации события: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(b); err != nil {
		return fmt.Errorf("Ошибка записи файла атрибуции: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	return s.out.Close()
}

// StreamAdder is the part of the redis client the sink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink publishes every event to a capped redis stream.
type RedisSink struct {
	client  StreamAdder
	stream  string
	maxLen  int64
	timeout time.Duration
	closer  func() error
}

func NewRedisSink(addr, stream string) *RedisSink {
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewRedisSinkWith(client, stream)
	s.closer = client.Close
	return s
}

func NewRedisSinkWith(client StreamAdder, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: 100_000, timeout: 2 * time.Second}
}

func (s *RedisSink) Write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("Ошибка сериализации события: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":     string(ev.Kind),
			"group_id": ev.GroupID,
			"ts":       ev.TS.UnixMilli(),
			"data":     string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("Ошибка XADD в %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// MultiSink writes to every sink and reports all failures.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

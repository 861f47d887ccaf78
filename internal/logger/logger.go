// Package logger implements a non-blocking, batched exchange logger.
//
// Every generate request produces one Exchange record describing how it was
// served: which provider answered, how many upstream calls it took, whether
// a failover hop or a model substitution happened. Records go to a buffered
// channel and are written in batches by a background goroutine, so logging
// never blocks the request path. If the channel fills up (> 10 000 entries),
// new entries are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Exchange is one inbound request and its outcome.
type Exchange struct {
	ID        uuid.UUID
	RequestID string

	PrimaryProvider string
	Provider        string
	RequestedModel  string
	Model           string

	IsFailover  bool
	Substituted bool
	Attempts    int

	InputTokens  int
	OutputTokens int

	Latency   time.Duration
	Status    int
	ErrorCode string
	CreatedAt time.Time
}

type Logger struct {
	ch        chan Exchange
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Exchange, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues e. It never blocks; a full buffer drops the entry.
func (l *Logger) Log(e Exchange) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes everything still queued and stops the writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Exchange, 0, batchSize)

	flush := func(ctx context.Context) {
		for _, e := range batch {
			l.write(ctx, e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) write(ctx context.Context, e Exchange) {
	attrs := []slog.Attr{
		slog.String("id", e.ID.String()),
		slog.String("request_id", e.RequestID),
		slog.String("primary_provider", e.PrimaryProvider),
		slog.String("provider", e.Provider),
		slog.String("requested_model", e.RequestedModel),
		slog.String("model", e.Model),
		slog.Bool("is_failover", e.IsFailover),
		slog.Bool("substituted", e.Substituted),
		slog.Int("attempts", e.Attempts),
		slog.Int("input_tokens", e.InputTokens),
		slog.Int("output_tokens", e.OutputTokens),
		slog.Int64("latency_ms", e.Latency.Milliseconds()),
		slog.Int("status", e.Status),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	}
	if e.ErrorCode != "" {
		attrs = append(attrs, slog.String("error", e.ErrorCode))
	}
	l.log.LogAttrs(ctx, slog.LevelInfo, "exchange", attrs...)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

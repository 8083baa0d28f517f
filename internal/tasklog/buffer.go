// Package tasklog buffers the per-task progress log. Entries accumulate
// in memory and reach the store in batches: a background flusher drains
// everything on an interval, a per-task threshold forces that task out
// early, and any warning-or-worse entry forces everything out so failures
// are never stuck in memory.
package tasklog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/factorlab/factorlab/internal/config"
	"github.com/factorlab/factorlab/internal/persistence"
)

// Log levels.
const (
	LevelDebug    = "debug"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// FlushMetrics records flush outcomes. Implemented by the HTTP layer's
// metrics registry; nil disables recording.
type FlushMetrics interface {
	RecordLogFlush(reason string, entries int)
}

// Buffer is the buffered task-log sink. Safe for concurrent use.
type Buffer struct {
	logs    persistence.LogRepo
	tasks   persistence.TaskRepo
	metrics FlushMetrics
	log     zerolog.Logger

	interval  time.Duration
	threshold int
	drain     time.Duration

	// flushMu serializes flush I/O so batches for one task reach the
	// store in enqueue order.
	flushMu sync.Mutex

	mu     sync.Mutex
	queues map[string][]persistence.LogEntry
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBuffer builds a buffer and starts its background flusher. metrics
// may be nil.
func NewBuffer(logs persistence.LogRepo, tasks persistence.TaskRepo, cfg config.RuntimeConfig, metrics FlushMetrics, log zerolog.Logger) *Buffer {
	interval := cfg.LogFlushInterval.D()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	threshold := cfg.LogFlushThreshold
	if threshold <= 0 {
		threshold = 50
	}
	drain := cfg.LogDrainTimeout.D()
	if drain <= 0 {
		drain = 10 * time.Second
	}
	b := &Buffer{
		logs:      logs,
		tasks:     tasks,
		metrics:   metrics,
		log:       log,
		interval:  interval,
		threshold: threshold,
		drain:     drain,
		queues:    make(map[string][]persistence.LogEntry),
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Add enqueues one entry. Detail pairs become per-key debug entries right
// after the parent, in key order. Entries arriving after Shutdown are
// dropped silently.
func (b *Buffer) Add(taskID, factorID string, stage int, level, message string, details map[string]string) {
	now := persistence.NowString()
	entry := persistence.LogEntry{
		TaskID:    taskID,
		FactorID:  factorID,
		Level:     level,
		Message:   message,
		Timestamp: now,
		Stage:     stage,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queues[taskID] = append(b.queues[taskID], entry)
	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.queues[taskID] = append(b.queues[taskID], persistence.LogEntry{
				TaskID:    taskID,
				FactorID:  factorID,
				Level:     LevelDebug,
				Message:   k + ": " + details[k],
				Timestamp: now,
				Stage:     stage,
			})
		}
	}
	pending := len(b.queues[taskID])
	b.mu.Unlock()

	switch {
	case level == LevelError || level == LevelCritical || level == LevelWarning:
		b.flushAll("severity")
	case pending >= b.threshold:
		b.flushTask(taskID, "threshold")
	}
}

// Tail reads stored entries after the given ordinal. Entries still in the
// buffer become visible once a flush lands.
func (b *Buffer) Tail(ctx context.Context, taskID, afterOrdinal string, limit int) ([]persistence.LogEntry, string, error) {
	return b.logs.Tail(ctx, taskID, afterOrdinal, limit)
}

// Shutdown stops the flusher, waits for it up to the drain timeout, and
// flushes whatever remains. Idempotent.
func (b *Buffer) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)

	ctx, cancel := context.WithTimeout(ctx, b.drain)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = ctx.Err()
	}

	b.flushAll("shutdown")
	return err
}

// run is the background flusher.
func (b *Buffer) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flushAll("interval")
		case <-b.done:
			return
		}
	}
}

// flushTask drains one task's queue to the store.
func (b *Buffer) flushTask(taskID, reason string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	entries := b.queues[taskID]
	delete(b.queues, taskID)
	b.mu.Unlock()

	b.write(taskID, entries, reason)
}

// flushAll drains every queue.
func (b *Buffer) flushAll(reason string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	queues := b.queues
	b.queues = make(map[string][]persistence.LogEntry)
	b.mu.Unlock()

	for taskID, entries := range queues {
		b.write(taskID, entries, reason)
	}
}

// write stamps and stores one task's batch, then mirrors the newest entry
// onto the task record. Store failures are logged and the batch dropped;
// the task log is best-effort history, not the source of truth.
func (b *Buffer) write(taskID string, entries []persistence.LogEntry, reason string) {
	if len(entries) == 0 {
		return
	}
	now := persistence.NowString()
	for i := range entries {
		entries[i].LogID = persistence.NewID()
		entries[i].CreatedAt = now
		entries[i].UpdatedAt = now
	}

	ctx := context.Background()
	if err := b.logs.Append(ctx, entries); err != nil {
		b.log.Warn().Err(err).
			Str("task_id", taskID).
			Int("entries", len(entries)).
			Msg("task log flush failed")
		return
	}
	if b.metrics != nil {
		b.metrics.RecordLogFlush(reason, len(entries))
	}

	newest := entries[len(entries)-1]
	if err := b.tasks.SetLastLog(ctx, taskID, newest.Message, newest.Timestamp, newest.Level, newest.Stage); err != nil {
		b.log.Warn().Err(err).
			Str("task_id", taskID).
			Msg("task last-log mirror failed")
	}
}

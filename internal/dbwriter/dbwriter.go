// Package dbwriter implements the Write Serializer (C2): one background
// goroutine per database file that owns every write to that file, so
// concurrent callers never collide on SQLITE_BUSY under WAL mode.
package dbwriter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentcore/substrate/internal/logging"
	"github.com/agentcore/substrate/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

const (
	initialBackoff = 20 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
	maxAttempts    = 8

	// queueWarnThreshold/queueErrorThreshold mirror the original thresholds
	// for flagging a writer that's falling behind its callers.
	queueWarnThreshold  = 50
	queueErrorThreshold = 100
)

// WriteFunc is a unit of work run inside a single transaction on the
// owning goroutine. Returning an error rolls the transaction back.
type WriteFunc func(tx *sql.Tx) (any, error)

type job struct {
	fn     WriteFunc
	result chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// Writer serializes all writes to one SQLite database file through a
// single background goroutine.
type Writer struct {
	path string
	db   *sql.DB
	log  zerolog.Logger

	queue chan job
	stop  chan struct{}
	done  chan struct{}

	mu            sync.Mutex
	highWaterMark int
	stopOnce      sync.Once
}

var registryMu sync.Mutex
var registry = map[string]*Writer{}
var constructGroup singleflight.Group

// Get returns the singleton Writer for path, opening the database and
// starting its background goroutine on first use. Concurrent callers
// racing to construct the same new path collapse onto one singleflight
// call so the database is only opened once.
func Get(path string, busyTimeout time.Duration) (*Writer, error) {
	registryMu.Lock()
	if w, ok := registry[path]; ok {
		registryMu.Unlock()
		return w, nil
	}
	registryMu.Unlock()

	v, err, _ := constructGroup.Do(path, func() (any, error) {
		registryMu.Lock()
		defer registryMu.Unlock()
		if w, ok := registry[path]; ok {
			return w, nil
		}

		db, err := open(path, busyTimeout)
		if err != nil {
			return nil, err
		}

		w := &Writer{
			path:  path,
			db:    db,
			log:   logging.WithComponent("write-serializer"),
			queue: make(chan job, 256),
			stop:  make(chan struct{}),
			done:  make(chan struct{}),
		}
		go w.run()
		registry[path] = w
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Writer), nil
}

// Reset clears the singleton registry. Tests only.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, w := range registry {
		w.Stop()
	}
	registry = map[string]*Writer{}
}

func open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbwriter: open %s: %w", path, err)
	}
	// A single physical connection: SQLite serializes writers anyway, and
	// the goroutine above is the only writer, so one conn avoids the
	// driver juggling a pool against a WAL file it doesn't need to.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbwriter: apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// DB exposes the underlying *sql.DB for read-only callers (internal/dbconn).
// Writers must go through Submit, never db.Exec directly.
func (w *Writer) DB() *sql.DB { return w.db }

// Submit enqueues fn to run inside a transaction on the writer goroutine
// and blocks until it commits, rolls back, or ctx is cancelled.
func (w *Writer) Submit(ctx context.Context, fn WriteFunc) (any, error) {
	j := job{fn: fn, result: make(chan jobResult, 1)}

	select {
	case w.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.stop:
		return nil, errors.New("dbwriter: writer stopped")
	}

	depth := len(w.queue)
	metrics.WriterQueueDepth.WithLabelValues(w.path).Set(float64(depth))
	w.noteDepth(depth)

	select {
	case r := <-j.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Writer) noteDepth(depth int) {
	w.mu.Lock()
	if depth > w.highWaterMark {
		w.highWaterMark = depth
		metrics.WriterQueueHighWaterMark.WithLabelValues(w.path).Set(float64(depth))
	}
	w.mu.Unlock()

	switch {
	case depth > queueErrorThreshold:
		w.log.Error().Int("depth", depth).Str("db", w.path).Msg("write queue depth critical")
	case depth > queueWarnThreshold:
		w.log.Warn().Int("depth", depth).Str("db", w.path).Msg("write queue depth elevated")
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case j := <-w.queue:
			w.process(j)
		case <-w.stop:
			// Drain anything already queued before exiting so callers
			// blocked in Submit don't hang forever.
			for {
				select {
				case j := <-w.queue:
					w.process(j)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) process(j job) {
	start := time.Now()
	value, err := w.execWithRetry(j.fn)
	metrics.WriterWriteDuration.WithLabelValues(w.path).Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	metrics.WriterWritesTotal.WithLabelValues(w.path, outcome).Inc()

	j.result <- jobResult{value: value, err: err}
}

func (w *Writer) execWithRetry(fn WriteFunc) (any, error) {
	delay := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := w.execOnce(fn)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}

		metrics.WriterRetriesTotal.WithLabelValues(w.path).Inc()
		w.log.Warn().Err(err).Int("attempt", attempt).Str("db", w.path).Msg("retrying write after busy/locked")

		if attempt == maxAttempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
	return nil, fmt.Errorf("dbwriter: exhausted retries: %w", lastErr)
}

func (w *Writer) execOnce(fn WriteFunc) (value any, err error) {
	tx, err := w.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	value, err = fn(tx)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return value, nil
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "sqlite_locked")
}

// Stop signals the writer goroutine to drain its queue and exit, then
// closes the underlying database handle. Safe to call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.db.Close()
	})
}

// Stats reports point-in-time queue depth and high-water mark, mirroring
// the original writer's get_stats().
type Stats struct {
	QueueDepth    int
	HighWaterMark int
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{QueueDepth: len(w.queue), HighWaterMark: w.highWaterMark}
}

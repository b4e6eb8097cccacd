package docdb

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultLiveQueryInterval = 200 * time.Millisecond

// LiveQuery reruns a query whenever the database changes and reports
// result sets that differ from the previous one.
type LiveQuery struct {
	query *Query

	// UpdateInterval is the minimum time between reruns. Set before Start.
	UpdateInterval time.Duration

	mu        sync.Mutex
	rows      *QueryEnumerator
	lastErr   error
	hash      uint64
	ran       bool
	firstRun  chan struct{}
	listeners []func(*QueryEnumerator)

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	dirty     chan struct{}
	cancel    func()
}

// ToLiveQuery wraps a copy of the query.
func (q *Query) ToLiveQuery() *LiveQuery {
	return &LiveQuery{
		query:          q.Copy(),
		UpdateInterval: defaultLiveQueryInterval,
		firstRun:       make(chan struct{}),
		stop:           make(chan struct{}),
		dirty:          make(chan struct{}, 1),
	}
}

func (lq *LiveQuery) Query() *Query { return lq.query }

// OnChange registers fn to receive every new distinct result, on the live
// query's goroutine.
func (lq *LiveQuery) OnChange(fn func(rows *QueryEnumerator)) {
	lq.mu.Lock()
	lq.listeners = append(lq.listeners, fn)
	lq.mu.Unlock()
}

// Start runs the query immediately and then after every database change.
// Calling it again has no effect.
func (lq *LiveQuery) Start() {
	lq.startOnce.Do(func() {
		cancel := lq.query.db.OnChange(func(DatabaseChange) {
			select {
			case lq.dirty <- struct{}{}:
			default:
			}
		})
		lq.mu.Lock()
		lq.cancel = cancel
		lq.mu.Unlock()
		lq.dirty <- struct{}{}
		go lq.loop()
	})
}

// Stop halts future reruns. A run in progress completes but its result is
// not reported. Stopping twice, or before Start, is fine.
func (lq *LiveQuery) Stop() {
	lq.stopOnce.Do(func() {
		close(lq.stop)
		lq.mu.Lock()
		cancel := lq.cancel
		lq.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (lq *LiveQuery) stopped() bool {
	select {
	case <-lq.stop:
		return true
	default:
		return false
	}
}

func (lq *LiveQuery) loop() {
	interval := lq.UpdateInterval
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	limiter := rate.NewLimiter(limit, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-lq.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-lq.stop:
			return
		case <-lq.dirty:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		lq.run(ctx)
	}
}

func (lq *LiveQuery) run(ctx context.Context) {
	rows, err := lq.query.Run(ctx)
	if lq.stopped() {
		return
	}
	var hash uint64
	if err == nil {
		hash, err = fingerprint(rows)
	}

	lq.mu.Lock()
	first := !lq.ran
	lq.ran = true
	lq.lastErr = err
	changed := err == nil && (first || hash != lq.hash || lq.rows == nil)
	if changed {
		lq.rows, lq.hash = rows, hash
	}
	listeners := append(([]func(*QueryEnumerator))(nil), lq.listeners...)
	lq.mu.Unlock()

	if first {
		close(lq.firstRun)
	}
	if err != nil {
		lq.query.db.core.logger.Warn("db: live query failed", zap.Error(err))
		return
	}
	if changed {
		for _, fn := range listeners {
			fn(copyEnumerator(rows))
		}
	}
}

// fingerprint hashes the content of a result set.
func fingerprint(e *QueryEnumerator) (uint64, error) {
	h := xxhash.New()
	enc := msgpack.NewEncoder(h)
	enc.SetSortMapKeys(true)
	for _, r := range e.rows {
		err := enc.EncodeMulti(r.Key, r.Value, r.SourceDocumentID, r.DocumentRevisionID, r.Conflicts, r.Err)
		if err != nil {
			return 0, err
		}
		if r.DocumentProperties != nil {
			if err := enc.Encode(r.DocumentProperties); err != nil {
				return 0, err
			}
		}
	}
	return h.Sum64(), nil
}

func copyEnumerator(e *QueryEnumerator) *QueryEnumerator {
	return &QueryEnumerator{db: e.db, rows: e.rows, seq: e.seq}
}

// WaitForRows blocks until the first run completes, returning its error.
// It returns ErrLiveQueryStopped if the query is stopped before that.
func (lq *LiveQuery) WaitForRows(ctx context.Context) error {
	select {
	case <-lq.firstRun:
		return lq.LastError()
	default:
	}
	select {
	case <-lq.firstRun:
		return lq.LastError()
	case <-lq.stop:
		return ErrLiveQueryStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rows returns the latest result, or nil before the first successful run.
func (lq *LiveQuery) Rows() *QueryEnumerator {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.rows == nil {
		return nil
	}
	return copyEnumerator(lq.rows)
}

func (lq *LiveQuery) LastError() error {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.lastErr
}

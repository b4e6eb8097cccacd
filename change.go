package docdb

import (
	"fmt"
	"runtime"
	"slices"
	"sync"

	"go.uber.org/zap"
)

type Op int

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// DocumentChange describes one committed revision.
type DocumentChange struct {
	DocID    string
	RevID    string
	Sequence uint64

	// WinningRevID is the document's current revision after the change.
	WinningRevID string

	// IsCurrent is true when RevID became the current revision.
	IsCurrent bool

	// IsConflict is true when the document has more than one live leaf
	// after the change.
	IsConflict bool

	IsDeletion bool

	// Source is the replication source passed to ForceInsert, if any.
	Source string
}

func (chg DocumentChange) Op() Op {
	if chg.IsDeletion {
		return OpDelete
	}
	return OpPut
}

// DatabaseChange groups the revisions committed by one transaction.
type DatabaseChange struct {
	Changes    []DocumentChange
	IsExternal bool
	Source     string
}

// dispatcher delivers change events after commit on its own goroutine, one
// event at a time and in commit order. Posting never blocks.
type dispatcher struct {
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []DatabaseChange
	listeners map[uint64]func(DatabaseChange)
	nextID    uint64
	busy      bool
	closed    bool
	done      chan struct{}
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	d := &dispatcher{
		logger:    logger,
		listeners: make(map[uint64]func(DatabaseChange)),
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) post(chg DatabaseChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, chg)
	d.cond.Broadcast()
}

// subscribe registers fn and returns a function removing it. Events already
// being delivered may still reach fn after cancel returns.
func (d *dispatcher) subscribe(fn func(DatabaseChange)) (cancel func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.busy = false
			d.cond.Broadcast()
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.busy = false
			d.cond.Broadcast()
			d.mu.Unlock()
			return
		}
		chg := d.queue[0]
		d.queue[0] = DatabaseChange{}
		d.queue = d.queue[1:]
		d.busy = true
		ids := make([]uint64, 0, len(d.listeners))
		for id := range d.listeners {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		fns := make([]func(DatabaseChange), 0, len(ids))
		for _, id := range ids {
			fns = append(fns, d.listeners[id])
		}
		d.mu.Unlock()

		for _, fn := range fns {
			d.deliver(fn, chg)
		}
	}
}

func (d *dispatcher) deliver(fn func(DatabaseChange), chg DatabaseChange) {
	defer func() {
		if p := recover(); p != nil {
			buf := make([]byte, 4096)
			buf = buf[:runtime.Stack(buf, false)]
			d.logger.Error("db: change listener panicked", zap.Any("panic", p), zap.ByteString("stack", buf))
		}
	}()
	fn(chg)
}

// wait blocks until every event posted so far has been delivered. Must not
// be called from a listener.
func (d *dispatcher) wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for (len(d.queue) > 0 || d.busy) && !d.closed {
		d.cond.Wait()
	}
}

// close delivers queued events and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

package ingester

import (
	"context"
	"sync"
	"time"

	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/verrors"
)

// errShed completes writes whose entries were dropped to make room for
// newer traffic.
var errShed = verrors.E(verrors.KindUnavailable, "dropped from admission queue")

// pendingWrite is one export's worth of items waiting for a batch commit.
type pendingWrite struct {
	batch    *model.Batch
	bytes    int
	enqueued time.Time

	// done receives exactly one result: nil after the containing batch
	// commits, or the terminal error.
	done chan error
}

func newPendingWrite(batch *model.Batch) *pendingWrite {
	return &pendingWrite{
		batch:    batch,
		bytes:    estimateBatchBytes(batch),
		enqueued: time.Now(),
		done:     make(chan error, 1),
	}
}

func (p *pendingWrite) complete(err error) {
	select {
	case p.done <- err:
	default:
	}
}

// admissionQueue is the bounded FIFO fronting the store for one signal.
// Overflow sheds the oldest entries and accounts for them, so a collector
// burst degrades to bounded recent-data loss instead of unbounded memory.
type admissionQueue struct {
	capacity  int
	highwater int
	onShed    func(items int)

	mtx     sync.Mutex
	entries []*pendingWrite
	items   int
	closed  bool

	// notify wakes the single consumer; buffered so pushes never block.
	notify chan struct{}
}

func newAdmissionQueue(capacityItems, highwaterItems int, onShed func(items int)) *admissionQueue {
	if highwaterItems <= 0 || highwaterItems > capacityItems {
		highwaterItems = capacityItems
	}
	return &admissionQueue{
		capacity:  capacityItems,
		highwater: highwaterItems,
		onShed:    onShed,
		notify:    make(chan struct{}, 1),
	}
}

// push appends the entry, shedding from the front while the high-water mark
// is exceeded. A push that still exceeds the hard capacity after shedding
// (a single oversized batch) is rejected. Returns Unavailable when the
// queue is closed or full.
func (q *admissionQueue) push(p *pendingWrite) error {
	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return verrors.E(verrors.KindUnavailable, "ingest queue closed")
	}

	q.entries = append(q.entries, p)
	q.items += p.batch.Len()

	var shed []*pendingWrite
	for q.items > q.highwater && len(q.entries) > 1 {
		victim := q.entries[0]
		q.entries = q.entries[1:]
		q.items -= victim.batch.Len()
		shed = append(shed, victim)
	}
	rejected := q.items > q.capacity
	if rejected {
		q.entries = q.entries[:len(q.entries)-1]
		q.items -= p.batch.Len()
	}
	q.mtx.Unlock()

	for _, victim := range shed {
		q.onShed(victim.batch.Len())
		victim.complete(errShed)
	}
	if rejected {
		return verrors.E(verrors.KindUnavailable, "batch of %d items exceeds queue capacity %d", p.batch.Len(), q.capacity)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the oldest entry, blocking until one arrives, the context
// ends, or the queue closes.
func (q *admissionQueue) pop(ctx context.Context) (*pendingWrite, bool) {
	for {
		if p, ok, closed := q.tryPop(); ok {
			return p, true
		} else if closed {
			return nil, false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// tryPop removes the oldest entry without blocking.
func (q *admissionQueue) tryPop() (p *pendingWrite, ok, closed bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.entries) == 0 {
		return nil, false, q.closed
	}
	p = q.entries[0]
	q.entries = q.entries[1:]
	q.items -= p.batch.Len()
	return p, true, false
}

// close rejects new pushes and fails every queued entry.
func (q *admissionQueue) close() {
	q.mtx.Lock()
	q.closed = true
	drained := q.entries
	q.entries = nil
	q.items = 0
	q.mtx.Unlock()

	for _, p := range drained {
		p.complete(verrors.E(verrors.KindUnavailable, "ingester shutting down"))
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// depth reports the queued item count.
func (q *admissionQueue) depth() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.items
}

// estimateBatchBytes approximates the wire size of a batch for the
// max-bytes batch bound. It intentionally undercounts nested structure;
// the bound is a safety valve, not an accounting system.
func estimateBatchBytes(b *model.Batch) int {
	n := 0
	for i := range b.Spans {
		s := &b.Spans[i]
		n += 64 + len(s.Name) + len(s.StatusMessage) + attrsBytes(s.Attributes)
		for _, e := range s.Events {
			n += 16 + len(e.Name) + attrsBytes(e.Attributes)
		}
		n += 32 * len(s.Links)
	}
	for i := range b.Logs {
		l := &b.Logs[i]
		n += 48 + len(l.SeverityText) + valueBytes(l.Body) + attrsBytes(l.Attributes)
	}
	for i := range b.Points {
		p := &b.Points[i]
		n += 64 + len(p.Descriptor.Name) + attrsBytes(p.Attributes)
	}
	return n
}

func attrsBytes(attrs model.Attributes) int {
	n := 0
	for k, v := range attrs {
		n += len(k) + valueBytes(v)
	}
	return n
}

func valueBytes(v model.Value) int {
	switch v.Type() {
	case model.TypeString:
		return len(v.Str())
	case model.TypeBytes:
		return len(v.Bytes())
	default:
		return 8
	}
}

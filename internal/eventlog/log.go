// Package eventlog is the ordered mutation log: a bounded in-memory ring
// for subscriber catch-up plus durable sinks (JSONL journal, Kafka).
package eventlog

import (
	"context"
	"sync"

	"kitsync/internal/entity"
	"kitsync/internal/fault"
)

// Filter selects a subset of the event stream. Zero fields match
// everything; set fields must all match.
type Filter struct {
	EntityType entity.Type `json:"entityType,omitempty"`
	EntityID   string      `json:"entityId,omitempty"`
	BusinessID string      `json:"tenantId,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev entity.MutationEvent) bool {
	if f.EntityType != "" && f.EntityType != ev.EntityType {
		return false
	}
	if f.EntityID != "" && f.EntityID != ev.EntityID {
		return false
	}
	if f.BusinessID != "" && f.BusinessID != ev.BusinessID {
		return false
	}
	return true
}

// Log assigns global sequence numbers and retains the last capacity
// events for reconnect catch-up. Appends are serialized by the gateway's
// commit path; Log itself is safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   []entity.MutationEvent
	capacity int
	firstSeq int64 // seq of events[0]; 1 when nothing dropped yet
	nextSeq  int64
	closed   bool
}

func NewLog(capacity int) *Log {
	return NewLogAt(capacity, 0)
}

// NewLogAt starts numbering after lastSeq. Used after a journal replay
// so sequence numbers stay monotonic across restarts.
func NewLogAt(capacity int, lastSeq int64) *Log {
	if capacity <= 0 {
		capacity = 1024
	}
	l := &Log{capacity: capacity, firstSeq: lastSeq + 1, nextSeq: lastSeq + 1}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Append records one event and returns its assigned sequence number.
func (l *Log) Append(ev entity.MutationEvent) int64 {
	return l.AppendAll([]entity.MutationEvent{ev})[0]
}

// AppendAll records a batch under one lock so compound commits become
// visible to subscribers atomically and contiguously.
func (l *Log) AppendAll(evs []entity.MutationEvent) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	seqs := make([]int64, 0, len(evs))
	for _, ev := range evs {
		ev.Seq = l.nextSeq
		l.nextSeq++
		l.events = append(l.events, ev)
		seqs = append(seqs, ev.Seq)
	}
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = append([]entity.MutationEvent(nil), l.events[over:]...)
		l.firstSeq += int64(over)
	}
	l.cond.Broadcast()
	return seqs
}

// LastSeq returns the highest assigned sequence number, 0 before the
// first append.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// OldestRetained returns the lowest sequence number still in the ring.
func (l *Log) OldestRetained() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstSeq
}

// ReadSince returns the retained events matching f with seq > fromSeq.
// Asking below the retained window fails with CodeDeliveryLag.
func (l *Log) ReadSince(f Filter, fromSeq int64) ([]entity.MutationEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fromSeq+1 < l.firstSeq {
		return nil, fault.New(fault.CodeDeliveryLag, "resume seq %d below retained window start %d", fromSeq+1, l.firstSeq)
	}
	var out []entity.MutationEvent
	start := fromSeq + 1 - l.firstSeq
	if start < 0 {
		start = 0
	}
	for i := start; i < int64(len(l.events)); i++ {
		if f.Matches(l.events[i]) {
			out = append(out, l.events[i])
		}
	}
	return out, nil
}

// Close wakes all subscriptions; each drains what it has already matched
// and then its channel closes.
func (l *Log) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Subscription is one subscriber's ordered view of the stream.
type Subscription struct {
	C <-chan entity.MutationEvent

	mu  sync.Mutex
	err error
}

// Err returns why the subscription ended, nil after a clean close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe streams events matching f with seq > fromSeq, in sequence
// order. Pass the log's LastSeq to receive live events only. Resuming
// below the retained window fails the subscription with CodeDeliveryLag;
// the subscriber must resync from the store before trying again.
func (l *Log) Subscribe(ctx context.Context, f Filter, fromSeq int64) *Subscription {
	out := make(chan entity.MutationEvent, 16)
	sub := &Subscription{C: out}

	// cond.Wait cannot observe ctx, so a watcher wakes the loop on cancel.
	// done lets the watcher exit when the delivery loop returns first.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.cond.Broadcast()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		cursor := fromSeq
		for {
			l.mu.Lock()
			for !l.closed && ctx.Err() == nil && cursor >= l.nextSeq-1 {
				l.cond.Wait()
			}
			if ctx.Err() != nil {
				l.mu.Unlock()
				sub.fail(ctx.Err())
				return
			}
			if cursor+1 < l.firstSeq {
				l.mu.Unlock()
				sub.fail(fault.New(fault.CodeDeliveryLag, "resume seq %d below retained window start %d", cursor+1, l.firstSeq))
				return
			}
			var batch []entity.MutationEvent
			for i := cursor + 1 - l.firstSeq; i < int64(len(l.events)); i++ {
				ev := l.events[i]
				cursor = ev.Seq
				if f.Matches(ev) {
					batch = append(batch, ev)
				}
			}
			closed := l.closed
			l.mu.Unlock()

			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					sub.fail(ctx.Err())
					return
				}
			}
			if closed {
				return
			}
		}
	}()
	return sub
}

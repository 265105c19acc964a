package eventlog

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"kitsync/internal/entity"
	"kitsync/internal/fault"
)

func ev(t entity.Type, id, biz string) entity.MutationEvent {
	return entity.MutationEvent{
		EntityType: t,
		EntityID:   id,
		BusinessID: biz,
		Snapshot:   json.RawMessage(`{}`),
		ActorID:    "test",
		TS:         1,
	}
}

func recvOne(t *testing.T, c <-chan entity.MutationEvent) entity.MutationEvent {
	t.Helper()
	select {
	case got, ok := <-c:
		if !ok {
			t.Fatalf("channel closed early")
		}
		return got
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return entity.MutationEvent{}
}

func TestAppend_AssignsIncreasingSequences(t *testing.T) {
	l := NewLog(16)
	s1 := l.Append(ev(entity.TypeOrder, "o1", "biz"))
	s2 := l.Append(ev(entity.TypeOrder, "o1", "biz"))
	if s1 != 1 || s2 != 2 {
		t.Fatalf("seqs = %d,%d, want 1,2", s1, s2)
	}
	if l.LastSeq() != 2 {
		t.Fatalf("last seq = %d, want 2", l.LastSeq())
	}
}

func TestAppendAll_Contiguous(t *testing.T) {
	l := NewLog(16)
	l.Append(ev(entity.TypeOrder, "o1", "biz"))
	seqs := l.AppendAll([]entity.MutationEvent{
		ev(entity.TypeBooking, "b1", "biz"),
		ev(entity.TypeSpace, "s1", "biz"),
	})
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("seqs = %v, want [2 3]", seqs)
	}
}

func TestNewLogAt_ResumesNumbering(t *testing.T) {
	l := NewLogAt(16, 41)
	if s := l.Append(ev(entity.TypeOrder, "o1", "biz")); s != 42 {
		t.Fatalf("seq = %d, want 42", s)
	}
}

func TestSubscribe_CatchUpThenLive(t *testing.T) {
	l := NewLog(16)
	defer l.Close()
	l.Append(ev(entity.TypeOrder, "o1", "biz"))
	l.Append(ev(entity.TypeOrder, "o2", "biz"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := l.Subscribe(ctx, Filter{}, 0)

	if got := recvOne(t, sub.C); got.Seq != 1 {
		t.Fatalf("first seq = %d, want 1", got.Seq)
	}
	if got := recvOne(t, sub.C); got.Seq != 2 {
		t.Fatalf("second seq = %d, want 2", got.Seq)
	}

	l.Append(ev(entity.TypeOrder, "o3", "biz"))
	if got := recvOne(t, sub.C); got.Seq != 3 || got.EntityID != "o3" {
		t.Fatalf("live event = %+v, want seq 3 o3", got)
	}
}

func TestSubscribe_FilterByEntityAndTenant(t *testing.T) {
	l := NewLog(32)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orders := l.Subscribe(ctx, Filter{EntityType: entity.TypeOrder}, 0)
	tenantA := l.Subscribe(ctx, Filter{BusinessID: "A"}, 0)

	l.Append(ev(entity.TypeOrder, "o1", "A"))
	l.Append(ev(entity.TypeBooking, "b1", "B"))
	l.Append(ev(entity.TypeOrder, "o2", "B"))
	l.Append(ev(entity.TypeSpace, "s1", "A"))

	if got := recvOne(t, orders.C); got.EntityID != "o1" {
		t.Fatalf("orders first = %s, want o1", got.EntityID)
	}
	if got := recvOne(t, orders.C); got.EntityID != "o2" {
		t.Fatalf("orders second = %s, want o2", got.EntityID)
	}

	if got := recvOne(t, tenantA.C); got.EntityID != "o1" {
		t.Fatalf("tenant A first = %s, want o1", got.EntityID)
	}
	if got := recvOne(t, tenantA.C); got.EntityID != "s1" {
		t.Fatalf("tenant A second = %s, want s1", got.EntityID)
	}
}

// Two subscribers to the same entity must observe the same relative
// order of sequence numbers.
func TestSubscribe_IdenticalOrderAcrossSubscribers(t *testing.T) {
	l := NewLog(128)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := Filter{EntityType: entity.TypeOrder, EntityID: "o1"}
	sub1 := l.Subscribe(ctx, f, 0)
	sub2 := l.Subscribe(ctx, f, 0)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			l.Append(ev(entity.TypeOrder, "o1", "biz"))
			l.Append(ev(entity.TypeBooking, "b1", "biz")) // noise
		}
		l.Close()
	}()

	collect := func(sub *Subscription) []int64 {
		var seqs []int64
		for got := range sub.C {
			seqs = append(seqs, got.Seq)
		}
		return seqs
	}
	seqs1 := collect(sub1)
	seqs2 := collect(sub2)

	if len(seqs1) != n || len(seqs2) != n {
		t.Fatalf("lengths = %d,%d, want %d", len(seqs1), len(seqs2), n)
	}
	for i := range seqs1 {
		if seqs1[i] != seqs2[i] {
			t.Fatalf("order diverges at %d: %d vs %d", i, seqs1[i], seqs2[i])
		}
		if i > 0 && seqs1[i] <= seqs1[i-1] {
			t.Fatalf("not monotonic at %d: %v", i, seqs1[:i+1])
		}
	}
}

func TestSubscribe_DeliveryLag(t *testing.T) {
	l := NewLog(4)
	defer l.Close()
	for i := 0; i < 10; i++ {
		l.Append(ev(entity.TypeOrder, "o1", "biz"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := l.Subscribe(ctx, Filter{}, 2) // seq 3 fell out of the ring

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("expected closed channel, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
	if !fault.Is(sub.Err(), fault.CodeDeliveryLag) {
		t.Fatalf("err = %v, want DELIVERY_LAG", sub.Err())
	}
}

func TestSubscribe_ContextCancel(t *testing.T) {
	l := NewLog(16)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := l.Subscribe(ctx, Filter{}, 0)
	cancel()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for close")
	}
	if sub.Err() != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", sub.Err())
	}
}

func TestReadSince(t *testing.T) {
	l := NewLog(4)
	for i := 0; i < 6; i++ {
		l.Append(ev(entity.TypeOrder, "o1", "biz"))
	}
	// Ring now holds seqs 3..6.
	got, err := l.ReadSince(Filter{}, 4)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 5 || got[1].Seq != 6 {
		t.Fatalf("events = %+v, want seqs 5,6", got)
	}

	if _, err := l.ReadSince(Filter{}, 1); !fault.Is(err, fault.CodeDeliveryLag) {
		t.Fatalf("err = %v, want DELIVERY_LAG", err)
	}

	if l.OldestRetained() != 3 {
		t.Fatalf("oldest retained = %d, want 3", l.OldestRetained())
	}
}

// After a restart the ring is empty but numbering resumes past the
// replayed journal; a resume point from before the restart must fail
// with lag, not silently return nothing.
func TestReadSince_BelowWindowAfterRestart(t *testing.T) {
	l := NewLogAt(16, 100)
	if _, err := l.ReadSince(Filter{}, 50); !fault.Is(err, fault.CodeDeliveryLag) {
		t.Fatalf("err = %v, want DELIVERY_LAG", err)
	}
	// Resuming at the tail is fine.
	if got, err := l.ReadSince(Filter{}, 100); err != nil || len(got) != 0 {
		t.Fatalf("tail resume = %v events, err %v", got, err)
	}
}

func TestSubscribe_BelowWindowAfterRestart(t *testing.T) {
	l := NewLogAt(16, 100)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := l.Subscribe(ctx, Filter{}, 50)

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("expected closed channel, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
	if !fault.Is(sub.Err(), fault.CodeDeliveryLag) {
		t.Fatalf("err = %v, want DELIVERY_LAG", sub.Err())
	}
}

func TestSubscribe_GoroutinesExitOnClose(t *testing.T) {
	l := NewLog(16)
	before := runtime.NumGoroutine()

	var subs []*Subscription
	for i := 0; i < 32; i++ {
		subs = append(subs, l.Subscribe(context.Background(), Filter{}, 0))
	}
	l.Append(ev(entity.TypeOrder, "o1", "biz"))
	l.Close()
	for _, sub := range subs {
		for range sub.C {
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before+2 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, started with %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

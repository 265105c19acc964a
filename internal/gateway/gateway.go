// Package gateway is the single commit path for entity mutations: it
// loads the current snapshot, validates the transition, applies the
// change, writes the store and appends the resulting events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kitsync/internal/entity"
	"kitsync/internal/eventlog"
	"kitsync/internal/fault"
	"kitsync/internal/metrics"
	"kitsync/internal/store"
)

// Request is one inbound mutation.
type Request struct {
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	ActorID        string          `json:"actorId"`
	ExpectedStatus string          `json:"expectedCurrentStatus,omitempty"`

	// auto marks gateway-internal and sweeper-driven requests; it never
	// comes off the wire.
	auto bool
}

// SystemRequest marks a request as originating inside the engine (the
// booking sweeper, derived space flips). System requests are not manual:
// they cannot trigger no-show or early-completion overrides.
func SystemRequest(req Request) Request {
	req.auto = true
	return req
}

// Actions accepted by SubmitMutation.
const (
	ActionCreate      = "create"
	ActionSetStatus   = "set_status"
	ActionUpdateItems = "update_items"
)

type setStatusPayload struct {
	Status string `json:"status"`
	Force  bool   `json:"force,omitempty"`
}

type updateItemsPayload struct {
	CustomerName string             `json:"customerName,omitempty"`
	Items        []entity.OrderItem `json:"items"`
}

// Gateway serializes mutations per entity and owns the only path that
// writes the store and the log together.
type Gateway struct {
	store  store.Store
	log    *eventlog.Log
	sink   eventlog.Writer
	met    *metrics.Registry
	logger zerolog.Logger

	retries int
	backoff time.Duration

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Option tweaks gateway construction.
type Option func(*Gateway)

// WithSink mirrors committed events to a durable writer.
func WithSink(w eventlog.Writer) Option { return func(g *Gateway) { g.sink = w } }

// WithRetry sets store retry attempts and initial backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(g *Gateway) { g.retries = attempts; g.backoff = backoff }
}

func New(st store.Store, log *eventlog.Log, met *metrics.Registry, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:   st,
		log:     log,
		met:     met,
		logger:  logger,
		retries: 3,
		backoff: 50 * time.Millisecond,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Now returns current time. Split for testability.
var Now = func() time.Time { return time.Now().UTC() }

// entityLock returns the per-entity serialization token. The map only
// grows, bounded by the number of distinct entity ids; removing an entry
// is unsafe without refcounting because another goroutine may already
// hold a reference to its mutex.
func (g *Gateway) entityLock(key string) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	mu, ok := g.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		g.locks[key] = mu
	}
	return mu
}

// SubmitMutation validates and commits one mutation. On success it
// returns the event for the requested entity; compound commits also
// append the derived space event atomically. Rejections carry a stable
// fault code.
func (g *Gateway) SubmitMutation(ctx context.Context, req Request) (entity.MutationEvent, error) {
	t0 := Now()
	ev, err := g.submit(ctx, req)
	if g.met != nil {
		if err != nil {
			code := fault.CodeOf(err)
			if code == "" {
				code = fault.CodeStoreUnavailable
			}
			g.met.Rejects.WithLabelValues(string(code)).Inc()
		} else {
			g.met.Commits.Inc()
			g.met.CommitLatencySec.Observe(time.Since(t0).Seconds())
		}
	}
	if err != nil {
		g.logger.Debug().Str("entity", req.EntityType+"/"+req.EntityID).Str("action", req.Action).Err(err).Msg("mutation rejected")
		return entity.MutationEvent{}, err
	}
	g.logger.Info().Str("entity", req.EntityType+"/"+req.EntityID).Str("action", req.Action).Int64("seq", ev.Seq).Msg("mutation committed")
	return ev, nil
}

func (g *Gateway) submit(ctx context.Context, req Request) (entity.MutationEvent, error) {
	t, err := entity.ParseType(req.EntityType)
	if err != nil {
		return entity.MutationEvent{}, fault.New(fault.CodeNotFound, "%v", err)
	}
	switch t {
	case entity.TypeOrder:
		return g.submitOrder(ctx, req)
	case entity.TypeBooking:
		return g.submitBooking(ctx, req)
	case entity.TypeSpace:
		return g.submitSpace(ctx, req)
	}
	return entity.MutationEvent{}, fault.New(fault.CodeNotFound, "unknown entity type %q", req.EntityType)
}

// getWithRetry maps store failures onto the fault taxonomy, retrying
// transient errors with backoff.
func (g *Gateway) getWithRetry(ctx context.Context, t entity.Type, id string) (store.Versioned, error) {
	var v store.Versioned
	err := g.withRetry(ctx, func() error {
		var e error
		v, e = g.store.Get(t, id)
		return e
	})
	return v, err
}

func (g *Gateway) putWithRetry(ctx context.Context, t entity.Type, id string, data json.RawMessage, expected int64) (int64, error) {
	var ver int64
	err := g.withRetry(ctx, func() error {
		var e error
		ver, e = g.store.Put(t, id, data, expected)
		return e
	})
	return ver, err
}

func (g *Gateway) withRetry(ctx context.Context, fn func() error) error {
	backoff := g.backoff
	var err error
	for attempt := 0; attempt < g.retries; attempt++ {
		err = fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrNotFound):
			return fault.New(fault.CodeNotFound, "%v", err)
		case errors.Is(err, store.ErrVersionMismatch):
			return fault.New(fault.CodeStaleWrite, "%v", err)
		}
		// Transient store failure: back off and retry.
		if g.met != nil {
			g.met.StoreRetries.Inc()
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fault.New(fault.CodeStoreUnavailable, "store failed after %d attempts: %v", g.retries, err)
}

func (g *Gateway) newEvent(t entity.Type, id, businessID string, snapshot json.RawMessage, actorID string) entity.MutationEvent {
	return entity.MutationEvent{
		EntityType: t,
		EntityID:   id,
		BusinessID: businessID,
		Snapshot:   snapshot,
		ActorID:    actorID,
		TS:         Now().Unix(),
	}
}

// publish appends the batch to the log atomically and mirrors it to the
// durable sink. The store write is the commit point; a sink failure is
// logged but does not undo the commit.
func (g *Gateway) publish(evs []entity.MutationEvent) []entity.MutationEvent {
	seqs := g.log.AppendAll(evs)
	for i := range evs {
		evs[i].Seq = seqs[i]
	}
	if g.met != nil {
		g.met.EventsAppended.Add(float64(len(evs)))
	}
	if g.sink != nil {
		for _, ev := range evs {
			if err := g.sink.Append(ev); err != nil {
				g.logger.Error().Int64("seq", ev.Seq).Err(err).Msg("journal append failed")
			}
		}
	}
	return evs
}

func (g *Gateway) listWithRetry(ctx context.Context, t entity.Type) (map[string]store.Versioned, error) {
	var all map[string]store.Versioned
	err := g.withRetry(ctx, func() error {
		var e error
		all, e = g.store.List(t)
		return e
	})
	return all, err
}

func decodePayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.New(fault.CodeInvalidTransition, "bad payload: %v", err)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func checkExpectedStatus(expected, current string) error {
	if expected != "" && expected != current {
		return fault.New(fault.CodeStaleWrite, "expected status %q, committed status is %q", expected, current)
	}
	return nil
}

func ensureID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

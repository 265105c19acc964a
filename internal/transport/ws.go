// Package transport is the live-connection surface: one websocket per
// dashboard, carrying subscription requests, mutation requests and the
// resulting event stream.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"kitsync/internal/entity"
	"kitsync/internal/eventlog"
	"kitsync/internal/fault"
	"kitsync/internal/gateway"
	"kitsync/internal/metrics"
	"kitsync/internal/registry"
	"kitsync/internal/store"
)

// Inbound frame types.
const (
	frameSubscribe = "subscribe"
	frameMutate    = "mutate"
	frameResync    = "resync"
)

// Outbound frame types.
const (
	frameEvent     = "event"
	frameCommitted = "committed"
	frameRejected  = "rejected"
	frameLagged    = "lagged"
)

type inboundFrame struct {
	Type    string          `json:"type"`
	Filter  eventlog.Filter `json:"filter,omitempty"`
	Resume  int64           `json:"resumeFromSequence,omitempty"`
	Request gateway.Request `json:"request,omitempty"`
}

type outboundFrame struct {
	Type     string                `json:"type"`
	Event    *entity.MutationEvent `json:"event,omitempty"`
	Reason   fault.Code            `json:"reason,omitempty"`
	Message  string                `json:"message,omitempty"`
	Entities []resyncEntity        `json:"entities,omitempty"`
	LastSeq  int64                 `json:"lastSequence,omitempty"`
}

type resyncEntity struct {
	EntityType entity.Type     `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Snapshot   json.RawMessage `json:"snapshot"`
	Version    int64           `json:"version"`
}

// Server owns the websocket endpoint and the event dispatcher that fans
// committed events out to registered connections.
type Server struct {
	gw     *gateway.Gateway
	log    *eventlog.Log
	reg    *registry.Registry
	store  store.Store
	met    *metrics.Registry
	logger zerolog.Logger

	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[string]*conn
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan outboundFrame
	done chan struct{}
	once sync.Once

	// evMu serializes event delivery (dispatcher vs backlog replay);
	// lastByKey records the newest sequence delivered per entity so a
	// frame arriving on both paths is sent once.
	evMu      sync.Mutex
	lastByKey map[string]int64
}

func NewServer(gw *gateway.Gateway, log *eventlog.Log, reg *registry.Registry, st store.Store, met *metrics.Registry, logger zerolog.Logger) *Server {
	return &Server{
		gw:     gw,
		log:    log,
		reg:    reg,
		store:  st,
		met:    met,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// Handler returns the full HTTP surface: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	if s.met != nil {
		mux.Handle("/metrics", s.met.Handler())
	}
	return mux
}

// RunDispatcher subscribes to the whole log and routes each event to the
// connections whose registered filters match. It returns when ctx is
// cancelled or the log closes.
func (s *Server) RunDispatcher(ctx context.Context) {
	sub := s.log.Subscribe(ctx, eventlog.Filter{}, s.log.LastSeq())
	for ev := range sub.C {
		ev := ev
		for _, connID := range s.reg.Resolve(ev) {
			s.connMu.Lock()
			c := s.conns[connID]
			s.connMu.Unlock()
			if c == nil {
				continue
			}
			if !c.pushEvent(ev) {
				// Slow consumer: cut it loose, it will resync on
				// reconnect.
				s.logger.Warn().Str("conn", connID).Int64("seq", ev.Seq).Msg("send buffer full, dropping connection")
				c.close()
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{
		id:        uuid.NewString(),
		ws:        ws,
		send:      make(chan outboundFrame, 256),
		done:      make(chan struct{}),
		lastByKey: make(map[string]int64),
	}
	s.connMu.Lock()
	s.conns[c.id] = c
	s.connMu.Unlock()
	if s.met != nil {
		s.met.Subscribers.Inc()
	}
	s.logger.Info().Str("conn", c.id).Msg("connection opened")

	go s.writeLoop(c)
	s.readLoop(r.Context(), c)

	c.close()
	s.connMu.Lock()
	delete(s.conns, c.id)
	s.connMu.Unlock()
	s.reg.Unregister(c.id)
	if s.met != nil {
		s.met.Subscribers.Dec()
	}
	_ = ws.Close()
	s.logger.Info().Str("conn", c.id).Msg("connection closed")
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// push blocks until the frame is queued or the connection is closing.
func (c *conn) push(f outboundFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

// trySend queues without blocking; false means the buffer is full.
func (c *conn) trySend(f outboundFrame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return true // closing anyway, don't report as slow
	default:
		return false
	}
}

func (c *conn) pushEvent(ev entity.MutationEvent) bool {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	return c.pushEventLocked(ev)
}

// pushEventLocked delivers ev unless the connection has already seen an
// event at least as new for the same entity. Per-entity sequence numbers
// only ever move forward on a connection. False means the send buffer is
// full.
func (c *conn) pushEventLocked(ev entity.MutationEvent) bool {
	key := entity.Key(ev.EntityType, ev.EntityID)
	if ev.Seq <= c.lastByKey[key] {
		return true
	}
	if !c.trySend(outboundFrame{Type: frameEvent, Event: &ev}) {
		return false
	}
	c.lastByKey[key] = ev.Seq
	return true
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		var frame inboundFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case frameSubscribe:
			s.handleSubscribe(c, frame)
		case frameMutate:
			s.handleMutate(ctx, c, frame)
		case frameResync:
			s.handleResync(c, frame)
		default:
			c.push(outboundFrame{Type: frameRejected, Reason: fault.CodeNotFound, Message: "unknown frame type " + frame.Type})
		}
	}
}

// handleSubscribe registers the filter and replays the retained backlog
// past resumeFromSequence. Registration and replay happen under the
// connection's delivery lock: the dispatcher cannot interleave a newer
// event for the replayed entities mid-backlog, and an event arriving on
// both paths is collapsed by the per-entity dedup in pushEventLocked.
func (s *Server) handleSubscribe(c *conn, frame inboundFrame) {
	resume := frame.Resume
	if resume == 0 {
		resume = s.log.LastSeq()
	}
	c.evMu.Lock()
	// Register before reading the ring so nothing committed in between
	// is missed; the dispatcher blocks on evMu until the backlog is
	// queued.
	s.reg.Register(c.id, frame.Filter)
	backlog, err := s.log.ReadSince(frame.Filter, resume)
	if err != nil {
		c.evMu.Unlock()
		// The filter stays registered; after a full resync the client
		// resubscribes and Resolve collapses the duplicate.
		c.push(outboundFrame{Type: frameLagged, Reason: fault.CodeDeliveryLag, Message: err.Error()})
		return
	}
	for _, ev := range backlog {
		if !c.pushEventLocked(ev) {
			c.evMu.Unlock()
			s.logger.Warn().Str("conn", c.id).Int64("seq", ev.Seq).Msg("send buffer full during backlog, dropping connection")
			c.close()
			return
		}
	}
	c.evMu.Unlock()
}

func (s *Server) handleMutate(ctx context.Context, c *conn, frame inboundFrame) {
	ev, err := s.gw.SubmitMutation(ctx, frame.Request)
	if err != nil {
		code := fault.CodeOf(err)
		if code == "" {
			code = fault.CodeStoreUnavailable
		}
		c.push(outboundFrame{Type: frameRejected, Reason: code, Message: err.Error()})
		return
	}
	c.push(outboundFrame{Type: frameCommitted, Event: &ev})
}

// handleResync serves the full current state matching the filter, for
// subscribers that fell outside the retention window.
func (s *Server) handleResync(c *conn, frame inboundFrame) {
	types := []entity.Type{entity.TypeOrder, entity.TypeBooking, entity.TypeSpace}
	if frame.Filter.EntityType != "" {
		types = []entity.Type{frame.Filter.EntityType}
	}
	var entities []resyncEntity
	for _, t := range types {
		all, err := s.store.List(t)
		if err != nil {
			c.push(outboundFrame{Type: frameRejected, Reason: fault.CodeStoreUnavailable, Message: err.Error()})
			return
		}
		for id, v := range all {
			if frame.Filter.EntityID != "" && frame.Filter.EntityID != id {
				continue
			}
			if frame.Filter.BusinessID != "" {
				var probe struct {
					BusinessID string `json:"businessId"`
				}
				if json.Unmarshal(v.Data, &probe) != nil || probe.BusinessID != frame.Filter.BusinessID {
					continue
				}
			}
			entities = append(entities, resyncEntity{EntityType: t, EntityID: id, Snapshot: v.Data, Version: v.Version})
		}
	}
	if s.met != nil {
		s.met.ResyncsServed.Inc()
	}
	c.push(outboundFrame{Type: frameResync, Entities: entities, LastSeq: s.log.LastSeq()})
}

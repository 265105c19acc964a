// Package sched drives time-based booking transitions. The original
// system had no server-side timer; a booking stayed "upcoming" until a
// client touched it. The sweeper closes that gap: it periodically
// submits activate/complete mutations through the normal gateway path,
// so every rule and event the gateway enforces applies to it too.
package sched

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"kitsync/internal/entity"
	"kitsync/internal/fault"
	"kitsync/internal/gateway"
	"kitsync/internal/metrics"
	"kitsync/internal/store"
)

const sweeperActor = "system:sweeper"

type Sweeper struct {
	gw       *gateway.Gateway
	store    store.Store
	met      *metrics.Registry
	logger   zerolog.Logger
	interval time.Duration
}

func NewSweeper(gw *gateway.Gateway, st store.Store, met *metrics.Registry, logger zerolog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{gw: gw, store: st, met: met, logger: logger, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce activates bookings whose start time has passed and completes
// active bookings whose end time has passed. Returns how many mutations
// committed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	if s.met != nil {
		s.met.SweepsRun.Inc()
	}
	all, err := s.store.List(entity.TypeBooking)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep list failed")
		return 0
	}
	now := gateway.Now()
	committed := 0
	for id, v := range all {
		b, err := entity.DecodeBooking(v.Data)
		if err != nil {
			s.logger.Error().Str("booking", id).Err(err).Msg("sweep decode failed")
			continue
		}
		var target entity.BookingStatus
		switch {
		case b.Status == entity.BookingUpcoming && !now.Before(b.Start):
			// A booking whose whole window already passed still goes
			// through active; the next sweep completes it.
			target = entity.BookingActive
		case b.Status == entity.BookingActive && !now.Before(b.End):
			target = entity.BookingCompleted
		default:
			continue
		}
		payload, _ := json.Marshal(map[string]string{"status": string(target)})
		req := gateway.SystemRequest(gateway.Request{
			EntityType:     string(entity.TypeBooking),
			EntityID:       id,
			Action:         gateway.ActionSetStatus,
			Payload:        payload,
			ActorID:        sweeperActor,
			ExpectedStatus: string(b.Status),
		})
		if _, err := s.gw.SubmitMutation(ctx, req); err != nil {
			// Losing a StaleWrite race to a manual mutation is expected.
			if fault.Is(err, fault.CodeStaleWrite) {
				continue
			}
			s.logger.Warn().Str("booking", id).Err(err).Msg("sweep mutation rejected")
			continue
		}
		committed++
	}
	return committed
}

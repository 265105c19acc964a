package gateway

import (
	"context"

	"kitsync/internal/entity"
	"kitsync/internal/fault"
	"kitsync/internal/fsm"
)

func (g *Gateway) submitSpace(ctx context.Context, req Request) (entity.MutationEvent, error) {
	switch req.Action {
	case ActionCreate:
		return g.createSpace(ctx, req)
	case ActionSetStatus:
		return g.setSpaceStatus(ctx, req)
	}
	return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "unknown space action %q", req.Action)
}

func (g *Gateway) createSpace(ctx context.Context, req Request) (entity.MutationEvent, error) {
	sp, err := entity.DecodeSpace(req.Payload)
	if err != nil {
		return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "%v", err)
	}
	sp.ID = ensureID(firstNonEmpty(req.EntityID, sp.ID))
	sp.Status = entity.SpaceAvailable
	sp.CurrentBookingID = ""
	sp.CurrentChefID = ""

	mu := g.entityLock(entity.Key(entity.TypeSpace, sp.ID))
	mu.Lock()
	defer mu.Unlock()

	snap, err := entity.Encode(sp)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if _, err := g.putWithRetry(ctx, entity.TypeSpace, sp.ID, snap, 0); err != nil {
		return entity.MutationEvent{}, err
	}
	ev := g.newEvent(entity.TypeSpace, sp.ID, sp.BusinessID, snap, req.ActorID)
	return g.publish([]entity.MutationEvent{ev})[0], nil
}

// setSpaceStatus handles the manual transitions: into and out of
// maintenance. Occupancy flips are reserved for booking commits.
func (g *Gateway) setSpaceStatus(ctx context.Context, req Request) (entity.MutationEvent, error) {
	var p setStatusPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return entity.MutationEvent{}, err
	}
	requested := entity.SpaceStatus(p.Status)

	mu := g.entityLock(entity.Key(entity.TypeSpace, req.EntityID))
	mu.Lock()
	defer mu.Unlock()

	sv, err := g.getWithRetry(ctx, entity.TypeSpace, req.EntityID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	sp, err := entity.DecodeSpace(sv.Data)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if err := checkExpectedStatus(req.ExpectedStatus, string(sp.Status)); err != nil {
		return entity.MutationEvent{}, err
	}

	activeBooking, err := g.hasActiveBooking(ctx, sp.ID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if err := fsm.ValidateSpace(sp.Status, requested, req.auto, activeBooking, p.Force); err != nil {
		return entity.MutationEvent{}, err
	}
	sp.Status = requested
	if requested == entity.SpaceMaintenance {
		sp.CurrentBookingID = ""
		sp.CurrentChefID = ""
	}

	snap, err := entity.Encode(sp)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if _, err := g.putWithRetry(ctx, entity.TypeSpace, sp.ID, snap, sv.Version); err != nil {
		return entity.MutationEvent{}, err
	}
	ev := g.newEvent(entity.TypeSpace, sp.ID, sp.BusinessID, snap, req.ActorID)
	return g.publish([]entity.MutationEvent{ev})[0], nil
}

func (g *Gateway) hasActiveBooking(ctx context.Context, spaceID string) (bool, error) {
	all, err := g.listWithRetry(ctx, entity.TypeBooking)
	if err != nil {
		return false, err
	}
	for _, v := range all {
		b, err := entity.DecodeBooking(v.Data)
		if err != nil {
			return false, err
		}
		if b.SpaceID == spaceID && b.Status == entity.BookingActive {
			return true, nil
		}
	}
	return false, nil
}

package gateway

import (
	"context"

	"kitsync/internal/entity"
	"kitsync/internal/fault"
	"kitsync/internal/fsm"
)

func (g *Gateway) submitBooking(ctx context.Context, req Request) (entity.MutationEvent, error) {
	switch req.Action {
	case ActionCreate:
		return g.createBooking(ctx, req)
	case ActionSetStatus:
		return g.setBookingStatus(ctx, req)
	}
	return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "unknown booking action %q", req.Action)
}

// lockBookingAndSpace acquires both serialization tokens in the fixed
// global order, booking before space, so compound commits cannot
// deadlock against each other.
func (g *Gateway) lockBookingAndSpace(bookingID, spaceID string) (unlock func()) {
	bmu := g.entityLock(entity.Key(entity.TypeBooking, bookingID))
	smu := g.entityLock(entity.Key(entity.TypeSpace, spaceID))
	bmu.Lock()
	smu.Lock()
	return func() {
		smu.Unlock()
		bmu.Unlock()
	}
}

// overlapConflict returns a fault when candidate intersects any other
// blocking booking on the same space. Called under the space lock.
func (g *Gateway) overlapConflict(ctx context.Context, candidate entity.Booking) error {
	all, err := g.listWithRetry(ctx, entity.TypeBooking)
	if err != nil {
		return err
	}
	for id, v := range all {
		if id == candidate.ID {
			continue
		}
		b, err := entity.DecodeBooking(v.Data)
		if err != nil {
			return err
		}
		if b.SpaceID != candidate.SpaceID || !b.Blocking() {
			continue
		}
		if b.Overlaps(candidate) {
			return fault.New(fault.CodeOverlapConflict, "overlaps booking %s (%s..%s)", b.ID, b.Start.Format("15:04"), b.End.Format("15:04")).At(string(entity.TypeBooking), candidate.ID)
		}
	}
	return nil
}

// nextUpcomingID returns the id of the earliest upcoming booking on the
// space, excluding skip.
func (g *Gateway) nextUpcomingID(ctx context.Context, spaceID, skip string) string {
	all, err := g.listWithRetry(ctx, entity.TypeBooking)
	if err != nil {
		return ""
	}
	var best entity.Booking
	for id, v := range all {
		if id == skip {
			continue
		}
		b, err := entity.DecodeBooking(v.Data)
		if err != nil || b.SpaceID != spaceID || b.Status != entity.BookingUpcoming {
			continue
		}
		if best.ID == "" || b.Start.Before(best.Start) {
			best = b
		}
	}
	return best.ID
}

func (g *Gateway) createBooking(ctx context.Context, req Request) (entity.MutationEvent, error) {
	b, err := entity.DecodeBooking(req.Payload)
	if err != nil {
		return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "%v", err)
	}
	b.ID = ensureID(firstNonEmpty(req.EntityID, b.ID))
	if !b.End.After(b.Start) {
		return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "booking end must be after start")
	}
	b.Status = entity.BookingUpcoming

	unlock := g.lockBookingAndSpace(b.ID, b.SpaceID)
	defer unlock()

	sv, err := g.getWithRetry(ctx, entity.TypeSpace, b.SpaceID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	sp, err := entity.DecodeSpace(sv.Data)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if sp.Status == entity.SpaceMaintenance {
		return entity.MutationEvent{}, fault.New(fault.CodeSpaceBusy, "space %s is under maintenance", sp.ID)
	}
	if err := g.overlapConflict(ctx, b); err != nil {
		return entity.MutationEvent{}, err
	}
	b.SpaceName = sp.Name
	if b.BusinessID == "" {
		b.BusinessID = sp.BusinessID
	}

	snap, err := entity.Encode(b)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if _, err := g.putWithRetry(ctx, entity.TypeBooking, b.ID, snap, 0); err != nil {
		return entity.MutationEvent{}, err
	}
	ev := g.newEvent(entity.TypeBooking, b.ID, b.BusinessID, snap, req.ActorID)
	return g.publish([]entity.MutationEvent{ev})[0], nil
}

func (g *Gateway) setBookingStatus(ctx context.Context, req Request) (entity.MutationEvent, error) {
	var p setStatusPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return entity.MutationEvent{}, err
	}
	requested := entity.BookingStatus(p.Status)

	// The space id is not known until the booking is loaded, and the
	// space lock must come after the booking lock. Load once unlocked to
	// learn the space, then lock both and re-load.
	peek, err := g.getWithRetry(ctx, entity.TypeBooking, req.EntityID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	peeked, err := entity.DecodeBooking(peek.Data)
	if err != nil {
		return entity.MutationEvent{}, err
	}

	unlock := g.lockBookingAndSpace(req.EntityID, peeked.SpaceID)
	defer unlock()

	bv, err := g.getWithRetry(ctx, entity.TypeBooking, req.EntityID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	b, err := entity.DecodeBooking(bv.Data)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if err := checkExpectedStatus(req.ExpectedStatus, string(b.Status)); err != nil {
		return entity.MutationEvent{}, err
	}
	manual := !req.auto
	if err := fsm.ValidateBooking(b.Status, requested, b.Start, b.End, Now(), manual); err != nil {
		return entity.MutationEvent{}, err
	}

	prev := b.Status
	b.Status = requested
	snap, err := entity.Encode(b)
	if err != nil {
		return entity.MutationEvent{}, err
	}

	switch {
	case prev == entity.BookingUpcoming && requested == entity.BookingActive:
		return g.commitActivation(ctx, req, b, bv.Version, snap)
	case prev == entity.BookingActive && requested == entity.BookingCompleted:
		return g.commitCompletion(ctx, req, b, bv.Version, snap)
	}

	// No-show completion never touched the space; single-entity commit.
	if _, err := g.putWithRetry(ctx, entity.TypeBooking, b.ID, snap, bv.Version); err != nil {
		return entity.MutationEvent{}, err
	}
	ev := g.newEvent(entity.TypeBooking, b.ID, b.BusinessID, snap, req.ActorID)
	return g.publish([]entity.MutationEvent{ev})[0], nil
}

// commitActivation is the compound commit: booking goes active and its
// space goes occupied, or neither becomes visible.
func (g *Gateway) commitActivation(ctx context.Context, req Request, b entity.Booking, bookingVer int64, bookingSnap []byte) (entity.MutationEvent, error) {
	sv, err := g.getWithRetry(ctx, entity.TypeSpace, b.SpaceID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	sp, err := entity.DecodeSpace(sv.Data)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if sp.Status == entity.SpaceMaintenance {
		return entity.MutationEvent{}, fault.New(fault.CodeSpaceBusy, "space %s is under maintenance", sp.ID)
	}
	if err := fsm.ValidateSpace(sp.Status, entity.SpaceOccupied, true, false, false); err != nil {
		return entity.MutationEvent{}, err
	}
	sp.Status = entity.SpaceOccupied
	sp.CurrentBookingID = b.ID
	sp.CurrentChefID = b.ChefID
	sp.NextBookingID = g.nextUpcomingID(ctx, sp.ID, b.ID)
	spaceSnap, err := entity.Encode(sp)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	return g.commitCompound(ctx, req, b, bookingVer, bookingSnap, sp, sv.Version, spaceSnap)
}

// commitCompletion releases the space when the completing booking is the
// current occupant.
func (g *Gateway) commitCompletion(ctx context.Context, req Request, b entity.Booking, bookingVer int64, bookingSnap []byte) (entity.MutationEvent, error) {
	sv, err := g.getWithRetry(ctx, entity.TypeSpace, b.SpaceID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	sp, err := entity.DecodeSpace(sv.Data)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if sp.CurrentBookingID != b.ID || sp.Status != entity.SpaceOccupied {
		// Space was forced into maintenance or never flipped; complete
		// the booking alone.
		if _, err := g.putWithRetry(ctx, entity.TypeBooking, b.ID, bookingSnap, bookingVer); err != nil {
			return entity.MutationEvent{}, err
		}
		ev := g.newEvent(entity.TypeBooking, b.ID, b.BusinessID, bookingSnap, req.ActorID)
		return g.publish([]entity.MutationEvent{ev})[0], nil
	}
	sp.Status = entity.SpaceAvailable
	sp.CurrentBookingID = ""
	sp.CurrentChefID = ""
	sp.NextBookingID = g.nextUpcomingID(ctx, sp.ID, b.ID)
	spaceSnap, err := entity.Encode(sp)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	return g.commitCompound(ctx, req, b, bookingVer, bookingSnap, sp, sv.Version, spaceSnap)
}

// commitCompound writes both snapshots while both entity locks are held
// and appends both events in one atomic batch.
func (g *Gateway) commitCompound(ctx context.Context, req Request, b entity.Booking, bookingVer int64, bookingSnap []byte, sp entity.KitchenSpace, spaceVer int64, spaceSnap []byte) (entity.MutationEvent, error) {
	prior, err := g.getWithRetry(ctx, entity.TypeBooking, b.ID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if _, err := g.putWithRetry(ctx, entity.TypeBooking, b.ID, bookingSnap, bookingVer); err != nil {
		return entity.MutationEvent{}, err
	}
	if _, err := g.putWithRetry(ctx, entity.TypeSpace, sp.ID, spaceSnap, spaceVer); err != nil {
		// Roll the booking back so no half of the compound survives.
		if _, rbErr := g.store.Put(entity.TypeBooking, b.ID, prior.Data, bookingVer+1); rbErr != nil {
			g.logger.Error().Str("booking", b.ID).Err(rbErr).Msg("compound rollback failed")
		}
		return entity.MutationEvent{}, err
	}

	bookingEv := g.newEvent(entity.TypeBooking, b.ID, b.BusinessID, bookingSnap, req.ActorID)
	spaceEv := g.newEvent(entity.TypeSpace, sp.ID, sp.BusinessID, spaceSnap, req.ActorID)
	evs := g.publish([]entity.MutationEvent{bookingEv, spaceEv})
	return evs[0], nil
}

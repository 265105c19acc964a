// Package fsm holds the pure transition rules for orders, bookings and
// kitchen spaces. Nothing here touches shared state; every function is
// safe to call from any goroutine.
package fsm

import (
	"time"

	"kitsync/internal/entity"
	"kitsync/internal/fault"
)

// orderNext maps each order status to its single legal forward step.
var orderNext = map[entity.OrderStatus]entity.OrderStatus{
	entity.OrderPending:    entity.OrderInProgress,
	entity.OrderInProgress: entity.OrderReady,
	entity.OrderReady:      entity.OrderCompleted,
}

// OrderTerminal reports whether no further transition is legal.
func OrderTerminal(s entity.OrderStatus) bool {
	return s == entity.OrderCompleted || s == entity.OrderCancelled
}

// ValidateOrder accepts exactly one forward step at a time, or a cancel
// from any non-terminal status.
func ValidateOrder(current, requested entity.OrderStatus) error {
	if requested == entity.OrderCancelled {
		if OrderTerminal(current) {
			return fault.New(fault.CodeInvalidTransition, "order %s cannot be cancelled", current)
		}
		return nil
	}
	next, ok := orderNext[current]
	if !ok {
		return fault.New(fault.CodeInvalidTransition, "order %s is terminal", current)
	}
	if requested != next {
		return fault.New(fault.CodeInvalidTransition, "order %s -> %s skips %s", current, requested, next)
	}
	return nil
}

// ValidateBooking gates activation and completion on the wall clock.
// Manual requests may complete early (walk-out) or complete an upcoming
// booking directly (no-show); they may not activate before start.
func ValidateBooking(current, requested entity.BookingStatus, start, end, now time.Time, manual bool) error {
	switch {
	case current == entity.BookingUpcoming && requested == entity.BookingActive:
		if now.Before(start) {
			return fault.New(fault.CodeInvalidTransition, "booking activation before start time %s", start.Format(time.RFC3339))
		}
		return nil
	case current == entity.BookingActive && requested == entity.BookingCompleted:
		if manual || !now.Before(end) {
			return nil
		}
		return fault.New(fault.CodeInvalidTransition, "booking completion before end time %s", end.Format(time.RFC3339))
	case current == entity.BookingUpcoming && requested == entity.BookingCompleted:
		if manual {
			return nil // no-show
		}
		return fault.New(fault.CodeInvalidTransition, "upcoming booking auto-completed without no-show override")
	}
	return fault.New(fault.CodeInvalidTransition, "booking %s -> %s", current, requested)
}

// ValidateSpace applies the occupancy rules. auto marks transitions
// driven by a booking compound commit; activeBooking reports whether the
// space currently has an active booking; force overrides the busy check
// for maintenance.
func ValidateSpace(current, requested entity.SpaceStatus, auto, activeBooking, force bool) error {
	switch {
	case current == entity.SpaceAvailable && requested == entity.SpaceOccupied,
		current == entity.SpaceOccupied && requested == entity.SpaceAvailable:
		if !auto {
			return fault.New(fault.CodeInvalidTransition, "space occupancy is driven by bookings, not set directly")
		}
		return nil
	case requested == entity.SpaceMaintenance:
		if current == entity.SpaceMaintenance {
			return fault.New(fault.CodeInvalidTransition, "space already in maintenance")
		}
		if activeBooking && !force {
			return fault.New(fault.CodeSpaceBusy, "space has an active booking")
		}
		return nil
	case current == entity.SpaceMaintenance && requested == entity.SpaceAvailable:
		return nil
	}
	return fault.New(fault.CodeInvalidTransition, "space %s -> %s", current, requested)
}

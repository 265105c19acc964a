package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies which kind of entity a snapshot or event refers to.
type Type string

const (
	TypeOrder   Type = "order"
	TypeBooking Type = "booking"
	TypeSpace   Type = "space"
)

// ParseType validates a wire-level entity type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeOrder, TypeBooking, TypeSpace:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Key returns the composite store key type#id.
func Key(t Type, id string) string {
	return fmt.Sprintf("%s#%s", t, id)
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in-progress"
	OrderReady      OrderStatus = "ready"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

type BookingStatus string

const (
	BookingUpcoming  BookingStatus = "upcoming"
	BookingActive    BookingStatus = "active"
	BookingCompleted BookingStatus = "completed"
)

type SpaceStatus string

const (
	SpaceAvailable   SpaceStatus = "available"
	SpaceOccupied    SpaceStatus = "occupied"
	SpaceMaintenance SpaceStatus = "maintenance"
)

// OrderItem is a single line of an order. Price is in cents.
type OrderItem struct {
	Name   string `json:"name"`
	Price  int64  `json:"price"`
	ChefID string `json:"chefId"`
}

// Order represents a customer order owned by a business.
type Order struct {
	ID           string      `json:"id"`
	CustomerName string      `json:"customerName"`
	Items        []OrderItem `json:"items"`
	Total        int64       `json:"total"`
	Status       OrderStatus `json:"status"`
	BusinessID   string      `json:"businessId"`
}

// RecomputeTotal derives Total from the item prices.
func (o *Order) RecomputeTotal() {
	var sum int64
	for _, it := range o.Items {
		sum += it.Price
	}
	o.Total = sum
}

// Booking reserves a kitchen space for a chef over [Start, End).
type Booking struct {
	ID         string        `json:"id"`
	ChefID     string        `json:"chefId"`
	ChefName   string        `json:"chefName,omitempty"`
	SpaceID    string        `json:"spaceId"`
	SpaceName  string        `json:"spaceName,omitempty"`
	Start      time.Time     `json:"startTime"`
	End        time.Time     `json:"endTime"`
	Status     BookingStatus `json:"status"`
	BusinessID string        `json:"businessId"`
}

// Blocking reports whether the booking still reserves its space.
func (b Booking) Blocking() bool {
	return b.Status == BookingUpcoming || b.Status == BookingActive
}

// Overlaps reports whether two half-open intervals [Start, End) intersect.
func (b Booking) Overlaps(other Booking) bool {
	return b.Start.Before(other.End) && other.Start.Before(b.End)
}

// KitchenSpace is a bookable unit of a shared kitchen.
type KitchenSpace struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Status           SpaceStatus `json:"status"`
	CurrentBookingID string      `json:"currentBookingId,omitempty"`
	CurrentChefID    string      `json:"currentChefId,omitempty"`
	NextBookingID    string      `json:"nextBookingId,omitempty"`
	BusinessID       string      `json:"businessId"`
}

// MutationEvent is the immutable record of one committed mutation.
// Snapshot carries the full post-mutation entity state, so re-applying
// the same event is a no-op for any subscriber.
type MutationEvent struct {
	Seq        int64           `json:"seq"`
	EntityType Type            `json:"entityType"`
	EntityID   string          `json:"entityId"`
	BusinessID string          `json:"businessId"`
	Snapshot   json.RawMessage `json:"snapshot"`
	ActorID    string          `json:"actorId"`
	TS         int64           `json:"ts"`
}

// StatusOf extracts the status field from a raw snapshot without decoding
// the full entity.
func StatusOf(raw json.RawMessage) (string, error) {
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	return probe.Status, nil
}

// Encode marshals an entity snapshot for storage or event emission.
func Encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// DecodeOrder decodes a raw snapshot into an Order.
func DecodeOrder(raw json.RawMessage) (Order, error) {
	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return Order{}, fmt.Errorf("decode order: %w", err)
	}
	return o, nil
}

// DecodeBooking decodes a raw snapshot into a Booking.
func DecodeBooking(raw json.RawMessage) (Booking, error) {
	var b Booking
	if err := json.Unmarshal(raw, &b); err != nil {
		return Booking{}, fmt.Errorf("decode booking: %w", err)
	}
	return b, nil
}

// DecodeSpace decodes a raw snapshot into a KitchenSpace.
func DecodeSpace(raw json.RawMessage) (KitchenSpace, error) {
	var s KitchenSpace
	if err := json.Unmarshal(raw, &s); err != nil {
		return KitchenSpace{}, fmt.Errorf("decode space: %w", err)
	}
	return s, nil
}

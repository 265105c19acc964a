package gateway

import (
	"context"

	"kitsync/internal/entity"
	"kitsync/internal/fault"
	"kitsync/internal/fsm"
)

func (g *Gateway) submitOrder(ctx context.Context, req Request) (entity.MutationEvent, error) {
	switch req.Action {
	case ActionCreate:
		return g.createOrder(ctx, req)
	case ActionSetStatus:
		return g.setOrderStatus(ctx, req)
	case ActionUpdateItems:
		return g.updateOrderItems(ctx, req)
	}
	return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "unknown order action %q", req.Action)
}

func (g *Gateway) createOrder(ctx context.Context, req Request) (entity.MutationEvent, error) {
	o, err := entity.DecodeOrder(req.Payload)
	if err != nil {
		return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "%v", err)
	}
	o.ID = ensureID(firstNonEmpty(req.EntityID, o.ID))
	if len(o.Items) == 0 {
		return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "order has no items")
	}
	o.Status = entity.OrderPending
	o.RecomputeTotal()

	mu := g.entityLock(entity.Key(entity.TypeOrder, o.ID))
	mu.Lock()
	defer mu.Unlock()

	snap, err := entity.Encode(o)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if _, err := g.putWithRetry(ctx, entity.TypeOrder, o.ID, snap, 0); err != nil {
		return entity.MutationEvent{}, err
	}
	ev := g.newEvent(entity.TypeOrder, o.ID, o.BusinessID, snap, req.ActorID)
	return g.publish([]entity.MutationEvent{ev})[0], nil
}

func (g *Gateway) setOrderStatus(ctx context.Context, req Request) (entity.MutationEvent, error) {
	var p setStatusPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return entity.MutationEvent{}, err
	}

	mu := g.entityLock(entity.Key(entity.TypeOrder, req.EntityID))
	mu.Lock()
	defer mu.Unlock()

	cur, err := g.getWithRetry(ctx, entity.TypeOrder, req.EntityID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	o, err := entity.DecodeOrder(cur.Data)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if err := checkExpectedStatus(req.ExpectedStatus, string(o.Status)); err != nil {
		return entity.MutationEvent{}, err
	}
	if err := fsm.ValidateOrder(o.Status, entity.OrderStatus(p.Status)); err != nil {
		return entity.MutationEvent{}, err
	}
	o.Status = entity.OrderStatus(p.Status)
	o.RecomputeTotal()

	snap, err := entity.Encode(o)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if _, err := g.putWithRetry(ctx, entity.TypeOrder, o.ID, snap, cur.Version); err != nil {
		return entity.MutationEvent{}, err
	}
	ev := g.newEvent(entity.TypeOrder, o.ID, o.BusinessID, snap, req.ActorID)
	return g.publish([]entity.MutationEvent{ev})[0], nil
}

func (g *Gateway) updateOrderItems(ctx context.Context, req Request) (entity.MutationEvent, error) {
	var p updateItemsPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return entity.MutationEvent{}, err
	}
	if len(p.Items) == 0 {
		return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "order has no items")
	}

	mu := g.entityLock(entity.Key(entity.TypeOrder, req.EntityID))
	mu.Lock()
	defer mu.Unlock()

	cur, err := g.getWithRetry(ctx, entity.TypeOrder, req.EntityID)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	o, err := entity.DecodeOrder(cur.Data)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if err := checkExpectedStatus(req.ExpectedStatus, string(o.Status)); err != nil {
		return entity.MutationEvent{}, err
	}
	// Item edits are only allowed before the kitchen starts on the order.
	if o.Status != entity.OrderPending {
		return entity.MutationEvent{}, fault.New(fault.CodeInvalidTransition, "order %s is no longer editable", o.Status)
	}
	o.Items = p.Items
	if p.CustomerName != "" {
		o.CustomerName = p.CustomerName
	}
	o.RecomputeTotal()

	snap, err := entity.Encode(o)
	if err != nil {
		return entity.MutationEvent{}, err
	}
	if _, err := g.putWithRetry(ctx, entity.TypeOrder, o.ID, snap, cur.Version); err != nil {
		return entity.MutationEvent{}, err
	}
	ev := g.newEvent(entity.TypeOrder, o.ID, o.BusinessID, snap, req.ActorID)
	return g.publish([]entity.MutationEvent{ev})[0], nil
}

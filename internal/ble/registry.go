package ble

import (
	"errors"
	"sort"
)

var errNotNotifiable = errors.New("ble: characteristic does not support notify or indicate")

type central struct {
	id            CentralID
	subscriptions map[UUID]struct{}
}

// ConnectionRegistry tracks connected centrals and their subscriptions.
// A subscription exists only for a connected central on a notifiable
// characteristic. It is not safe for concurrent use; the Peripheral
// serializes access to it.
type ConnectionRegistry struct {
	centrals    map[CentralID]*central
	subscribers map[UUID]map[CentralID]struct{}
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		centrals:    make(map[CentralID]*central),
		subscribers: make(map[UUID]map[CentralID]struct{}),
	}
}

// OnConnected records a central. It reports false if the central was
// already known.
func (r *ConnectionRegistry) OnConnected(id CentralID) bool {
	if _, ok := r.centrals[id]; ok {
		return false
	}
	r.centrals[id] = &central{id: id, subscriptions: make(map[UUID]struct{})}
	return true
}

// OnDisconnected forgets a central and purges all of its subscriptions,
// returning the characteristics it was subscribed to in sorted order.
func (r *ConnectionRegistry) OnDisconnected(id CentralID) (purged []UUID, known bool) {
	c, ok := r.centrals[id]
	if !ok {
		return nil, false
	}
	for u := range c.subscriptions {
		r.dropSubscriber(u, id)
		purged = append(purged, u)
	}
	delete(r.centrals, id)
	sortUUIDs(purged)
	return purged, true
}

// Connected reports whether the central is known.
func (r *ConnectionRegistry) Connected(id CentralID) bool {
	_, ok := r.centrals[id]
	return ok
}

// Subscribe adds central to the subscribers of c, registering the central
// if it is not yet known. It reports whether the subscription is new, and
// returns an error for characteristics that cannot notify.
func (r *ConnectionRegistry) Subscribe(id CentralID, c *Characteristic) (bool, error) {
	if !c.Notifiable() {
		return false, errNotNotifiable
	}
	r.OnConnected(id)
	cen := r.centrals[id]
	if _, ok := cen.subscriptions[c.uuid]; ok {
		return false, nil
	}
	cen.subscriptions[c.uuid] = struct{}{}
	subs := r.subscribers[c.uuid]
	if subs == nil {
		subs = make(map[CentralID]struct{})
		r.subscribers[c.uuid] = subs
	}
	subs[id] = struct{}{}
	return true, nil
}

// Unsubscribe removes central from the subscribers of the characteristic.
// It reports whether a subscription was removed.
func (r *ConnectionRegistry) Unsubscribe(id CentralID, u UUID) bool {
	cen, ok := r.centrals[id]
	if !ok {
		return false
	}
	if _, ok := cen.subscriptions[u]; !ok {
		return false
	}
	delete(cen.subscriptions, u)
	r.dropSubscriber(u, id)
	return true
}

func (r *ConnectionRegistry) dropSubscriber(u UUID, id CentralID) {
	subs := r.subscribers[u]
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.subscribers, u)
	}
}

// SubscribersOf returns the centrals subscribed to a characteristic,
// sorted by id.
func (r *ConnectionRegistry) SubscribersOf(u UUID) []CentralID {
	subs := r.subscribers[u]
	if len(subs) == 0 {
		return nil
	}
	out := make([]CentralID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Centrals returns the known centrals, sorted by id.
func (r *ConnectionRegistry) Centrals() []CentralID {
	out := make([]CentralID, 0, len(r.centrals))
	for id := range r.centrals {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of known centrals.
func (r *ConnectionRegistry) Len() int {
	return len(r.centrals)
}

// Clear forgets every central and subscription.
func (r *ConnectionRegistry) Clear() {
	r.centrals = make(map[CentralID]*central)
	r.subscribers = make(map[UUID]map[CentralID]struct{})
}

func sortUUIDs(us []UUID) {
	sort.Slice(us, func(i, j int) bool { return us[i].String() < us[j].String() })
}

package ble

import "testing"

func TestEventBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewEventBus()
	var order []string
	bus.Listen(func(Event) { order = append(order, "first") })
	bus.Listen(func(Event) { order = append(order, "second") })

	bus.Emit(AdvertisingStarted{})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("delivery order = %v, want [first second]", order)
	}
}

func TestEventBusRemove(t *testing.T) {
	bus := NewEventBus()
	count := 0
	remove := bus.Listen(func(Event) { count++ })
	bus.Emit(StateChanged{State: StatePoweredOn})
	remove()
	bus.Emit(StateChanged{State: StatePoweredOff})

	if count != 1 {
		t.Errorf("listener called %d times, want 1", count)
	}
	if bus.Len() != 0 {
		t.Errorf("Len() = %d, want 0", bus.Len())
	}
}

func TestEventBusRemoveAll(t *testing.T) {
	bus := NewEventBus()
	called := false
	bus.Listen(func(Event) { called = true })
	bus.Listen(func(Event) { called = true })
	bus.RemoveAll()
	bus.Emit(ServiceAdded{})

	if called {
		t.Error("listener called after RemoveAll()")
	}
}

func TestEventBusListenerMayRemoveItself(t *testing.T) {
	bus := NewEventBus()
	var remove func()
	calls := 0
	remove = bus.Listen(func(Event) {
		calls++
		remove()
	})
	bus.Emit(ServiceAdded{})
	bus.Emit(ServiceAdded{})
	if calls != 1 {
		t.Errorf("self-removing listener called %d times, want 1", calls)
	}
}

func TestListenForFiltersByType(t *testing.T) {
	bus := NewEventBus()
	var writes []WriteReceived
	ListenFor(bus, func(ev WriteReceived) { writes = append(writes, ev) })

	bus.Emit(Subscribed{Central: "a"})
	bus.Emit(WriteReceived{Central: "a", Value: []byte("x")})

	if len(writes) != 1 || string(writes[0].Value) != "x" {
		t.Errorf("writes = %+v, want one write of %q", writes, "x")
	}
}

func TestEventNames(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{StateChanged{}, "stateChanged"},
		{AdvertisingStarted{}, "advertisingStarted"},
		{ServiceAdded{}, "serviceAdded"},
		{WriteReceived{}, "writeReceived"},
		{Subscribed{}, "subscribed"},
		{Unsubscribed{}, "unsubscribed"},
		{ErrorEvent{}, "error"},
	}
	for _, tt := range tests {
		if got := tt.ev.EventName(); got != tt.want {
			t.Errorf("%T.EventName() = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

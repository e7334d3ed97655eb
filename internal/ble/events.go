package ble

import "sync"

// ErrorCode identifies an error reported to the application. Codes that
// also exist in the React Native module keep its spelling.
type ErrorCode string

const (
	CodeBluetoothOff          ErrorCode = "BLUETOOTH_OFF"
	CodeUnsupported           ErrorCode = "UNSUPPORTED"
	CodeAlreadyAdvertising    ErrorCode = "ALREADY_ADVERTISING"
	CodeAlreadyPublished      ErrorCode = "ALREADY_PUBLISHED"
	CodeDuplicateUUID         ErrorCode = "DUPLICATE_UUID"
	CodeServiceMismatch       ErrorCode = "SERVICE_MISMATCH"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeNotPublished          ErrorCode = "NOT_PUBLISHED"
	CodeInternal              ErrorCode = "ERROR"
	CodeServiceAddFailed      ErrorCode = "SERVICE_ADD_FAILED"
	CodeAdvertiseFailed       ErrorCode = "ADVERTISE_FAILED"
	CodeNotificationFailed    ErrorCode = "UPDATE_FAILED"
	CodeSubscribeNotSupported ErrorCode = "SUBSCRIBE_NOT_SUPPORTED"
	CodeNotAdvertising        ErrorCode = "NOT_ADVERTISING"
	CodeRadioPoweredOff       ErrorCode = "RADIO_POWERED_OFF"
	CodeDuplicateRequest      ErrorCode = "DUPLICATE_REQUEST"
	CodeProtocol              ErrorCode = "PROTOCOL_ERROR"
)

// An Event is a state change reported to the application.
type Event interface {
	EventName() string
}

// StateChanged reports a new radio power state.
type StateChanged struct {
	State RadioState `json:"state"`
}

// AdvertisingStarted reports that the radio confirmed advertising.
type AdvertisingStarted struct {
	ServiceUUID UUID   `json:"serviceUUID"`
	DeviceName  string `json:"deviceName"`
}

// AdvertisingStopped reports that the published service was retired.
type AdvertisingStopped struct {
	ServiceUUID UUID `json:"serviceUUID"`
}

// ServiceAdded reports that the radio registered the service.
type ServiceAdded struct {
	ServiceUUID UUID `json:"serviceUUID"`
}

// WriteReceived reports a value written by a central.
type WriteReceived struct {
	CharacteristicUUID UUID      `json:"characteristicUUID"`
	Central            CentralID `json:"central"`
	Value              []byte    `json:"value"`
}

// Subscribed reports a central enabling notifications or indications.
type Subscribed struct {
	CharacteristicUUID UUID      `json:"characteristicUUID"`
	Central            CentralID `json:"central"`
}

// Unsubscribed reports a central disabling notifications or indications.
type Unsubscribed struct {
	CharacteristicUUID UUID      `json:"characteristicUUID"`
	Central            CentralID `json:"central"`
}

// ConnectionStateChanged reports a central connecting or disconnecting.
type ConnectionStateChanged struct {
	Central   CentralID `json:"central"`
	Connected bool      `json:"connected"`
}

// ErrorEvent reports a failure that has no caller to return it to.
type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Central CentralID `json:"central,omitempty"`
}

func (StateChanged) EventName() string           { return "stateChanged" }
func (AdvertisingStarted) EventName() string     { return "advertisingStarted" }
func (AdvertisingStopped) EventName() string     { return "advertisingStopped" }
func (ServiceAdded) EventName() string           { return "serviceAdded" }
func (WriteReceived) EventName() string          { return "writeReceived" }
func (Subscribed) EventName() string             { return "subscribed" }
func (Unsubscribed) EventName() string           { return "unsubscribed" }
func (ConnectionStateChanged) EventName() string { return "connectionStateChanged" }
func (ErrorEvent) EventName() string             { return "error" }

// An EventSink receives every event the engine reports.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc is an adapter to allow the use of
// ordinary functions as EventSinks.
type EventSinkFunc func(ev Event)

// Emit calls f(ev).
func (f EventSinkFunc) Emit(ev Event) { f(ev) }

type listener struct {
	id int
	fn func(Event)
}

// EventBus is an EventSink that fans events out to registered listeners
// in registration order. Events emitted while nobody listens are dropped.
// Safe for concurrent use.
type EventBus struct {
	mu        sync.RWMutex
	nextID    int
	listeners []listener
}

// NewEventBus returns an EventBus with no listeners.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Listen registers fn and returns a function that removes it.
func (b *EventBus) Listen(fn func(Event)) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	return func() { b.remove(id) }
}

// ListenFor registers fn for events of type T only.
func ListenFor[T Event](b *EventBus, fn func(T)) (remove func()) {
	return b.Listen(func(ev Event) {
		if t, ok := ev.(T); ok {
			fn(t)
		}
	})
}

func (b *EventBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// RemoveAll drops every listener.
func (b *EventBus) RemoveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = nil
}

// Len returns the number of registered listeners.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Emit delivers ev to a snapshot of the current listeners.
func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	snapshot := make([]listener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(ev)
	}
}

// Compile-time check that EventBus implements EventSink.
var _ EventSink = (*EventBus)(nil)

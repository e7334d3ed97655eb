// Package ble implements a BLE peripheral GATT engine: it builds a single
// service schema, publishes and advertises it through a Radio, tracks
// connected centrals and their subscriptions, answers read and write
// requests, and pushes value updates to subscribers.
package ble

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chaz8081/gatt-peripheral/internal/ble/att"
)

// Radio backends.
const (
	BackendHCI   = "hci"
	BackendBlueZ = "bluez"
)

// RadioConfig selects and configures a radio backend for NewRadio.
type RadioConfig struct {
	Backend        string
	HCIDevice      int // -1 picks the first usable controller
	CheckLE        bool
	MaxConnections int
	Logger         logrus.FieldLogger
}

// RadioState is the power state of the radio. Only the radio changes it.
type RadioState int

const (
	StateUnknown RadioState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

var radioStateNames = []string{
	"unknown",
	"resetting",
	"unsupported",
	"unauthorized",
	"poweredOff",
	"poweredOn",
}

func (s RadioState) String() string {
	if int(s) < 0 || int(s) >= len(radioStateNames) {
		return fmt.Sprintf("RadioState(%d)", int(s))
	}
	return radioStateNames[s]
}

func (s RadioState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CentralID is an opaque key for a connected central: an address on
// some stacks, a connection handle or OS-assigned identifier on others.
// It is never assumed stable across process restarts.
type CentralID string

// RequestID identifies one inbound request. Radios that do not number
// requests themselves allocate IDs with a ResponseSlots.
type RequestID uint64

// RequestKind is the kind of a PendingRequest.
type RequestKind int

const (
	ReadRequest RequestKind = iota + 1
	WriteRequest
	DescriptorWriteRequest
)

// A PendingRequest is an inbound request awaiting exactly one response.
type PendingRequest struct {
	ID               RequestID
	Central          CentralID
	Kind             RequestKind
	Characteristic   UUID
	Descriptor       UUID // DescriptorWriteRequest only
	Offset           int
	Value            []byte // writes only
	ResponseExpected bool   // writes only; reads always expect one
}

// Radio abstracts the peripheral radio stack. Command methods must not
// block on I/O and must never call back into the RadioHandler from the
// calling goroutine; completions are delivered later, serially.
type Radio interface {
	// Enable powers on the radio and starts delivering events to h.
	Enable(h RadioHandler) error
	// PowerState returns the last known power state.
	PowerState() RadioState
	// Register adds the service to the radio's GATT database.
	Register(svc *Service) error
	// Unregister removes the service from the GATT database.
	Unregister(svc *Service)
	// StartAdvertising broadcasts the registered service's uuid and the
	// device name. The completion names svc.
	StartAdvertising(svc *Service, deviceName string) error
	// StopAdvertising stops broadcasting.
	StopAdvertising()
	// SendResponse answers a pending request.
	SendResponse(central CentralID, id RequestID, status att.Status, offset int, value []byte)
	// PushNotification sends value to one subscribed central. It reports
	// false when the radio could not queue it, e.g. its buffer is full.
	PushNotification(central CentralID, characteristic UUID, value []byte) bool
}

// A Broadcaster pushes one value to every subscribed central in a single
// radio operation. Radios whose stack cannot address centrals
// individually implement it; the engine then skips PushNotification.
type Broadcaster interface {
	Broadcast(characteristic UUID, value []byte) error
}

// RadioHandler receives inbound radio events. Peripheral implements it.
type RadioHandler interface {
	OnStateChange(state RadioState)
	OnConnectionStateChange(central CentralID, connected bool)
	OnCharacteristicRead(req PendingRequest)
	OnCharacteristicWrite(req PendingRequest)
	OnDescriptorWrite(req PendingRequest)
	// OnSubscriptionChange is for stacks that decode the CCCD themselves.
	OnSubscriptionChange(central CentralID, characteristic UUID, subscribed bool)
	// Completions name the *Service they were issued for; a republished
	// service with the same uuid is a different *Service.
	OnServiceRegistered(svc *Service, err error)
	OnAdvertisingStarted(svc *Service, err error)
}

// SerialQueue runs posted functions one at a time, in order, on its own
// goroutine. Radio backends post completions and stack callbacks to it so
// the handler sees a single sequential event context.
type SerialQueue struct {
	mu     sync.Mutex
	closed bool
	ch     chan func()
	done   chan struct{}
}

// NewSerialQueue starts a queue buffering up to size pending functions.
func NewSerialQueue(size int) *SerialQueue {
	if size <= 0 {
		size = 64
	}
	q := &SerialQueue{
		ch:   make(chan func(), size),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for fn := range q.ch {
		fn()
	}
}

// Post queues fn. It reports false if the queue has been closed.
func (q *SerialQueue) Post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ch <- fn
	return true
}

// Close stops accepting functions and waits for queued ones to run.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}

// ResponseSlots correlates a stack callback that must answer inline with
// the SendResponse call the engine makes while handling it. The backend
// opens a slot, hands the request to the engine, then takes the slot.
type ResponseSlots struct {
	mu    sync.Mutex
	next  RequestID
	slots map[RequestID]*slot
}

type slot struct {
	filled bool
	status att.Status
	value  []byte
}

// NewResponseSlots returns an empty ResponseSlots.
func NewResponseSlots() *ResponseSlots {
	return &ResponseSlots{slots: make(map[RequestID]*slot)}
}

// Open allocates a request ID with an empty slot.
func (s *ResponseSlots) Open() RequestID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.slots[s.next] = &slot{}
	return s.next
}

// Fill stores the response for id. It reports false for an unknown id or
// a slot that was already filled, so a request is never answered twice.
func (s *ResponseSlots) Fill(id RequestID, status att.Status, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok || sl.filled {
		return false
	}
	sl.filled, sl.status, sl.value = true, status, value
	return true
}

// Take removes the slot for id and returns its response, if any.
func (s *ResponseSlots) Take(id RequestID) (att.Status, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	delete(s.slots, id)
	if !ok || !sl.filled {
		return att.StatusUnlikelyError, nil, false
	}
	return sl.status, sl.value, true
}

// Pending returns the number of open slots.
func (s *ResponseSlots) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

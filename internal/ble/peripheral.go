package ble

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// ControllerState is the advertising lifecycle state of a Peripheral.
type ControllerState int

const (
	Idle ControllerState = iota
	Building
	Advertising
	Stopping
)

func (s ControllerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Advertising:
		return "advertising"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("ControllerState(%d)", int(s))
}

func (s ControllerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures a Peripheral.
type Options struct {
	// Logger receives engine log lines. Nil means logrus.StandardLogger().
	Logger logrus.FieldLogger
	// ResolvedRequestCache bounds how many answered requests are
	// remembered to drop redeliveries.
	ResolvedRequestCache int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Logger:               logrus.StandardLogger(),
		ResolvedRequestCache: 256,
	}
}

type requestKey struct {
	central CentralID
	id      RequestID
}

// Peripheral is the GATT engine. It owns the schema, the connection
// registry and every characteristic value behind a single lock, drives
// the Radio, and reports state changes to an EventSink.
type Peripheral struct {
	radio Radio
	sink  EventSink
	log   logrus.FieldLogger

	mu         sync.Mutex
	state      ControllerState
	radioState RadioState
	deviceName string
	builder    *SchemaBuilder
	registry   *ConnectionRegistry
	resolved   *lru.Cache

	// events queued under mu, delivered by unlock
	outbox   []Event
	draining bool
}

// NewPeripheral creates an engine driving radio. Events go to sink; a nil
// sink drops them.
func NewPeripheral(radio Radio, sink EventSink, opts Options) (*Peripheral, error) {
	if radio == nil {
		return nil, fmt.Errorf("ble: radio is nil")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ResolvedRequestCache <= 0 {
		opts.ResolvedRequestCache = DefaultOptions().ResolvedRequestCache
	}
	if sink == nil {
		sink = EventSinkFunc(func(Event) {})
	}
	cache, err := lru.New(opts.ResolvedRequestCache)
	if err != nil {
		return nil, fmt.Errorf("ble: resolved request cache: %w", err)
	}
	return &Peripheral{
		radio:      radio,
		sink:       sink,
		log:        opts.Logger,
		radioState: StateUnknown,
		builder:    NewSchemaBuilder(),
		registry:   NewConnectionRegistry(),
		resolved:   cache,
	}, nil
}

// Start enables the radio. Power state changes arrive through
// OnStateChange afterwards.
func (p *Peripheral) Start() error {
	if err := p.radio.Enable(p); err != nil {
		return radioError("enable", err)
	}
	p.mu.Lock()
	defer p.unlock()
	if s := p.radio.PowerState(); s != p.radioState {
		p.radioState = s
		p.emit(StateChanged{State: s})
	}
	return nil
}

// unlock releases mu after delivering queued events in order. Events are
// emitted without the lock held so listeners may call back into the
// engine; a nested unlock leaves delivery to the outermost one.
func (p *Peripheral) unlock() {
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	for len(p.outbox) > 0 {
		ev := p.outbox[0]
		p.outbox = p.outbox[1:]
		p.mu.Unlock()
		p.sink.Emit(ev)
		p.mu.Lock()
	}
	p.outbox = nil
	p.draining = false
	p.mu.Unlock()
}

// emit queues ev for delivery. mu must be held.
func (p *Peripheral) emit(ev Event) {
	if e, ok := ev.(ErrorEvent); ok {
		entry := p.log.WithField("code", e.Code)
		if e.Central != "" {
			entry = entry.WithField("central", e.Central)
		}
		entry.Warnf("[BLE] %s", e.Message)
	}
	p.outbox = append(p.outbox, ev)
}

// OnStateChange records a new radio power state.
func (p *Peripheral) OnStateChange(state RadioState) {
	p.mu.Lock()
	defer p.unlock()
	if state == p.radioState {
		return
	}
	p.log.WithField("state", state).Infof("[BLE] radio %s", state)
	p.radioState = state
	p.emit(StateChanged{State: state})
	if state != StatePoweredOn && p.state == Advertising {
		svc := p.builder.Service()
		p.radio.StopAdvertising()
		p.radio.Unregister(svc)
		p.retire()
		p.emit(AdvertisingStopped{ServiceUUID: svc.uuid})
		p.emit(ErrorEvent{
			Code:    CodeRadioPoweredOff,
			Message: fmt.Sprintf("radio %s while advertising %s", state, svc.uuid),
		})
	}
}

// OnConnectionStateChange records a central connecting or disconnecting.
// Disconnection purges every subscription the central held.
func (p *Peripheral) OnConnectionStateChange(id CentralID, connected bool) {
	p.mu.Lock()
	defer p.unlock()
	if connected {
		p.touch(id)
		return
	}
	purged, known := p.registry.OnDisconnected(id)
	if !known {
		return
	}
	for _, u := range purged {
		p.emit(Unsubscribed{CharacteristicUUID: u, Central: id})
	}
	p.log.WithField("central", id).Info("[BLE] central disconnected")
	p.emit(ConnectionStateChanged{Central: id, Connected: false})
}

// touch registers a central on first sight. mu must be held.
func (p *Peripheral) touch(id CentralID) {
	if p.registry.OnConnected(id) {
		p.log.WithField("central", id).Info("[BLE] central connected")
		p.emit(ConnectionStateChanged{Central: id, Connected: true})
	}
}

// State returns the controller state.
func (p *Peripheral) State() ControllerState {
	p.mu.Lock()
	defer p.unlock()
	return p.state
}

// RadioState returns the last power state reported by the radio.
func (p *Peripheral) RadioState() RadioState {
	p.mu.Lock()
	defer p.unlock()
	return p.radioState
}

// IsAdvertising reports whether a service is published.
func (p *Peripheral) IsAdvertising() bool {
	return p.State() == Advertising
}

// Value returns a copy of a characteristic's current value.
func (p *Peripheral) Value(u UUID) ([]byte, bool) {
	p.mu.Lock()
	defer p.unlock()
	c, ok := p.characteristic(u)
	if !ok {
		return nil, false
	}
	return c.Value(), true
}

// SubscribersOf returns the centrals subscribed to a characteristic.
func (p *Peripheral) SubscribersOf(u UUID) []CentralID {
	p.mu.Lock()
	defer p.unlock()
	return p.registry.SubscribersOf(u)
}

// Centrals returns the known centrals.
func (p *Peripheral) Centrals() []CentralID {
	p.mu.Lock()
	defer p.unlock()
	return p.registry.Centrals()
}

// characteristic finds u in the current service. mu must be held.
func (p *Peripheral) characteristic(u UUID) (*Characteristic, bool) {
	svc := p.builder.Service()
	if svc == nil {
		return nil, false
	}
	return svc.Characteristic(u)
}

// CharacteristicInfo is a point-in-time view of a characteristic.
type CharacteristicInfo struct {
	UUID        UUID        `json:"uuid"`
	Properties  []string    `json:"properties"`
	Permissions []string    `json:"permissions"`
	Value       []byte      `json:"value"`
	Subscribers []CentralID `json:"subscribers"`
}

// ServiceInfo is a point-in-time view of the service.
type ServiceInfo struct {
	UUID            UUID                 `json:"uuid"`
	State           string               `json:"state"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

// Snapshot is a point-in-time view of the whole engine.
type Snapshot struct {
	State      ControllerState `json:"state"`
	RadioState RadioState      `json:"radioState"`
	DeviceName string          `json:"deviceName,omitempty"`
	Service    *ServiceInfo    `json:"service,omitempty"`
	Centrals   []CentralID     `json:"centrals"`
}

// Snapshot returns the current engine state.
func (p *Peripheral) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.unlock()
	s := Snapshot{
		State:      p.state,
		RadioState: p.radioState,
		DeviceName: p.deviceName,
		Centrals:   p.registry.Centrals(),
	}
	if svc := p.builder.Service(); svc != nil {
		info := &ServiceInfo{UUID: svc.uuid, State: svc.state.String()}
		for _, c := range svc.chars {
			info.Characteristics = append(info.Characteristics, CharacteristicInfo{
				UUID:        c.uuid,
				Properties:  c.props.Tokens(),
				Permissions: c.perms.Tokens(),
				Value:       c.Value(),
				Subscribers: p.registry.SubscribersOf(c.uuid),
			})
		}
		s.Service = info
	}
	return s
}

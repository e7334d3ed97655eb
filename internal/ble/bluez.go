//go:build linux

package ble

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gatt-peripheral/internal/ble/att"
)

// BlueZRadio publishes the service through BlueZ over D-Bus using
// tinygo-org/bluetooth. BlueZ answers reads from the value last handed to
// it and never reports who subscribed, so the radio is a Broadcaster and
// every central shows up as a single synthetic id.
type BlueZRadio struct {
	adapter *bluetooth.Adapter
	log     logrus.FieldLogger
	queue   *SerialQueue
	slots   *ResponseSlots

	mu         sync.Mutex
	handler    RadioHandler
	state      RadioState
	chars      map[UUID]*bluezCharacteristic
	advertised *bluetooth.AdvertisementOptions
}

// bluezCharacteristic mirrors the value BlueZ serves for one
// characteristic.
type bluezCharacteristic struct {
	handle bluetooth.Characteristic
	value  []byte
}

// NewBlueZRadio creates a radio on the default BlueZ adapter.
func NewBlueZRadio(logger logrus.FieldLogger) *BlueZRadio {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BlueZRadio{
		adapter: bluetooth.DefaultAdapter,
		log:     logger,
		queue:   NewSerialQueue(64),
		slots:   NewResponseSlots(),
		state:   StateUnknown,
		chars:   make(map[UUID]*bluezCharacteristic),
	}
}

func (r *BlueZRadio) Enable(h RadioHandler) error {
	if err := r.adapter.Enable(); err != nil {
		r.mu.Lock()
		r.state = StatePoweredOff
		r.mu.Unlock()
		return fmt.Errorf("ble: enable bluez adapter: %w", err)
	}
	r.mu.Lock()
	r.handler = h
	r.state = StatePoweredOn
	r.mu.Unlock()
	return nil
}

func (r *BlueZRadio) PowerState() RadioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *BlueZRadio) Register(svc *Service) error {
	svcUUID, err := toBluetoothUUID(svc.UUID())
	if err != nil {
		return err
	}
	chars := make(map[UUID]*bluezCharacteristic)
	var configs []bluetooth.CharacteristicConfig
	for _, c := range svc.Characteristics() {
		u, err := toBluetoothUUID(c.UUID())
		if err != nil {
			return err
		}
		bc := &bluezCharacteristic{value: c.Value()}
		chars[c.UUID()] = bc
		cfg := bluetooth.CharacteristicConfig{
			Handle: &bc.handle,
			UUID:   u,
			Value:  bc.value,
			Flags:  permissionsFor(c.Properties(), c.Permissions()),
		}
		if cfg.Flags&(bluetooth.CharacteristicWritePermission|bluetooth.CharacteristicWriteWithoutResponsePermission) != 0 {
			id := c.UUID()
			cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				r.onWrite(CentralID(fmt.Sprintf("bluez-%d", client)), id, offset, value)
			}
		}
		configs = append(configs, cfg)
	}

	if err := r.adapter.AddService(&bluetooth.Service{UUID: svcUUID, Characteristics: configs}); err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID(), err)
	}
	r.mu.Lock()
	r.chars = chars
	r.mu.Unlock()
	r.post(func(h RadioHandler) { h.OnServiceRegistered(svc, nil) })
	return nil
}

// onWrite hands a central's write to the handler and, once accepted,
// mirrors it into the value BlueZ serves.
func (r *BlueZRadio) onWrite(id CentralID, u UUID, offset int, value []byte) {
	rid := r.slots.Open()
	r.call(func(h RadioHandler) {
		h.OnCharacteristicWrite(PendingRequest{
			ID: rid, Central: id, Kind: WriteRequest, Characteristic: u,
			Offset: offset, Value: append([]byte(nil), value...), ResponseExpected: true,
		})
	})
	status, _, ok := r.slots.Take(rid)
	if !ok || status != att.StatusSuccess {
		r.log.WithFields(logrus.Fields{"central": id, "characteristic": u, "status": status}).Debug("[BlueZ] write rejected")
		return
	}

	r.mu.Lock()
	bc, ok := r.chars[u]
	var v []byte
	if ok {
		if nv, st := att.WriteAt(bc.value, offset, value); st == att.StatusSuccess {
			bc.value = nv
		}
		v = bc.value
	}
	r.mu.Unlock()
	if ok {
		if _, err := bc.handle.Write(v); err != nil {
			r.log.WithError(err).WithField("characteristic", u).Warn("[BlueZ] mirror write failed")
		}
	}
}

// Unregister forgets the characteristics. BlueZ keeps the exported
// application until the process exits; tinygo has no way to remove it.
func (r *BlueZRadio) Unregister(svc *Service) {
	r.mu.Lock()
	r.chars = make(map[UUID]*bluezCharacteristic)
	r.mu.Unlock()
	r.log.WithField("service", svc.UUID()).Debug("[BlueZ] service left exported")
}

func (r *BlueZRadio) StartAdvertising(svc *Service, deviceName string) error {
	u, err := toBluetoothUUID(svc.UUID())
	if err != nil {
		return err
	}
	opts := bluetooth.AdvertisementOptions{
		LocalName:    deviceName,
		ServiceUUIDs: []bluetooth.UUID{u},
	}
	adv := r.adapter.DefaultAdvertisement()

	r.mu.Lock()
	prev := r.advertised
	r.mu.Unlock()
	// the default advertisement can only be configured once
	if prev != nil && (prev.LocalName != deviceName || prev.ServiceUUIDs[0] != u) {
		return &RadioError{Kind: Unsupported, Op: "start advertising", Err: fmt.Errorf("bluez advertisement already configured for %q", prev.LocalName)}
	}
	if prev == nil {
		if err := adv.Configure(opts); err != nil {
			return fmt.Errorf("ble: configure advertisement: %w", err)
		}
		r.mu.Lock()
		r.advertised = &opts
		r.mu.Unlock()
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}
	r.post(func(h RadioHandler) { h.OnAdvertisingStarted(svc, nil) })
	return nil
}

func (r *BlueZRadio) StopAdvertising() {
	if err := r.adapter.DefaultAdvertisement().Stop(); err != nil {
		r.log.WithError(err).Warn("[BlueZ] stop advertisement failed")
	}
}

func (r *BlueZRadio) SendResponse(central CentralID, id RequestID, status att.Status, _ int, value []byte) {
	if !r.slots.Fill(id, status, value) {
		r.log.WithFields(logrus.Fields{"central": central, "request": id}).Debug("[BlueZ] response for unknown request discarded")
	}
}

// PushNotification cannot address a single central through BlueZ.
func (r *BlueZRadio) PushNotification(central CentralID, u UUID, _ []byte) bool {
	r.log.WithFields(logrus.Fields{"central": central, "characteristic": u}).Debug("[BlueZ] per-central notification unsupported")
	return false
}

// Broadcast stores value as the characteristic's BlueZ value, which
// notifies every subscribed central.
func (r *BlueZRadio) Broadcast(u UUID, value []byte) error {
	r.mu.Lock()
	bc, ok := r.chars[u]
	if ok {
		bc.value = append([]byte{}, value...)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s not registered", u)
	}
	if _, err := bc.handle.Write(value); err != nil {
		return fmt.Errorf("ble: write characteristic %s: %w", u, err)
	}
	return nil
}

// Close stops delivering events to the handler.
func (r *BlueZRadio) Close() {
	r.queue.Close()
}

func (r *BlueZRadio) post(fn func(RadioHandler)) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return
	}
	r.queue.Post(func() { fn(h) })
}

func (r *BlueZRadio) call(fn func(RadioHandler)) {
	done := make(chan struct{})
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil || !r.queue.Post(func() { fn(h); close(done) }) {
		return
	}
	<-done
}

func toBluetoothUUID(u UUID) (bluetooth.UUID, error) {
	bu, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %s: %w", u, err)
	}
	return bu, nil
}

// permissionsFor maps characteristic properties to tinygo flags. BlueZ
// serves reads and writes itself, so a read or write property without the
// matching permission is left out and BlueZ refuses the request.
func permissionsFor(p Property, perm Permission) bluetooth.CharacteristicPermissions {
	var f bluetooth.CharacteristicPermissions
	if p.Has(PropRead) && perm.Has(PermReadable) {
		f |= bluetooth.CharacteristicReadPermission
	}
	if !perm.Has(PermWriteable) {
		p &^= PropWrite | PropWriteWithoutResponse
	}
	if p.Has(PropWriteWithoutResponse) {
		f |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(PropWrite) {
		f |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(PropNotify) {
		f |= bluetooth.CharacteristicNotifyPermission
	}
	if p.Has(PropIndicate) {
		f |= bluetooth.CharacteristicIndicatePermission
	}
	return f
}

var (
	_ Radio       = (*BlueZRadio)(nil)
	_ Broadcaster = (*BlueZRadio)(nil)
)

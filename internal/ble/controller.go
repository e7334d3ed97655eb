package ble

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AddCharacteristic adds a characteristic to the service being built,
// moving an idle peripheral to Building. Once the service is published
// every call fails with AlreadyPublished until Stop.
func (p *Peripheral) AddCharacteristic(serviceUUID, charUUID UUID, props Property, perms Permission) (*Characteristic, error) {
	return p.AddCharacteristicValue(serviceUUID, charUUID, props, perms, nil)
}

// AddCharacteristicValue adds a characteristic and seeds its initial
// value in one step, so no Publish can freeze the service in between.
func (p *Peripheral) AddCharacteristicValue(serviceUUID, charUUID UUID, props Property, perms Permission, value []byte) (*Characteristic, error) {
	p.mu.Lock()
	defer p.unlock()
	c, err := p.builder.AddCharacteristicValue(serviceUUID, charUUID, props, perms, value)
	if err != nil {
		return nil, err
	}
	if p.state == Idle {
		p.state = Building
	}
	p.log.WithFields(logrus.Fields{
		"service":        serviceUUID,
		"characteristic": charUUID,
		"properties":     props.String(),
		"bytes":          len(value),
	}).Debug("[BLE] characteristic added")
	return c, nil
}

// SetInitialValue seeds the value a characteristic is published with.
func (p *Peripheral) SetInitialValue(charUUID UUID, value []byte) error {
	p.mu.Lock()
	defer p.unlock()
	return p.builder.SetInitialValue(charUUID, value)
}

// Publish freezes the schema, registers the service with the radio and
// starts advertising it under deviceName. Registration and advertising
// are confirmed later through OnServiceRegistered and
// OnAdvertisingStarted. A radio failure rolls the peripheral back to Idle.
func (p *Peripheral) Publish(serviceUUID UUID, deviceName string) error {
	p.mu.Lock()
	defer p.unlock()
	if p.state == Advertising || p.state == Stopping {
		return &RadioError{Kind: AlreadyAdvertising, Op: "publish"}
	}
	if p.radioState != StatePoweredOn {
		return &RadioError{Kind: NotReady, Op: "publish", Err: fmt.Errorf("radio is %s", p.radioState)}
	}
	svc, err := p.builder.publish(serviceUUID)
	if err != nil {
		return err
	}
	p.state = Advertising
	p.deviceName = deviceName

	log := p.log.WithField("service", serviceUUID)
	if err := p.radio.Register(svc); err != nil {
		rerr := radioError("register service", err)
		p.rollback(CodeServiceAddFailed, rerr)
		return rerr
	}
	if err := p.radio.StartAdvertising(svc, deviceName); err != nil {
		rerr := radioError("start advertising", err)
		p.rollback(CodeAdvertiseFailed, rerr)
		return rerr
	}
	log.WithField("name", deviceName).Infof("[BLE] publishing %d characteristic(s)", len(svc.chars))
	return nil
}

// Stop retires the published service. Pending requests are answered
// NotAdvertising from then on. On a Building peripheral it discards the
// schema; on an Idle one it does nothing.
func (p *Peripheral) Stop() {
	p.mu.Lock()
	defer p.unlock()
	switch p.state {
	case Idle, Stopping:
		return
	case Building:
		p.builder.reset()
		p.state = Idle
		p.log.Debug("[BLE] discarded unpublished schema")
		return
	}
	p.state = Stopping
	svc := p.builder.Service()
	p.radio.StopAdvertising()
	p.radio.Unregister(svc)
	p.retire()
	p.log.WithField("service", svc.uuid).Info("[BLE] advertising stopped")
	p.emit(AdvertisingStopped{ServiceUUID: svc.uuid})
}

// OnServiceRegistered completes Radio.Register.
func (p *Peripheral) OnServiceRegistered(svc *Service, err error) {
	p.mu.Lock()
	defer p.unlock()
	if !p.current(svc) {
		p.log.Debug("[BLE] registration for retired service discarded")
		return
	}
	if err != nil {
		p.radio.StopAdvertising()
		p.rollback(CodeServiceAddFailed, radioError("register service", err))
		return
	}
	p.emit(ServiceAdded{ServiceUUID: svc.uuid})
}

// OnAdvertisingStarted completes Radio.StartAdvertising.
func (p *Peripheral) OnAdvertisingStarted(svc *Service, err error) {
	p.mu.Lock()
	defer p.unlock()
	if !p.current(svc) {
		p.log.Debug("[BLE] advertising completion for retired service discarded")
		return
	}
	if err != nil {
		p.rollback(CodeAdvertiseFailed, radioError("start advertising", err))
		return
	}
	p.log.WithField("service", svc.uuid).Info("[BLE] advertising")
	p.emit(AdvertisingStarted{ServiceUUID: svc.uuid, DeviceName: p.deviceName})
}

// current reports whether svc is the publication being advertised. mu
// must be held.
func (p *Peripheral) current(svc *Service) bool {
	return p.state == Advertising && svc != nil && p.builder.Service() == svc
}

// rollback undoes a failed publish. mu must be held.
func (p *Peripheral) rollback(code ErrorCode, err error) {
	svc := p.builder.Service()
	if svc != nil {
		p.radio.Unregister(svc)
	}
	p.retire()
	p.emit(ErrorEvent{Code: code, Message: err.Error()})
}

// retire discards the service and every connection. mu must be held.
func (p *Peripheral) retire() {
	p.builder.reset()
	p.registry.Clear()
	p.resolved.Purge()
	p.deviceName = ""
	p.state = Idle
}

// radioError wraps a backend failure as a RadioError for op, keeping the
// kind when the backend already returned one.
func radioError(op string, err error) error {
	var re *RadioError
	if errors.As(err, &re) {
		return &RadioError{Kind: re.Kind, Op: op, Err: re.Err}
	}
	return &RadioError{Kind: Internal, Op: op, Err: err}
}

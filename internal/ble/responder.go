package ble

import (
	"fmt"

	"github.com/chaz8081/gatt-peripheral/internal/ble/att"
	"github.com/sirupsen/logrus"
)

// Status is the outcome of a central's request.
type Status int

const (
	StatusSuccess Status = iota
	StatusAttributeNotFound
	StatusWriteNotPermitted
	StatusInvalidOffset
	StatusInvalidValueLength
	StatusNotAdvertising
	StatusReadNotPermitted
)

var statusATT = map[Status]att.Status{
	StatusSuccess:            att.StatusSuccess,
	StatusAttributeNotFound:  att.StatusAttributeNotFound,
	StatusWriteNotPermitted:  att.StatusWriteNotPermitted,
	StatusInvalidOffset:      att.StatusInvalidOffset,
	StatusInvalidValueLength: att.StatusInvalidAttributeValueLength,
	StatusNotAdvertising:     att.StatusUnlikelyError,
	StatusReadNotPermitted:   att.StatusReadNotPermitted,
}

// ATT returns the status code sent on the wire.
func (s Status) ATT() att.Status {
	if a, ok := statusATT[s]; ok {
		return a
	}
	return att.StatusUnlikelyError
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAttributeNotFound:
		return "attribute not found"
	case StatusWriteNotPermitted:
		return "write not permitted"
	case StatusInvalidOffset:
		return "invalid offset"
	case StatusInvalidValueLength:
		return "invalid value length"
	case StatusNotAdvertising:
		return "not advertising"
	case StatusReadNotPermitted:
		return "read not permitted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Response answers a PendingRequest.
type Response struct {
	Status Status
	Value  []byte
}

// OnReadRequest answers a read from the current value. The returned value
// starts at req.Offset.
func (p *Peripheral) OnReadRequest(req PendingRequest) Response {
	p.mu.Lock()
	defer p.unlock()
	return p.read(req)
}

// OnWriteRequest applies a write and returns the response to send, if
// any. Writes that need no response are dropped silently on failure.
func (p *Peripheral) OnWriteRequest(req PendingRequest, responseExpected bool) (Response, bool) {
	p.mu.Lock()
	defer p.unlock()
	return p.write(req), responseExpected
}

// OnCharacteristicRead answers a read through Radio.SendResponse.
func (p *Peripheral) OnCharacteristicRead(req PendingRequest) {
	p.mu.Lock()
	defer p.unlock()
	if !p.claim(req) {
		return
	}
	p.respond(req, p.read(req))
}

// OnCharacteristicWrite applies a write and answers it through
// Radio.SendResponse when the central expects a response.
func (p *Peripheral) OnCharacteristicWrite(req PendingRequest) {
	p.mu.Lock()
	defer p.unlock()
	if !p.claim(req) {
		return
	}
	resp := p.write(req)
	if req.ResponseExpected {
		p.respond(req, resp)
	} else if resp.Status != StatusSuccess {
		p.log.WithFields(requestFields(req)).Debugf("[BLE] dropped write without response: %s", resp.Status)
	}
}

// OnDescriptorWrite handles writes to the CCCD of a characteristic.
// Other descriptors do not exist.
func (p *Peripheral) OnDescriptorWrite(req PendingRequest) {
	p.mu.Lock()
	defer p.unlock()
	if !p.claim(req) {
		return
	}
	resp := p.writeDescriptor(req)
	if req.ResponseExpected {
		p.respond(req, resp)
	}
}

// OnSubscriptionChange applies a subscription decoded by the radio stack.
func (p *Peripheral) OnSubscriptionChange(id CentralID, u UUID, subscribed bool) {
	p.mu.Lock()
	defer p.unlock()
	if p.state != Advertising {
		p.log.WithField("central", id).Debug("[BLE] subscription change while not advertising ignored")
		return
	}
	p.touch(id)
	c, ok := p.characteristic(u)
	if !ok {
		p.emit(ErrorEvent{
			Code:    CodeProtocol,
			Message: fmt.Sprintf("subscription to unknown characteristic %s", u),
			Central: id,
		})
		return
	}
	if subscribed {
		p.subscribe(id, c)
	} else {
		p.unsubscribe(id, c)
	}
}

// claim records req as resolved. It reports false for a redelivered
// request, which must not be answered again. mu must be held.
func (p *Peripheral) claim(req PendingRequest) bool {
	key := requestKey{central: req.Central, id: req.ID}
	if p.resolved.Contains(key) {
		p.emit(ErrorEvent{
			Code:    CodeDuplicateRequest,
			Message: fmt.Sprintf("request %d already answered", req.ID),
			Central: req.Central,
		})
		return false
	}
	p.resolved.Add(key, struct{}{})
	return true
}

func (p *Peripheral) respond(req PendingRequest, resp Response) {
	p.radio.SendResponse(req.Central, req.ID, resp.Status.ATT(), req.Offset, resp.Value)
}

func (p *Peripheral) read(req PendingRequest) Response {
	if p.state != Advertising {
		return Response{Status: StatusNotAdvertising}
	}
	p.touch(req.Central)
	c, ok := p.characteristic(req.Characteristic)
	if !ok || !c.props.Has(PropRead) {
		return Response{Status: StatusAttributeNotFound}
	}
	if !c.perms.Has(PermReadable) {
		return Response{Status: StatusReadNotPermitted}
	}
	v, st := att.ReadAt(c.value, req.Offset)
	if st != att.StatusSuccess {
		return Response{Status: StatusInvalidOffset}
	}
	return Response{Status: StatusSuccess, Value: v}
}

func (p *Peripheral) write(req PendingRequest) Response {
	if p.state != Advertising {
		return Response{Status: StatusNotAdvertising}
	}
	p.touch(req.Central)
	c, ok := p.characteristic(req.Characteristic)
	if !ok {
		return Response{Status: StatusAttributeNotFound}
	}
	if !c.props.Any(PropWrite|PropWriteWithoutResponse) || !c.perms.Has(PermWriteable) {
		return Response{Status: StatusWriteNotPermitted}
	}
	v, st := att.WriteAt(c.value, req.Offset, req.Value)
	if st != att.StatusSuccess {
		return Response{Status: StatusInvalidOffset}
	}
	c.value = v
	p.emit(WriteReceived{
		CharacteristicUUID: c.uuid,
		Central:            req.Central,
		Value:              append([]byte(nil), req.Value...),
	})
	return Response{Status: StatusSuccess}
}

func (p *Peripheral) writeDescriptor(req PendingRequest) Response {
	if p.state != Advertising {
		return Response{Status: StatusNotAdvertising}
	}
	p.touch(req.Central)
	c, ok := p.characteristic(req.Characteristic)
	if !ok || req.Descriptor != CCCDUUID {
		return Response{Status: StatusAttributeNotFound}
	}
	flags, err := att.DecodeCCCD(req.Value)
	if err != nil {
		return Response{Status: StatusInvalidValueLength}
	}
	if flags&(att.CCCDNotify|att.CCCDIndicate) != 0 {
		p.subscribe(req.Central, c)
	} else {
		p.unsubscribe(req.Central, c)
	}
	return Response{Status: StatusSuccess}
}

func (p *Peripheral) subscribe(id CentralID, c *Characteristic) {
	added, err := p.registry.Subscribe(id, c)
	if err != nil {
		p.emit(ErrorEvent{
			Code:    CodeSubscribeNotSupported,
			Message: fmt.Sprintf("characteristic %s does not support notify or indicate", c.uuid),
			Central: id,
		})
		return
	}
	if added {
		p.log.WithFields(subscriptionFields(id, c.uuid)).Info("[BLE] subscribed")
		p.emit(Subscribed{CharacteristicUUID: c.uuid, Central: id})
	}
}

func (p *Peripheral) unsubscribe(id CentralID, c *Characteristic) {
	if p.registry.Unsubscribe(id, c.uuid) {
		p.log.WithFields(subscriptionFields(id, c.uuid)).Info("[BLE] unsubscribed")
		p.emit(Unsubscribed{CharacteristicUUID: c.uuid, Central: id})
	}
}

func requestFields(req PendingRequest) logrus.Fields {
	return logrus.Fields{
		"central":        req.Central,
		"request":        req.ID,
		"characteristic": req.Characteristic,
		"offset":         req.Offset,
	}
}

func subscriptionFields(id CentralID, u UUID) logrus.Fields {
	return logrus.Fields{"central": id, "characteristic": u}
}

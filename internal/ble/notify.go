package ble

import "fmt"

// Update commits a new value for a published characteristic and pushes
// it to every subscriber. The value is stored even if pushes fail; each
// failure is reported as an ErrorEvent rather than returned.
func (p *Peripheral) Update(charUUID UUID, value []byte) error {
	p.mu.Lock()
	defer p.unlock()
	c, ok := p.characteristic(charUUID)
	if !ok {
		return &UpdateError{Kind: NotFound, Characteristic: charUUID}
	}
	if p.state != Advertising {
		return &UpdateError{Kind: NotPublished, Characteristic: charUUID}
	}
	c.value = append([]byte{}, value...)

	subs := p.registry.SubscribersOf(charUUID)
	// Broadcasters also refresh the value their stack serves to readers,
	// and may not report subscriptions at all, so they always get the call.
	if b, ok := p.radio.(Broadcaster); ok {
		if err := b.Broadcast(charUUID, c.value); err != nil {
			if len(subs) == 0 {
				p.notifyFailed("", charUUID, err)
			}
			for _, id := range subs {
				p.notifyFailed(id, charUUID, err)
			}
		}
		return nil
	}
	for _, id := range subs {
		if !p.radio.PushNotification(id, charUUID, c.value) {
			p.notifyFailed(id, charUUID, nil)
		}
	}
	return nil
}

func (p *Peripheral) notifyFailed(id CentralID, u UUID, err error) {
	msg := fmt.Sprintf("notification of %s not queued", u)
	if err != nil {
		msg = fmt.Sprintf("notification of %s failed: %v", u, err)
	}
	p.emit(ErrorEvent{Code: CodeNotificationFailed, Message: msg, Central: id})
}

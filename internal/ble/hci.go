//go:build linux

package ble

import (
	"fmt"
	"sync"
	"time"

	"github.com/paypal/gatt"
	"github.com/sirupsen/logrus"

	"github.com/chaz8081/gatt-peripheral/internal/ble/att"
)

// HCIOptions configures an HCIRadio.
type HCIOptions struct {
	// DeviceID selects hciN; -1 picks the first usable controller.
	DeviceID int
	// CheckLE makes device selection skip controllers without LE support.
	CheckLE        bool
	MaxConnections int
	// NotifyQueue is the per-subscription notification buffer.
	NotifyQueue int
	// NotifyPoll is how often a subscription checks for unsubscribe.
	NotifyPoll time.Duration
	Logger     logrus.FieldLogger
}

// DefaultHCIOptions returns sensible defaults.
func DefaultHCIOptions() HCIOptions {
	return HCIOptions{
		DeviceID:       -1,
		CheckLE:        true,
		MaxConnections: 1,
		NotifyQueue:    16,
		NotifyPoll:     100 * time.Millisecond,
		Logger:         logrus.StandardLogger(),
	}
}

type subKey struct {
	central        CentralID
	characteristic UUID
}

// hciSubscription feeds one central's notifier for one characteristic.
type hciSubscription struct {
	queue chan []byte
	quit  chan struct{}
	once  sync.Once
}

func (s *hciSubscription) close() {
	s.once.Do(func() { close(s.quit) })
}

// HCIRadio drives a Linux HCI controller directly through paypal/gatt.
// The stack decodes CCCD writes itself, so subscriptions reach the
// handler through OnSubscriptionChange.
type HCIRadio struct {
	opts  HCIOptions
	log   logrus.FieldLogger
	queue *SerialQueue
	slots *ResponseSlots

	mu      sync.Mutex
	device  gatt.Device
	handler RadioHandler
	state   RadioState
	subs    map[subKey]*hciSubscription
}

// NewHCIRadio creates an HCI radio. The controller is opened by Enable.
func NewHCIRadio(opts HCIOptions) *HCIRadio {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.NotifyQueue <= 0 {
		opts.NotifyQueue = DefaultHCIOptions().NotifyQueue
	}
	if opts.NotifyPoll <= 0 {
		opts.NotifyPoll = DefaultHCIOptions().NotifyPoll
	}
	return &HCIRadio{
		opts:  opts,
		log:   opts.Logger,
		queue: NewSerialQueue(64),
		slots: NewResponseSlots(),
		state: StateUnknown,
		subs:  make(map[subKey]*hciSubscription),
	}
}

func (r *HCIRadio) Enable(h RadioHandler) error {
	d, err := gatt.NewDevice(
		gatt.LnxMaxConnections(r.opts.MaxConnections),
		gatt.LnxDeviceID(r.opts.DeviceID, r.opts.CheckLE),
	)
	if err != nil {
		return &RadioError{Kind: Unsupported, Op: "open hci device", Err: err}
	}
	r.mu.Lock()
	r.device = d
	r.handler = h
	r.mu.Unlock()

	d.Handle(
		gatt.CentralConnected(func(c gatt.Central) {
			id := CentralID(c.ID())
			r.log.WithField("central", id).Debug("[HCI] central connected")
			r.post(func(h RadioHandler) { h.OnConnectionStateChange(id, true) })
		}),
		gatt.CentralDisconnected(func(c gatt.Central) {
			id := CentralID(c.ID())
			r.log.WithField("central", id).Debug("[HCI] central disconnected")
			r.closeSubscriptions(func(k subKey) bool { return k.central == id })
			r.post(func(h RadioHandler) { h.OnConnectionStateChange(id, false) })
		}),
	)
	if err := d.Init(func(_ gatt.Device, s gatt.State) {
		state := fromGattState(s)
		r.mu.Lock()
		r.state = state
		r.mu.Unlock()
		r.post(func(h RadioHandler) { h.OnStateChange(state) })
	}); err != nil {
		return fmt.Errorf("ble: init hci device: %w", err)
	}
	return nil
}

func (r *HCIRadio) PowerState() RadioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *HCIRadio) Register(svc *Service) error {
	d, err := r.dev()
	if err != nil {
		return err
	}
	gs := gatt.NewService(toGattUUID(svc.UUID()))
	for _, c := range svc.Characteristics() {
		r.addCharacteristic(gs, c)
	}
	if err := d.AddService(gs); err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID(), err)
	}
	r.post(func(h RadioHandler) { h.OnServiceRegistered(svc, nil) })
	return nil
}

func (r *HCIRadio) addCharacteristic(gs *gatt.Service, c *Characteristic) {
	u := c.UUID()
	gc := gs.AddCharacteristic(toGattUUID(u))
	if c.Properties().Has(PropRead) {
		gc.HandleRead(r.readHandler(u))
	}
	if c.Properties().Any(PropWrite | PropWriteWithoutResponse) {
		gc.HandleWriteFunc(func(req gatt.Request, data []byte) byte {
			return byte(r.serveWrite(CentralID(req.Central.ID()), u, data))
		})
	}
	if c.Notifiable() {
		gc.HandleNotifyFunc(func(req gatt.Request, n gatt.Notifier) {
			r.serveNotify(CentralID(req.Central.ID()), u, n)
		})
	}
}

func (r *HCIRadio) readHandler(u UUID) gatt.ReadHandlerFunc {
	return func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
		status, value := r.serveRead(CentralID(req.Central.ID()), u, req.Offset, req.Cap)
		rsp.SetStatus(byte(status))
		if status == att.StatusSuccess {
			rsp.Write(value)
		}
	}
}

// serveRead answers a read inline: the request is run on the serial
// queue and the response collected from the slot SendResponse fills.
func (r *HCIRadio) serveRead(id CentralID, u UUID, offset, limit int) (att.Status, []byte) {
	rid := r.slots.Open()
	r.call(func(h RadioHandler) {
		h.OnCharacteristicRead(PendingRequest{
			ID: rid, Central: id, Kind: ReadRequest, Characteristic: u, Offset: offset,
		})
	})
	status, value, ok := r.slots.Take(rid)
	if !ok {
		return att.StatusUnlikelyError, nil
	}
	return status, att.Truncate(value, limit)
}

// serveWrite applies a write inline. The stack does not say whether the
// central wants a response, so one is always requested and the stack
// drops it for write commands.
func (r *HCIRadio) serveWrite(id CentralID, u UUID, data []byte) att.Status {
	rid := r.slots.Open()
	r.call(func(h RadioHandler) {
		h.OnCharacteristicWrite(PendingRequest{
			ID: rid, Central: id, Kind: WriteRequest, Characteristic: u,
			Value: append([]byte(nil), data...), ResponseExpected: true,
		})
	})
	status, _, ok := r.slots.Take(rid)
	if !ok {
		return att.StatusUnlikelyError
	}
	return status
}

// serveNotify runs for the lifetime of one subscription, writing queued
// values until the central unsubscribes or the service goes away.
func (r *HCIRadio) serveNotify(id CentralID, u UUID, n gatt.Notifier) {
	key := subKey{central: id, characteristic: u}
	sub := &hciSubscription{
		queue: make(chan []byte, r.opts.NotifyQueue),
		quit:  make(chan struct{}),
	}
	r.mu.Lock()
	if old, ok := r.subs[key]; ok {
		old.close()
	}
	r.subs[key] = sub
	r.mu.Unlock()
	r.post(func(h RadioHandler) { h.OnSubscriptionChange(id, u, true) })

	log := r.log.WithFields(logrus.Fields{"central": id, "characteristic": u})
	tick := time.NewTicker(r.opts.NotifyPoll)
	defer tick.Stop()
	for {
		select {
		case v := <-sub.queue:
			if _, err := n.Write(att.Truncate(v, n.Cap())); err != nil {
				log.WithError(err).Warn("[HCI] notification failed")
			}
		case <-tick.C:
			if !n.Done() {
				continue
			}
			r.mu.Lock()
			if r.subs[key] == sub {
				delete(r.subs, key)
			}
			r.mu.Unlock()
			r.post(func(h RadioHandler) { h.OnSubscriptionChange(id, u, false) })
			return
		case <-sub.quit:
			return
		}
	}
}

func (r *HCIRadio) Unregister(svc *Service) {
	r.closeSubscriptions(func(subKey) bool { return true })
	d, err := r.dev()
	if err != nil {
		return
	}
	if err := d.RemoveAllServices(); err != nil {
		r.log.WithError(err).WithField("service", svc.UUID()).Warn("[HCI] remove services failed")
	}
}

func (r *HCIRadio) StartAdvertising(svc *Service, deviceName string) error {
	d, err := r.dev()
	if err != nil {
		return err
	}
	if err := d.AdvertiseNameAndServices(deviceName, []gatt.UUID{toGattUUID(svc.UUID())}); err != nil {
		return fmt.Errorf("ble: advertise %s: %w", svc.UUID(), err)
	}
	r.post(func(h RadioHandler) { h.OnAdvertisingStarted(svc, nil) })
	return nil
}

func (r *HCIRadio) StopAdvertising() {
	d, err := r.dev()
	if err != nil {
		return
	}
	if err := d.StopAdvertising(); err != nil {
		r.log.WithError(err).Warn("[HCI] stop advertising failed")
	}
}

func (r *HCIRadio) SendResponse(central CentralID, id RequestID, status att.Status, _ int, value []byte) {
	if !r.slots.Fill(id, status, value) {
		r.log.WithFields(logrus.Fields{"central": central, "request": id}).Debug("[HCI] response for unknown request discarded")
	}
}

func (r *HCIRadio) PushNotification(central CentralID, u UUID, value []byte) bool {
	r.mu.Lock()
	sub, ok := r.subs[subKey{central: central, characteristic: u}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case sub.queue <- value:
		return true
	default:
		return false
	}
}

// Close stops delivering events to the handler.
func (r *HCIRadio) Close() {
	r.closeSubscriptions(func(subKey) bool { return true })
	r.queue.Close()
}

func (r *HCIRadio) closeSubscriptions(match func(subKey) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.subs {
		if match(k) {
			s.close()
			delete(r.subs, k)
		}
	}
}

func (r *HCIRadio) dev() (gatt.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device == nil {
		return nil, &RadioError{Kind: NotReady, Err: fmt.Errorf("hci device not enabled")}
	}
	return r.device, nil
}

// post queues fn for the handler.
func (r *HCIRadio) post(fn func(RadioHandler)) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return
	}
	if !r.queue.Post(func() { fn(h) }) {
		r.log.Debug("[HCI] event after close dropped")
	}
}

// call runs fn on the queue and waits for it.
func (r *HCIRadio) call(fn func(RadioHandler)) {
	done := make(chan struct{})
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil || !r.queue.Post(func() { fn(h); close(done) }) {
		return
	}
	<-done
}

func toGattUUID(u UUID) gatt.UUID {
	return gatt.MustParseUUID(u.String())
}

func fromGattState(s gatt.State) RadioState {
	switch s {
	case gatt.StateResetting:
		return StateResetting
	case gatt.StateUnsupported:
		return StateUnsupported
	case gatt.StateUnauthorized:
		return StateUnauthorized
	case gatt.StatePoweredOff:
		return StatePoweredOff
	case gatt.StatePoweredOn:
		return StatePoweredOn
	}
	return StateUnknown
}

var _ Radio = (*HCIRadio)(nil)

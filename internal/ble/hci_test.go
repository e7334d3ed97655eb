//go:build linux

package ble

import (
	"sync"
	"testing"
	"time"

	"github.com/paypal/gatt"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/chaz8081/gatt-peripheral/internal/ble/att"
)

// echoHandler answers through the radio the way Peripheral does.
type echoHandler struct {
	radio *HCIRadio

	mu     sync.Mutex
	reads  []PendingRequest
	writes []PendingRequest
	subs   []bool
	silent bool // never answer
}

func (h *echoHandler) OnStateChange(RadioState)                {}
func (h *echoHandler) OnConnectionStateChange(CentralID, bool) {}
func (h *echoHandler) OnDescriptorWrite(PendingRequest)        {}
func (h *echoHandler) OnServiceRegistered(*Service, error)     {}
func (h *echoHandler) OnAdvertisingStarted(*Service, error)    {}

func (h *echoHandler) OnCharacteristicRead(req PendingRequest) {
	h.mu.Lock()
	h.reads = append(h.reads, req)
	h.mu.Unlock()
	if !h.silent {
		h.radio.SendResponse(req.Central, req.ID, att.StatusSuccess, req.Offset, []byte("0123456789"))
	}
}

func (h *echoHandler) OnCharacteristicWrite(req PendingRequest) {
	h.mu.Lock()
	h.writes = append(h.writes, req)
	h.mu.Unlock()
	if !h.silent {
		h.radio.SendResponse(req.Central, req.ID, att.StatusWriteNotPermitted, 0, nil)
	}
}

func (h *echoHandler) OnSubscriptionChange(_ CentralID, _ UUID, subscribed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, subscribed)
}

func newTestHCIRadio(t *testing.T) (*HCIRadio, *echoHandler) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts := DefaultHCIOptions()
	opts.Logger = logger
	opts.NotifyPoll = 5 * time.Millisecond
	opts.NotifyQueue = 2
	r := NewHCIRadio(opts)
	h := &echoHandler{radio: r}
	r.handler = h
	t.Cleanup(r.Close)
	return r, h
}

func TestHCIServeRead(t *testing.T) {
	r, h := newTestHCIRadio(t)
	status, value := r.serveRead("c1", testRW, 2, 4)
	if status != att.StatusSuccess || string(value) != "0123" {
		t.Errorf("serveRead() = %v %q, want success truncated to cap", status, value)
	}
	if len(h.reads) != 1 || h.reads[0].Offset != 2 || h.reads[0].Central != "c1" {
		t.Errorf("reads = %+v", h.reads)
	}
	if r.slots.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.slots.Pending())
	}
}

type fakeCentral string

func (c fakeCentral) ID() string   { return string(c) }
func (c fakeCentral) Close() error { return nil }
func (c fakeCentral) MTU() int     { return 23 }

// fakeResponseWriter captures what a read handler writes to the stack.
type fakeResponseWriter struct {
	status byte
	value  []byte
}

func (w *fakeResponseWriter) Write(b []byte) (int, error) {
	w.value = append(w.value, b...)
	return len(b), nil
}

func (w *fakeResponseWriter) SetStatus(status byte) { w.status = status }

var _ gatt.ResponseWriter = (*fakeResponseWriter)(nil)

func TestHCIReadHandler(t *testing.T) {
	r, h := newTestHCIRadio(t)
	rsp := &fakeResponseWriter{}
	req := &gatt.ReadRequest{Request: gatt.Request{Central: fakeCentral("c1")}, Cap: 4, Offset: 1}
	r.readHandler(testRW).ServeRead(rsp, req)

	if rsp.status != byte(att.StatusSuccess) || string(rsp.value) != "0123" {
		t.Errorf("response = %#x %q, want success truncated to cap", rsp.status, rsp.value)
	}
	if len(h.reads) != 1 || h.reads[0].Central != "c1" || h.reads[0].Offset != 1 {
		t.Errorf("reads = %+v", h.reads)
	}

	h.silent = true
	rsp = &fakeResponseWriter{}
	r.readHandler(testRW).ServeRead(rsp, req)
	if rsp.status != byte(att.StatusUnlikelyError) || len(rsp.value) != 0 {
		t.Errorf("unanswered response = %#x %q, want unlikely error and no value", rsp.status, rsp.value)
	}
}

func TestHCIServeWrite(t *testing.T) {
	r, h := newTestHCIRadio(t)
	data := []byte("abc")
	if got := r.serveWrite("c1", testRW, data); got != att.StatusWriteNotPermitted {
		t.Errorf("serveWrite() = %v, want %v", got, att.StatusWriteNotPermitted)
	}
	data[0] = 'x'
	if w := h.writes[0]; string(w.Value) != "abc" || !w.ResponseExpected {
		t.Errorf("write = %+v, want a copied value expecting a response", w)
	}
}

func TestHCIUnansweredRequest(t *testing.T) {
	r, h := newTestHCIRadio(t)
	h.silent = true
	if status, _ := r.serveRead("c1", testRW, 0, 20); status != att.StatusUnlikelyError {
		t.Errorf("serveRead() = %v, want %v", status, att.StatusUnlikelyError)
	}
	// a late response finds no slot
	r.SendResponse("c1", 1, att.StatusSuccess, 0, nil)
	if r.slots.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.slots.Pending())
	}
}

// fakeNotifier records notifications until stopped.
type fakeNotifier struct {
	mu     sync.Mutex
	writes [][]byte
	done   bool
}

func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writes = append(n.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (n *fakeNotifier) Done() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

func (n *fakeNotifier) Cap() int { return 3 }

func (n *fakeNotifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = true
}

func (n *fakeNotifier) written() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.writes...)
}

var _ gatt.Notifier = (*fakeNotifier)(nil)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHCINotifyLifecycle(t *testing.T) {
	r, h := newTestHCIRadio(t)
	n := &fakeNotifier{}
	done := make(chan struct{})
	go func() {
		r.serveNotify("c1", testNotify, n)
		close(done)
	}()

	waitFor(t, "subscription", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.subs) == 1
	})
	if r.PushNotification("c2", testNotify, []byte("x")) {
		t.Error("PushNotification() to unsubscribed central = true")
	}
	if !r.PushNotification("c1", testNotify, []byte("hello")) {
		t.Fatal("PushNotification() = false")
	}
	waitFor(t, "notification", func() bool { return len(n.written()) == 1 })
	if got := string(n.written()[0]); got != "hel" {
		t.Errorf("notification = %q, want truncated to %d bytes", got, n.Cap())
	}

	n.stop()
	<-done
	waitFor(t, "unsubscribe", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.subs) == 2
	})
	if !h.subs[0] || h.subs[1] {
		t.Errorf("subscription changes = %v, want [true false]", h.subs)
	}
	if r.PushNotification("c1", testNotify, []byte("x")) {
		t.Error("PushNotification() after unsubscribe = true")
	}
}

func TestHCIUnregisterEndsSubscriptions(t *testing.T) {
	r, _ := newTestHCIRadio(t)
	done := make(chan struct{})
	go func() {
		r.serveNotify("c1", testNotify, &fakeNotifier{})
		close(done)
	}()
	waitFor(t, "subscription", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.subs) == 1
	})
	r.Unregister(newService(testService))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription still running after Unregister()")
	}
}

func TestHCIWithoutDevice(t *testing.T) {
	r, _ := newTestHCIRadio(t)
	if err := r.Register(newService(testService)); err == nil {
		t.Error("Register() without device error = nil")
	}
	if err := r.StartAdvertising(newService(testService), "x"); err == nil {
		t.Error("StartAdvertising() without device error = nil")
	}
	r.StopAdvertising()
}

func TestFromGattState(t *testing.T) {
	tests := []struct {
		in   gatt.State
		want RadioState
	}{
		{gatt.StateUnknown, StateUnknown},
		{gatt.StateResetting, StateResetting},
		{gatt.StateUnsupported, StateUnsupported},
		{gatt.StateUnauthorized, StateUnauthorized},
		{gatt.StatePoweredOff, StatePoweredOff},
		{gatt.StatePoweredOn, StatePoweredOn},
	}
	for _, tt := range tests {
		if got := fromGattState(tt.in); got != tt.want {
			t.Errorf("fromGattState(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

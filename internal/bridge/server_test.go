package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/chaz8081/gatt-peripheral/internal/ble"
)

var (
	svcUUID  = ble.MustParseUUID("a07498ca-ad5b-474e-940d-16f1fbe7e8cd")
	charUUID = ble.MustParseUUID("51ff12bb-3ed8-46e5-b4f9-d64e2fec021b")
)

// fakeController records calls and returns canned errors.
type fakeController struct {
	mu sync.Mutex

	added     []ble.UUID
	props     ble.Property
	perms     ble.Permission
	initial   map[ble.UUID][]byte
	published ble.UUID
	name      string
	stopped   int
	updates   map[ble.UUID][]byte

	addErr     error
	publishErr error
	updateErr  error
}

func newFakeController() *fakeController {
	return &fakeController{
		initial: make(map[ble.UUID][]byte),
		updates: make(map[ble.UUID][]byte),
	}
}

func (f *fakeController) AddCharacteristicValue(svc, char ble.UUID, props ble.Property, perms ble.Permission, value []byte) (*ble.Characteristic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = append(f.added, char)
	f.props, f.perms = props, perms
	f.initial[char] = value
	return nil, nil
}

func (f *fakeController) Publish(svc ble.UUID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published, f.name = svc, name
	return nil
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeController) Update(char ble.UUID, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates[char] = value
	return nil
}

func (f *fakeController) Snapshot() ble.Snapshot {
	return ble.Snapshot{
		State:      ble.Advertising,
		RadioState: ble.StatePoweredOn,
		DeviceName: "thermo",
		Centrals:   []ble.CentralID{"c1"},
	}
}

var _ Controller = (*fakeController)(nil)

func newTestServer(t *testing.T, ctrl Controller) (*Server, *Hub) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	hub := NewHub(time.Second, logger)
	opts := DefaultServerOptions()
	opts.Logger = logger
	return NewServer(ctrl, hub, opts), hub
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: response is not JSON: %q", method, path, rec.Body.String())
	}
	return rec, out
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t, newFakeController())

	rec, out := do(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out["state"] != "advertising" {
		t.Errorf("state = %v, want advertising", out["state"])
	}
	if out["radioState"] != "poweredOn" {
		t.Errorf("radioState = %v, want poweredOn", out["radioState"])
	}
	if out["deviceName"] != "thermo" {
		t.Errorf("deviceName = %v, want thermo", out["deviceName"])
	}
}

func TestAddCharacteristic(t *testing.T) {
	ctrl := newFakeController()
	s, _ := newTestServer(t, ctrl)

	body := `{"service_uuid":"` + svcUUID.String() + `","characteristic_uuid":"` + charUUID.String() +
		`","properties":["read","notify"],"permissions":["readable"],"value":"AQI=","encoding":"base64"}`
	rec, out := do(t, s, http.MethodPost, "/api/characteristics", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", rec.Code, out)
	}
	if out["status"] != "queued" {
		t.Errorf("status field = %v, want queued", out["status"])
	}
	if len(ctrl.added) != 1 || ctrl.added[0] != charUUID {
		t.Errorf("added = %v, want [%s]", ctrl.added, charUUID)
	}
	if ctrl.props != ble.PropRead|ble.PropNotify {
		t.Errorf("props = %v, want read|notify", ctrl.props)
	}
	if ctrl.perms != ble.PermReadable {
		t.Errorf("perms = %v, want readable", ctrl.perms)
	}
	if !bytes.Equal(ctrl.initial[charUUID], []byte{1, 2}) {
		t.Errorf("initial value = %x, want 0102", ctrl.initial[charUUID])
	}
}

func TestAddCharacteristicErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		addErr   error
		wantCode int
		wantErr  string
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown field", `{"bogus":1}`, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad service uuid", `{"service_uuid":"x","characteristic_uuid":"2a19"}`, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad char uuid", `{"service_uuid":"180f","characteristic_uuid":"x"}`, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"duplicate", `{"service_uuid":"180f","characteristic_uuid":"2a19"}`, ble.ErrDuplicateUUID, http.StatusConflict, "DUPLICATE_UUID"},
		{"published", `{"service_uuid":"180f","characteristic_uuid":"2a19"}`, ble.ErrAlreadyPublished, http.StatusConflict, "ALREADY_PUBLISHED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.addErr = tt.addErr
			s, _ := newTestServer(t, ctrl)

			rec, out := do(t, s, http.MethodPost, "/api/characteristics", tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if out["error"] != tt.wantErr {
				t.Errorf("error = %v, want %s", out["error"], tt.wantErr)
			}
			if msg, _ := out["message"].(string); msg == "" {
				t.Error("message should not be empty")
			}
		})
	}
}

func TestAdvertising(t *testing.T) {
	ctrl := newFakeController()
	s, _ := newTestServer(t, ctrl)

	body := `{"service_uuid":"` + svcUUID.String() + `","device_name":"thermo"}`
	rec, out := do(t, s, http.MethodPost, "/api/advertising", body)
	if rec.Code != http.StatusOK || out["status"] != "advertising" {
		t.Fatalf("POST /api/advertising = %d %v", rec.Code, out)
	}
	if ctrl.published != svcUUID || ctrl.name != "thermo" {
		t.Errorf("Publish(%s, %q), want (%s, thermo)", ctrl.published, ctrl.name, svcUUID)
	}

	rec, out = do(t, s, http.MethodDelete, "/api/advertising", "")
	if rec.Code != http.StatusOK || out["status"] != "stopped" {
		t.Fatalf("DELETE /api/advertising = %d %v", rec.Code, out)
	}
	if ctrl.stopped != 1 {
		t.Errorf("Stop() calls = %d, want 1", ctrl.stopped)
	}
}

func TestAdvertisingErrors(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantErr  string
	}{
		{&ble.RadioError{Kind: ble.NotReady, Op: "publish"}, http.StatusServiceUnavailable, "BLUETOOTH_OFF"},
		{ble.ErrAlreadyAdvertising, http.StatusConflict, "ALREADY_ADVERTISING"},
		{ble.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{errors.New("boom"), http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		ctrl := newFakeController()
		ctrl.publishErr = tt.err
		s, _ := newTestServer(t, ctrl)

		rec, out := do(t, s, http.MethodPost, "/api/advertising", `{"service_uuid":"180f","device_name":"x"}`)
		if rec.Code != tt.wantCode {
			t.Errorf("Publish error %v: status = %d, want %d", tt.err, rec.Code, tt.wantCode)
		}
		if out["error"] != tt.wantErr {
			t.Errorf("Publish error %v: error = %v, want %s", tt.err, out["error"], tt.wantErr)
		}
	}
}

func TestUpdateValue(t *testing.T) {
	ctrl := newFakeController()
	s, _ := newTestServer(t, ctrl)

	rec, out := do(t, s, http.MethodPut, "/api/characteristics/"+charUUID.String()+"/value", `{"value":"hi"}`)
	if rec.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("PUT value = %d %v", rec.Code, out)
	}
	if string(ctrl.updates[charUUID]) != "hi" {
		t.Errorf("Update value = %q, want hi", ctrl.updates[charUUID])
	}

	rec, _ = do(t, s, http.MethodPut, "/api/characteristics/2a19/value", `{"value":"zz","encoding":"hex"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad hex: status = %d, want 400", rec.Code)
	}

	ctrl.updateErr = &ble.UpdateError{Kind: ble.NotPublished, Characteristic: charUUID}
	rec, out = do(t, s, http.MethodPut, "/api/characteristics/"+charUUID.String()+"/value", `{"value":"hi"}`)
	if rec.Code != http.StatusConflict || out["error"] != "NOT_PUBLISHED" {
		t.Errorf("not published: %d %v", rec.Code, out)
	}
}

func TestRouting(t *testing.T) {
	s, _ := newTestServer(t, newFakeController())

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/api/status", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/characteristics", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/advertising", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/characteristics/2a19/value", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/characteristics/2a19", http.StatusNotFound},
		{http.MethodPut, "/api/characteristics/2a19/other", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec, _ := do(t, s, tt.method, tt.path, "{}")
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, newFakeController())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/api/status")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

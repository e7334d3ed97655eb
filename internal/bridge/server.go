package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chaz8081/gatt-peripheral/internal/ble"
	"github.com/chaz8081/gatt-peripheral/internal/config"
)

// CodeBadRequest is returned for requests the bridge cannot decode.
const CodeBadRequest ble.ErrorCode = "BAD_REQUEST"

// Controller is the part of the engine the bridge drives.
// *ble.Peripheral implements it.
type Controller interface {
	AddCharacteristicValue(serviceUUID, charUUID ble.UUID, props ble.Property, perms ble.Permission, value []byte) (*ble.Characteristic, error)
	Publish(serviceUUID ble.UUID, deviceName string) error
	Stop()
	Update(charUUID ble.UUID, value []byte) error
	Snapshot() ble.Snapshot
}

var _ Controller = (*ble.Peripheral)(nil)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Listen       string
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger
}

// DefaultServerOptions returns sensible defaults.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Listen:       "127.0.0.1:8089",
		WriteTimeout: 10 * time.Second,
		Logger:       logrus.StandardLogger(),
	}
}

// Server serves the control API and the event stream.
type Server struct {
	ctrl   Controller
	hub    *Hub
	log    logrus.FieldLogger
	opts   ServerOptions
	router *http.ServeMux
	server *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates a Server for ctrl whose /ws endpoint joins hub.
func NewServer(ctrl Controller, hub *Hub, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Server{
		ctrl:   ctrl,
		hub:    hub,
		log:    opts.Logger,
		opts:   opts,
		router: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Local tooling connects from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/api/status", s.methodHandler(http.MethodGet, s.handleStatus))
	s.router.HandleFunc("/api/characteristics", s.methodHandler(http.MethodPost, s.handleAddCharacteristic))
	s.router.HandleFunc("/api/characteristics/", s.handleCharacteristicRoute)
	s.router.HandleFunc("/api/advertising", s.multiMethodHandler(
		[]string{http.MethodPost, http.MethodDelete}, s.handleAdvertising))
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.log, s.router)
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is like ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("[BRIDGE] listening on %s", ln.Addr())
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge: serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("[BRIDGE] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge: shutdown: %w", err)
	}
	return nil
}

func (s *Server) methodHandler(method string, h http.HandlerFunc) http.HandlerFunc {
	return s.multiMethodHandler([]string{method}, h)
}

func (s *Server) multiMethodHandler(methods []string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, m := range methods {
			if r.Method == m {
				h(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(methods, ", "))
		writeErrorResponse(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	}
}

func loggingMiddleware(log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("[BRIDGE] request")
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("[BRIDGE] websocket upgrade failed")
		return
	}
	s.hub.AddClient(conn)

	// Read until the client goes away so control frames are processed.
	go func() {
		defer s.hub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.ctrl.Snapshot())
}

type addCharacteristicRequest struct {
	ServiceUUID        string   `json:"service_uuid"`
	CharacteristicUUID string   `json:"characteristic_uuid"`
	Properties         []string `json:"properties"`
	Permissions        []string `json:"permissions"`
	Value              string   `json:"value,omitempty"`
	Encoding           string   `json:"encoding,omitempty"`
}

func (s *Server) handleAddCharacteristic(w http.ResponseWriter, r *http.Request) {
	var req addCharacteristicRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	svc, err := ble.ParseUUID(req.ServiceUUID)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "service_uuid: "+err.Error())
		return
	}
	char, err := ble.ParseUUID(req.CharacteristicUUID)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "characteristic_uuid: "+err.Error())
		return
	}
	var value []byte
	if req.Value != "" {
		if value, err = config.DecodeValue(req.Value, req.Encoding); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "value: "+err.Error())
			return
		}
	}

	if _, err := s.ctrl.AddCharacteristicValue(svc, char,
		ble.ParseProperties(req.Properties), ble.ParsePermissions(req.Permissions), value); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"status": "queued"})
}

type advertisingRequest struct {
	ServiceUUID string `json:"service_uuid"`
	DeviceName  string `json:"device_name"`
}

func (s *Server) handleAdvertising(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		s.ctrl.Stop()
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"status": "stopped"})
		return
	}

	var req advertisingRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	svc, err := ble.ParseUUID(req.ServiceUUID)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "service_uuid: "+err.Error())
		return
	}
	if err := s.ctrl.Publish(svc, req.DeviceName); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"status": "advertising"})
}

type updateValueRequest struct {
	Value    string `json:"value"`
	Encoding string `json:"encoding"`
}

// handleCharacteristicRoute serves /api/characteristics/{uuid}/value.
func (s *Server) handleCharacteristicRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/characteristics/")
	raw, ok := strings.CutSuffix(rest, "/value")
	if !ok || raw == "" || strings.Contains(raw, "/") {
		writeErrorResponse(w, http.StatusNotFound, ble.CodeNotFound, "no such route")
		return
	}
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		writeErrorResponse(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
		return
	}

	char, err := ble.ParseUUID(raw)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	var req updateValueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	value, err := config.DecodeValue(req.Value, req.Encoding)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "value: "+err.Error())
		return
	}
	if err := s.ctrl.Update(char, value); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"success": true})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// statusFor maps an engine error code to an HTTP status.
func statusFor(code ble.ErrorCode) int {
	switch code {
	case ble.CodeBluetoothOff:
		return http.StatusServiceUnavailable
	case ble.CodeUnsupported:
		return http.StatusNotImplemented
	case ble.CodeNotFound:
		return http.StatusNotFound
	case ble.CodeAlreadyPublished, ble.CodeDuplicateUUID, ble.CodeServiceMismatch,
		ble.CodeAlreadyAdvertising, ble.CodeNotPublished:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	code := ble.CodeOf(err)
	writeErrorResponse(w, statusFor(code), code, err.Error())
}

func writeErrorResponse(w http.ResponseWriter, status int, code ble.ErrorCode, message string) {
	writeJSONResponse(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("[BRIDGE] failed to encode JSON response")
	}
}

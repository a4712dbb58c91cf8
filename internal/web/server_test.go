package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"firelink/internal/ble"
	"firelink/internal/command"
	"firelink/internal/provision"
	"firelink/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory registry.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	gateways map[string]*registry.Gateway
}

func newMemStore() *memStore {
	return &memStore{gateways: make(map[string]*registry.Gateway)}
}

func (s *memStore) SaveGateway(gw *registry.Gateway) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *gw
	s.gateways[gw.ID] = &cp
	return nil
}

func (s *memStore) GetGateway(id string) (*registry.Gateway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gw, ok := s.gateways[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *gw
	return &cp, nil
}

func (s *memStore) DeleteGateway(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.gateways, id)
	return nil
}

func (s *memStore) ListGateways() ([]*registry.Gateway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*registry.Gateway, 0, len(s.gateways))
	for _, gw := range s.gateways {
		cp := *gw
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) UpdateGateway(id string, fn func(gw *registry.Gateway) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gw, ok := s.gateways[id]
	if !ok {
		return registry.ErrNotFound
	}
	return fn(gw)
}

func (s *memStore) Close() error { return nil }

var _ registry.Store = (*memStore)(nil)

// idleAdapter is a ble.Adapter that discovers nothing. The session
// handlers only need an engine; transport behavior is covered elsewhere.
type idleAdapter struct{}

func (idleAdapter) Enable() error { return nil }

func (idleAdapter) Scan(ctx context.Context, _ func(ble.Advertisement)) error {
	<-ctx.Done()
	return nil
}

func (idleAdapter) Connect(context.Context, string) (ble.Connection, error) {
	return nil, errors.New("no peripherals")
}

func newTestServer(t *testing.T, store registry.Store, opts ...ServerOption) *Server {
	t.Helper()
	engine := provision.NewEngine(idleAdapter{}, provision.Config{}, testLogger())
	commander := command.New(command.Config{Broker: "tcp://127.0.0.1:1"}, testLogger())
	srv := NewServer(engine, commander, store, testLogger(), opts...)
	t.Cleanup(func() {
		srv.Stop()
		engine.Dispose()
	})
	return srv
}

func TestGatewayEndpoints(t *testing.T) {
	store := newMemStore()
	store.SaveGateway(&registry.Gateway{ID: "GW-1", SSID: "Home"})
	srv := newTestServer(t, store)

	// List
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/gateways", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed []*registry.Gateway
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "GW-1" {
		t.Errorf("listed = %+v", listed)
	}

	// Get
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/gateways/GW-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// Get missing
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/gateways/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d, want 404", rec.Code)
	}

	// Delete
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/gateways/GW-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := store.GetGateway("GW-1"); !errors.Is(err, registry.ErrNotFound) {
		t.Error("gateway not deleted")
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, newMemStore(), WithAPIKey("secret"))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/gateways", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/gateways", nil)
	req.Header.Set("X-API-Key", "wrong")
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/gateways", nil)
	req.Header.Set("X-API-Key", "secret")
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct key status = %d, want 200", rec.Code)
	}
}

func TestSessionSnapshot(t *testing.T) {
	srv := newTestServer(t, newMemStore())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var session provision.Session
	if err := json.NewDecoder(rec.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.StepName != "scan_ble" {
		t.Errorf("step = %q, want scan_ble", session.StepName)
	}
	if session.ConnState != "disconnected" {
		t.Errorf("connection_state = %q, want disconnected", session.ConnState)
	}
}

func TestScanIsAccepted(t *testing.T) {
	srv := newTestServer(t, newMemStore())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/session/scan", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestConnectRequiresPeripheralID(t *testing.T) {
	srv := newTestServer(t, newMemStore())

	cases := []string{`{}`, `{"peripheral_id":""}`, `not json`}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/session/connect", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q status = %d, want 400", body, rec.Code)
		}
	}
}

func TestConfigureValidation(t *testing.T) {
	srv := newTestServer(t, newMemStore())

	// Too-short passphrase is rejected before any session state matters.
	body, _ := json.Marshal(configureRequest{SSID: "Home", Passphrase: "short"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/session/configure", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short passphrase status = %d, want 400", rec.Code)
	}

	// A valid passphrase with no connected gateway is also a client error.
	body, _ = json.Marshal(configureRequest{SSID: "Home", Passphrase: "password123"})
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/session/configure", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no session status = %d, want 400", rec.Code)
	}
}

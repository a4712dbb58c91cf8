package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"firelink/internal/command"
	"firelink/internal/provision"
	"firelink/internal/registry"
)

func (s *Server) handleAPIListGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := s.store.ListGateways()
	if err != nil {
		s.logger.Error("list gateways", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, gateways)
}

func (s *Server) handleAPIGetGateway(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	gw, err := s.store.GetGateway(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "gateway not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, gw)
}

func (s *Server) handleAPIDeleteGateway(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteGateway(id); err != nil {
		s.logger.Error("delete gateway", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type executeCommandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

func (s *Server) handleAPIExecuteCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req executeCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := s.commander.Execute(r.Context(), id, command.Command(req.Command), req.Params)
	if err != nil {
		if errors.Is(err, command.ErrEmptyGatewayID) {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		// Transport errors mean the command was never delivered.
		s.logger.Error("execute command", "err", err, "gateway", id, "command", req.Command)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	if result.Status == command.StatusSuccess {
		if err := s.store.UpdateGateway(id, func(gw *registry.Gateway) error {
			gw.LastSeen = time.Now()
			return nil
		}); err != nil && !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn("update last seen", "err", err, "id", id)
		}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// handleAPIScan kicks off the time-boxed advertisement scan. The call
// returns immediately; discoveries stream over the WebSocket feed and the
// final list is available from GET /api/session.
func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	go func() {
		if _, err := s.engine.Scan(context.Background()); err != nil {
			s.logger.Warn("scan", "err", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scanning"})
}

type connectRequest struct {
	PeripheralID string `json:"peripheral_id"`
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeripheralID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "peripheral_id required"})
		return
	}

	go func() {
		if err := s.engine.Connect(context.Background(), req.PeripheralID); err != nil {
			s.logger.Warn("connect", "err", err, "peripheral", req.PeripheralID)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

type configureRequest struct {
	SSID       string `json:"ssid"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleAPIConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.engine.Configure(req.SSID, req.Passphrase); err != nil {
		switch {
		case errors.Is(err, provision.ErrPassphraseTooShort), errors.Is(err, provision.ErrNotReady):
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			s.logger.Error("configure", "err", err)
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "configuring"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

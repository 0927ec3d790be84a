package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/v900-core/internal/audit"
	"github.com/nerrad567/v900-core/internal/auth"
	"github.com/nerrad567/v900-core/internal/device"
)

// snapshotPayload is the JSON form of a registry snapshot.
type snapshotPayload struct {
	Revision uint64                        `json:"revision"`
	Devices  map[string]device.DeviceState `json:"devices"`
}

func newSnapshotPayload(snap *device.Snapshot) snapshotPayload {
	return snapshotPayload{Revision: snap.Revision(), Devices: snap.Map()}
}

// relayRequest is the body of POST /devices/{id}/relays/{relay}.
type relayRequest struct {
	Value *int `json:"value"`
}

// relayResponse reports the outcome of a relay command.
type relayResponse struct {
	DeviceID  string `json:"device_id"`
	Relay     string `json:"relay"`
	State     bool   `json:"state"`
	Delivered bool   `json:"delivered"`
}

// tokenRequest is the body of PUT /devices/{id}/token. An empty token asks
// the server to generate one.
type tokenRequest struct {
	Token string `json:"token"`
}

// handleListDevices returns every known device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()
	devices := snap.Devices()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":  devices,
		"count":    len(devices),
		"revision": snap.Revision(),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	st, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSetRelay sets a relay to an explicit value.
func (s *Server) handleSetRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil || (*req.Value != 0 && *req.Value != 1) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "value must be 0 or 1")
		return
	}

	deviceID, relay := chi.URLParam(r, "id"), chi.URLParam(r, "relay")
	delivered := s.dispatcher.SetRelay(deviceID, relay, *req.Value == 1)
	s.audit.Record(r.Context(), audit.ActionRelayCommand, deviceID, audit.SourceAPI, map[string]any{
		"relay": relay, "value": *req.Value, "delivered": delivered,
	})
	s.writeRelayResult(w, deviceID, relay, delivered)
}

// handleToggleRelay inverts a relay's last known state.
func (s *Server) handleToggleRelay(w http.ResponseWriter, r *http.Request) {
	deviceID, relay := chi.URLParam(r, "id"), chi.URLParam(r, "relay")
	delivered := s.dispatcher.ToggleRelay(deviceID, relay)
	s.audit.Record(r.Context(), audit.ActionRelayCommand, deviceID, audit.SourceAPI, map[string]any{
		"relay": relay, "toggle": true, "delivered": delivered,
	})
	s.writeRelayResult(w, deviceID, relay, delivered)
}

// writeRelayResult answers 200 when the command reached the device and 503
// device_offline otherwise. The optimistic state is reported either way.
func (s *Server) writeRelayResult(w http.ResponseWriter, deviceID, relay string, delivered bool) {
	resp := relayResponse{
		DeviceID:  deviceID,
		Relay:     relay,
		State:     s.registry.RelayState(deviceID, relay),
		Delivered: delivered,
	}
	if !delivered {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  http.StatusServiceUnavailable,
			"code":    ErrCodeDeviceOffline,
			"message": "device is not connected",
			"result":  resp,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSetToken stores a pairing token for a device, generating one when
// the body carries none. The raw token is returned once and never stored.
func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "token store not configured")
		return
	}

	var req tokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	token := req.Token
	if token == "" {
		generated, err := auth.GenerateToken()
		if err != nil {
			writeInternalError(w, "failed to generate token")
			return
		}
		token = generated
	}

	deviceID := chi.URLParam(r, "id")
	if err := s.tokens.SetToken(r.Context(), deviceID, token); err != nil {
		if errors.Is(err, auth.ErrInvalidDeviceID) || errors.Is(err, auth.ErrEmptyToken) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		s.logger.Error("storing device token failed", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to store token")
		return
	}

	s.audit.Record(r.Context(), audit.ActionTokenSet, deviceID, audit.SourceAPI, map[string]any{
		"generated": req.Token == "",
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"token":     token,
		"policy":    s.tokens.Policy(),
	})
}

// handleRevokeToken deletes a device's pairing token.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "token store not configured")
		return
	}

	deviceID := chi.URLParam(r, "id")
	if err := s.tokens.RevokeToken(r.Context(), deviceID); err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			writeNotFound(w, "no token stored for device")
			return
		}
		s.logger.Error("revoking device token failed", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to revoke token")
		return
	}
	s.audit.Record(r.Context(), audit.ActionTokenRevoked, deviceID, audit.SourceAPI, nil)
	w.WriteHeader(http.StatusNoContent)
}

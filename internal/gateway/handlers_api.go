package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"clawgate/internal/store"
)

// The REST surface exists for out-of-band pairing control: an operator (or
// tooling) approves a requestId surfaced by a NOT_PAIRED rejection, and the
// rejected device simply reconnects.

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health())
}

func (s *Server) handleAPIListPairings(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.store.ListPairingRequests()
	if err != nil {
		s.logger.Error("list pairings", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleAPIApprovePairing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := s.pairing.Approve(id)
	if err != nil {
		s.writePairingError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAPIRejectPairing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := s.pairing.Reject(id)
	if err != nil {
		s.writePairingError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) writePairingError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "pairing request not found"})
	case errors.Is(err, store.ErrResolved):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "pairing request already resolved"})
	default:
		s.logger.Error("resolve pairing", "request", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// handleAPIDeleteDevice unpairs a device and revokes every token minted for
// it. The device must go through pairing again to reconnect.
func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetDevice(id); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if err := s.store.RevokeDeviceTokens(id); err != nil {
		s.logger.Error("revoke device tokens", "device", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if err := s.store.DeleteDevice(id); err != nil {
		s.logger.Error("delete device", "device", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}

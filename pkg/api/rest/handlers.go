package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/orbitsq/queuebridge/pkg/persistence"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	ids := s.app.Server().ActiveIDs()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(ids),
		"clients": ids,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ids := s.app.Serial().DeviceIDs()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(ids),
		"devices": ids,
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.app.Store().Services()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, services)
}

func (s *Server) handleSaveService(w http.ResponseWriter, r *http.Request) {
	var svc persistence.Service
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if svc.ID == "" {
		respondError(w, http.StatusBadRequest, "service id is required")
		return
	}
	if err := s.app.Store().SaveService(&svc); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.pushServiceList()
	respondJSON(w, http.StatusOK, svc)
}

// pushServiceList sends the updated service menu to every keypad on the
// bus after a configuration change.
func (s *Server) pushServiceList() {
	services, err := s.app.Store().Services()
	if err != nil {
		s.log.Warn("Service list read failed", "error", err)
		return
	}
	byNo := make(map[int]string, len(services))
	for _, svc := range services {
		if no, err := strconv.Atoi(svc.ID); err == nil {
			byNo[no] = svc.Name
		}
	}
	if err := s.app.Bridge().SendAllServices("", byNo); err != nil {
		s.log.Warn("Service list push failed", "error", err)
	}
}

func (s *Server) handleListCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := s.app.Store().Counters()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, counters)
}

func (s *Server) handleSaveCounter(w http.ResponseWriter, r *http.Request) {
	var c persistence.Counter
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if c.ID == "" || c.ServiceID == "" {
		respondError(w, http.StatusBadRequest, "counter id and serviceId are required")
		return
	}
	if err := s.app.Store().SaveCounter(&c); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleSetBaudRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaudRate int `json:"baudRate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BaudRate <= 0 {
		respondError(w, http.StatusBadRequest, "baudRate must be positive")
		return
	}
	if err := s.app.SetBaudRate(req.BaudRate); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"baudRate": req.BaudRate})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

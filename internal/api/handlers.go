package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"meshcoord/internal/domain"
	"meshcoord/internal/infra/mesh"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type setReq struct {
	Value any `json:"value"`
}

type capabilityResp struct {
	Key               string          `json:"key"`
	Value             any             `json:"value"`
	Known             bool            `json:"known"`
	Source            domain.Source   `json:"source,omitempty"`
	InFlightWrite     bool            `json:"in_flight_write"`
	LastReadStartedAt *time.Time      `json:"last_read_started_at,omitempty"`
	LastSettled       *domain.Settled `json:"last_settled,omitempty"`
}

type deviceResp struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Clusters []string `json:"clusters"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusOf maps coordinator errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, mesh.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func capabilityKey(r *http.Request) domain.CapabilityKey {
	return domain.CapabilityKey{
		DeviceID:     chi.URLParam(r, "device"),
		CapabilityID: chi.URLParam(r, "capability"),
		ClusterID:    chi.URLParam(r, "cluster"),
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Scheduler.Stats())
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	out := []deviceResp{}
	for _, d := range s.app.Network.Devices() {
		resp := deviceResp{ID: d.ID, Kind: string(d.Kind)}
		for _, id := range []string{mesh.ClusterOnOff, mesh.ClusterLevel} {
			if _, ok := d.Cluster(id); ok {
				resp.Clusters = append(resp.Clusters, id)
			}
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setCapability(w http.ResponseWriter, r *http.Request) {
	var req setReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := capabilityKey(r)
	dev := s.app.Coordinator.Device(key.DeviceID)
	if err := dev.SetValue(key.CapabilityID, key.ClusterID, req.Value); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"key": key.String(), "queued": true})
}

func (s *Server) refreshCapability(w http.ResponseWriter, r *http.Request) {
	key := capabilityKey(r)
	dev := s.app.Coordinator.Device(key.DeviceID)
	queued, err := dev.RequestValue(key.CapabilityID, key.ClusterID)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"key": key.String(), "queued": queued})
}

func (s *Server) getCapability(w http.ResponseWriter, r *http.Request) {
	key := capabilityKey(r)
	if _, ok := s.app.Network.Device(key.DeviceID); !ok {
		writeError(w, http.StatusNotFound, "unknown device "+key.DeviceID)
		return
	}

	snap := s.app.Coordinator.Device(key.DeviceID).State(key.CapabilityID, key.ClusterID)
	resp := capabilityResp{
		Key:           key.String(),
		Value:         snap.Value,
		Known:         snap.Known,
		Source:        snap.Source,
		InFlightWrite: snap.InFlightWrite,
	}
	if !snap.LastReadStartedAt.IsZero() {
		at := snap.LastReadStartedAt
		resp.LastReadStartedAt = &at
	}

	if s.app.Redis != nil {
		last, err := s.app.Redis.Last(r.Context(), key)
		if err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Str("key", key.String()).Msg("failed to load last settled value")
		}
		resp.LastSettled = last
	}
	writeJSON(w, http.StatusOK, resp)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/bridge"
	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/models"
	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/storage"
	"github.com/ecoflow-bridge/ecoflow-ble-bridge/pkg/efble"
	"github.com/ecoflow-bridge/ecoflow-ble-bridge/pkg/efble/devices"
)

// ========== Device handlers ==========

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	deviceList, total, err := s.store.ListDevices(ctx, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": deviceList,
		"total":   total,
	})
}

// HandleCreateDevice creates a device
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		SN          string `json:"sn" validate:"required"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Address     string `json:"address" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	model, ok := devices.Detect(req.SN)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "unrecognized device model")
		return
	}

	device := &models.Device{
		SN:          req.SN,
		Model:       model.Name,
		Name:        req.Name,
		Description: req.Description,
		Address:     req.Address,
	}
	if device.Name == "" {
		device.Name = req.SN
	}

	if err := s.store.CreateDevice(ctx, device); err != nil {
		if err == storage.ErrDuplicateKey {
			s.respondError(w, http.StatusConflict, "device already exists")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, device)
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sn := chi.URLParam(r, "sn")

	device, err := s.store.GetDevice(ctx, sn)
	if err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleUpdateDevice updates a device
func (s *RESTServer) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sn := chi.URLParam(r, "sn")

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Address     string `json:"address"`
		IsDisabled  bool   `json:"is_disabled"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.store.GetDevice(ctx, sn)
	if err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Name != "" {
		device.Name = req.Name
	}
	if req.Address != "" {
		device.Address = req.Address
	}
	device.Description = req.Description
	device.IsDisabled = req.IsDisabled

	if err := s.store.UpdateDevice(ctx, device); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleDeleteDevice deletes a device
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sn := chi.URLParam(r, "sn")

	if err := s.store.DeleteDevice(ctx, sn); err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== Live state and control ==========

// HandleGetDeviceState returns the live merged state of a device
func (s *RESTServer) HandleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	state, err := s.bridge.State(sn)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "device not managed")
		return
	}

	established, _ := s.bridge.Established(sn)
	lastSeen, _ := s.bridge.LastSeen(sn)

	resp := map[string]interface{}{
		"sn":        sn,
		"connected": established,
		"fields":    state,
	}
	if !lastSeen.IsZero() {
		resp["last_seen"] = lastSeen
	}

	s.respondJSON(w, http.StatusOK, resp)
}

// HandleSendCommand dispatches a control command to a device
func (s *RESTServer) HandleSendCommand(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	var req struct {
		Kind   string             `json:"kind" validate:"required"`
		Params map[string]float64 `json:"params"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, outcome, err := s.bridge.SendCommand(r.Context(), sn, efble.CommandKind(req.Kind), req.Params)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrUnknownDevice):
			s.respondError(w, http.StatusNotFound, "device not managed")
		case errors.Is(err, efble.ErrInvalidCommand):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, efble.ErrNotAuthenticated):
			s.respondError(w, http.StatusServiceUnavailable, "device not connected")
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := http.StatusOK
	if outcome == efble.OutcomeTimedOut {
		status = http.StatusGatewayTimeout
	}

	s.respondJSON(w, status, map[string]interface{}{
		"id":      id.String(),
		"outcome": outcome,
	})
}

// ========== History handlers ==========

// HandleListDeviceTelemetry lists stored telemetry for a device
func (s *RESTServer) HandleListDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sn := chi.URLParam(r, "sn")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	filters := storage.TelemetryFilters{
		DeviceSN: sn,
		Field:    r.URL.Query().Get("field"),
	}

	var err error
	if filters.StartTime, err = parseTimeParam(r, "start"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid start time")
		return
	}
	if filters.EndTime, err = parseTimeParam(r, "end"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid end time")
		return
	}

	points, total, err := s.store.ListTelemetry(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"telemetry": points,
		"total":     total,
	})
}

// HandleListDeviceEvents lists event logs for a device
func (s *RESTServer) HandleListDeviceEvents(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r, chi.URLParam(r, "sn"))
}

// HandleListEvents lists event logs across all devices
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r, "")
}

func (s *RESTServer) listEvents(w http.ResponseWriter, r *http.Request, sn string) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	filters := storage.EventLogFilters{DeviceSN: sn}

	if v := r.URL.Query().Get("type"); v != "" {
		t := models.EventType(v)
		filters.Type = &t
	}
	if v := r.URL.Query().Get("level"); v != "" {
		l := models.EventLevel(v)
		filters.Level = &l
	}

	var err error
	if filters.StartTime, err = parseTimeParam(r, "start"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid start time")
		return
	}
	if filters.EndTime, err = parseTimeParam(r, "end"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid end time")
		return
	}

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// parseTimeParam parses an optional RFC3339 query parameter
func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/config"
	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/models"
	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/storage"
	"github.com/ecoflow-bridge/ecoflow-ble-bridge/pkg/efble"
	"github.com/ecoflow-bridge/ecoflow-ble-bridge/pkg/efble/devices"
)

// NATS subjects. Events and state deltas go out per device; command
// requests come in on the wildcard subject with the serial number in the
// second token.
const (
	subjectEventFmt = "device.%s.event"
	subjectStateFmt = "device.%s.state"
	subjectCommands = "device.*.command"
)

// ErrUnknownDevice is returned for serial numbers not under management.
var ErrUnknownDevice = errors.New("unknown device")

// Manager owns one protocol session per configured device and fans the
// session's telemetry and lifecycle events out to storage and NATS.
type Manager struct {
	cfg   *config.Config
	store storage.Store
	nc    *nats.Conn
	table efble.KeyTable

	mu      sync.RWMutex
	devices map[string]*managedDevice

	sub    *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type managedDevice struct {
	sn      string
	model   *devices.Model
	session *efble.Session
}

// NewManager loads the key table and prepares a manager for the configured
// devices. Nothing connects until Start.
func NewManager(cfg *config.Config, store storage.Store, nc *nats.Conn) (*Manager, error) {
	table, err := efble.LoadKeyTable(cfg.Bridge.KeyTablePath)
	if err != nil {
		return nil, fmt.Errorf("load key table: %w", err)
	}

	return &Manager{
		cfg:     cfg,
		store:   store,
		nc:      nc,
		table:   table,
		devices: make(map[string]*managedDevice),
	}, nil
}

// Start brings up a session per configured device and subscribes to
// command requests. Devices with unrecognized serial numbers are skipped.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	for _, dc := range m.cfg.Bridge.Devices {
		model, ok := devices.Detect(dc.SN)
		if !ok {
			log.Warn().Str("sn", dc.SN).Msg("unrecognized device model, skipping")
			continue
		}

		if err := m.ensureDevice(ctx, dc, model); err != nil {
			return fmt.Errorf("register device %s: %w", dc.SN, err)
		}

		session := efble.NewSession(efble.SessionConfig{
			DeviceSN:         dc.SN,
			AccountID:        m.cfg.Bridge.AccountID,
			KeyTable:         m.table,
			Registry:         model.Registry(),
			HandshakeTimeout: m.cfg.Bridge.HandshakeTimeout,
			CommandTimeout:   m.cfg.Bridge.CommandTimeout,
			Reconnect:        m.cfg.Bridge.Reconnect,
			ReconnectDelay:   m.cfg.Bridge.ReconnectDelay,
			Logger:           log.Logger,
		}, NewTCPTransport(dc.Address))

		md := &managedDevice{sn: dc.SN, model: model, session: session}

		m.mu.Lock()
		m.devices[dc.SN] = md
		m.mu.Unlock()

		m.wg.Add(3)
		go m.runDevice(ctx, md)
		go m.pumpEvents(ctx, md)
		go m.pumpTelemetry(ctx, md)
	}

	sub, err := m.nc.Subscribe(subjectCommands, m.handleCommandRequest)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	m.sub = sub

	m.mu.RLock()
	count := len(m.devices)
	m.mu.RUnlock()

	log.Info().Int("devices", count).Msg("bridge manager started")
	return nil
}

// Stop tears down every session and waits for the pumps to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}

	m.mu.RLock()
	for _, md := range m.devices {
		md.session.Close()
	}
	m.mu.RUnlock()

	m.wg.Wait()
	log.Info().Msg("bridge manager stopped")
}

// ensureDevice upserts the device row so state and telemetry have a home.
func (m *Manager) ensureDevice(ctx context.Context, dc config.DeviceConfig, model *devices.Model) error {
	device := &models.Device{
		SN:      dc.SN,
		Model:   model.Name,
		Name:    dc.Name,
		Address: dc.Address,
	}
	if device.Name == "" {
		device.Name = dc.SN
	}

	err := m.store.CreateDevice(ctx, device)
	if errors.Is(err, storage.ErrDuplicateKey) {
		existing, err := m.store.GetDevice(ctx, dc.SN)
		if err != nil {
			return err
		}
		existing.Model = model.Name
		existing.Address = dc.Address
		if dc.Name != "" {
			existing.Name = dc.Name
		}
		return m.store.UpdateDevice(ctx, existing)
	}
	return err
}

// runDevice drives the initial connect. Once a session is established it
// reconnects on its own; a rejected identity is terminal either way.
func (m *Manager) runDevice(ctx context.Context, md *managedDevice) {
	defer m.wg.Done()

	for {
		cctx, cancel := context.WithTimeout(ctx, 2*m.cfg.Bridge.HandshakeTimeout)
		err := md.session.Connect(cctx)
		cancel()

		if err == nil {
			return
		}

		var authErr *efble.AuthError
		if errors.As(err, &authErr) && authErr.Reason == efble.AuthRejected {
			log.Error().Err(err).Str("sn", md.sn).Msg("device rejected identity, giving up")
			return
		}

		log.Warn().Err(err).Str("sn", md.sn).Msg("connect failed")
		if !m.cfg.Bridge.Reconnect {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.Bridge.ReconnectDelay):
		}
	}
}

// pumpEvents mirrors session lifecycle events into the event log, device
// status and NATS.
func (m *Manager) pumpEvents(ctx context.Context, md *managedDevice) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-md.session.Events():
			m.handleSessionEvent(ctx, md, ev)
		}
	}
}

func (m *Manager) handleSessionEvent(ctx context.Context, md *managedDevice, ev efble.SessionEvent) {
	event := &models.EventLog{
		DeviceSN:  md.sn,
		CreatedAt: ev.At,
		Level:     models.EventLevelInfo,
	}

	switch ev.Type {
	case efble.EventConnected:
		event.Type = models.EventTypeConnected
		event.Description = "session established"
		at := ev.At
		if err := m.store.UpdateDeviceStatus(ctx, md.sn, true, &at); err != nil {
			log.Error().Err(err).Str("sn", md.sn).Msg("update device status")
		}

	case efble.EventDisconnected:
		event.Type = models.EventTypeDisconnected
		event.Level = models.EventLevelWarning
		event.Description = "link dropped"
		if err := m.store.UpdateDeviceStatus(ctx, md.sn, false, nil); err != nil {
			log.Error().Err(err).Str("sn", md.sn).Msg("update device status")
		}

	case efble.EventAuthFailed:
		event.Type = models.EventTypeAuthFailed
		event.Level = models.EventLevelError
		event.Description = "authentication failed"
		if ev.Err != nil {
			event.Details = models.Variables{"error": ev.Err.Error()}
		}

	default:
		return
	}

	if err := m.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Str("sn", md.sn).Msg("create event log")
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"sn":    md.sn,
		"type":  ev.Type,
		"error": errString(ev.Err),
		"at":    ev.At,
	})
	if err := m.nc.Publish(fmt.Sprintf(subjectEventFmt, md.sn), payload); err != nil {
		log.Error().Err(err).Str("sn", md.sn).Msg("publish event")
	}
}

// pumpTelemetry persists state deltas and republishes them on NATS.
func (m *Manager) pumpTelemetry(ctx context.Context, md *managedDevice) {
	defer m.wg.Done()

	deltas, unsubscribe := md.session.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case delta := <-deltas:
			m.handleDelta(ctx, md, delta)
		}
	}
}

func (m *Manager) handleDelta(ctx context.Context, md *managedDevice, delta efble.StateDelta) {
	points := telemetryPoints(md.sn, delta)
	if len(points) > 0 {
		if err := m.store.InsertTelemetry(ctx, points); err != nil {
			log.Error().Err(err).Str("sn", md.sn).Msg("insert telemetry")
		}
	}

	if fv, ok := delta.Fields[md.model.BatteryField]; ok && contains(delta.Changed, md.model.BatteryField) {
		if err := m.store.UpdateDeviceBattery(ctx, md.sn, fv.Num, delta.At); err != nil {
			log.Error().Err(err).Str("sn", md.sn).Msg("update device battery")
		}
	}

	at := delta.At
	if err := m.store.UpdateDeviceStatus(ctx, md.sn, true, &at); err != nil {
		log.Error().Err(err).Str("sn", md.sn).Msg("update device status")
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"sn":      md.sn,
		"schema":  delta.Schema,
		"seq":     delta.Seq,
		"changed": delta.Changed,
		"fields":  delta.Fields,
		"at":      delta.At,
	})
	if err := m.nc.Publish(fmt.Sprintf(subjectStateFmt, md.sn), payload); err != nil {
		log.Error().Err(err).Str("sn", md.sn).Msg("publish state")
	}
}

// telemetryPoints flattens the changed fields of a delta into rows.
// Repeated numeric fields become one row per element, indexed by suffix;
// raw byte fields are not persisted.
func telemetryPoints(sn string, delta efble.StateDelta) []*models.TelemetryPoint {
	var points []*models.TelemetryPoint
	for _, name := range delta.Changed {
		fv, ok := delta.Fields[name]
		if !ok || fv.Kind == efble.KindBytes {
			continue
		}

		if len(fv.Nums) > 0 {
			for i, v := range fv.Nums {
				v := v
				points = append(points, &models.TelemetryPoint{
					CreatedAt: delta.At,
					DeviceSN:  sn,
					Schema:    delta.Schema,
					Field:     fmt.Sprintf("%s.%d", name, i),
					Value:     &v,
					Unit:      fv.Unit,
					Seq:       delta.Seq,
				})
			}
			continue
		}

		v := fv.Num
		points = append(points, &models.TelemetryPoint{
			CreatedAt: delta.At,
			DeviceSN:  sn,
			Schema:    delta.Schema,
			Field:     name,
			Value:     &v,
			Unit:      fv.Unit,
			Seq:       delta.Seq,
		})
	}
	return points
}

// commandRequest is the NATS command payload.
type commandRequest struct {
	Kind   string             `json:"kind"`
	Params map[string]float64 `json:"params"`
}

// commandResponse is sent on the reply subject when one is set.
type commandResponse struct {
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (m *Manager) handleCommandRequest(msg *nats.Msg) {
	parts := strings.Split(msg.Subject, ".")
	if len(parts) != 3 {
		return
	}
	sn := parts[1]

	var req commandRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("bad command request")
		m.respond(msg, commandResponse{Error: "bad request"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.Bridge.CommandTimeout)
	defer cancel()

	id, outcome, err := m.SendCommand(ctx, sn, efble.CommandKind(req.Kind), req.Params)
	if err != nil {
		m.respond(msg, commandResponse{Error: err.Error()})
		return
	}
	m.respond(msg, commandResponse{ID: id.String(), Outcome: string(outcome)})
}

func (m *Manager) respond(msg *nats.Msg, resp commandResponse) {
	if msg.Reply == "" {
		return
	}
	payload, _ := json.Marshal(resp)
	if err := msg.Respond(payload); err != nil {
		log.Error().Err(err).Msg("respond to command request")
	}
}

// SendCommand validates, dispatches and logs one command to a managed
// device, returning its assigned ID and the outcome.
func (m *Manager) SendCommand(ctx context.Context, sn string, kind efble.CommandKind, params map[string]float64) (uuid.UUID, efble.CommandOutcome, error) {
	md, ok := m.device(sn)
	if !ok {
		return uuid.Nil, "", ErrUnknownDevice
	}

	cmd := efble.NewCommand(kind, params)
	outcome, err := md.session.SendCommand(ctx, cmd)

	event := &models.EventLog{
		DeviceSN:    sn,
		Type:        models.EventTypeCommand,
		Level:       models.EventLevelInfo,
		Code:        string(kind),
		Description: fmt.Sprintf("command %s: %s", kind, outcome),
		Details: models.Variables{
			"id":     cmd.ID.String(),
			"params": params,
		},
	}
	if err != nil {
		event.Level = models.EventLevelError
		event.Description = fmt.Sprintf("command %s failed", kind)
		event.Details["error"] = err.Error()
	}
	if logErr := m.store.CreateEventLog(ctx, event); logErr != nil {
		log.Error().Err(logErr).Str("sn", sn).Msg("create event log")
	}

	return cmd.ID, outcome, err
}

// State returns the merged live state of a managed device.
func (m *Manager) State(sn string) (map[string]efble.FieldValue, error) {
	md, ok := m.device(sn)
	if !ok {
		return nil, ErrUnknownDevice
	}
	return md.session.State(), nil
}

// Established reports whether the device session is live.
func (m *Manager) Established(sn string) (bool, error) {
	md, ok := m.device(sn)
	if !ok {
		return false, ErrUnknownDevice
	}
	return md.session.Established(), nil
}

// LastSeen reports when the device last delivered telemetry.
func (m *Manager) LastSeen(sn string) (time.Time, error) {
	md, ok := m.device(sn)
	if !ok {
		return time.Time{}, ErrUnknownDevice
	}
	return md.session.LastSeen(), nil
}

func (m *Manager) device(sn string) (*managedDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.devices[sn]
	return md, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

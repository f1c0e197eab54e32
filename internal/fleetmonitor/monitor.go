// Package fleetmonitor — monitor.go
//
// Fleet Monitor (spec §4.5, component C5): maintains per-vehicle state
// from a telemetry feed, runs the four failure detectors every poll, and
// dispatches failure events to subscribers synchronously from the
// polling goroutine. This is the "Monitor task" of spec §5 — a single
// logical worker; the OODA cycle it triggers is expected to run on a
// separate goroutine so a long Decide phase never disturbs polling
// cadence.
package fleetmonitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

var (
	ErrUnknownVehicle    = errors.New("fleetmonitor: unknown vehicle")
	ErrAlreadyRegistered = errors.New("fleetmonitor: vehicle already registered")
)

// TelemetryReading is the decoded form of one vehicle telemetry reply
// (spec §6: position, optional attitude, battery, optional spare
// payload, optional active task list).
type TelemetryReading struct {
	Position model.Position

	Attitude    model.Quaternion
	HasAttitude bool

	Battery float64

	SparePayloadKg  float64
	HasSparePayload bool

	ActiveTasks    []model.TaskID
	HasActiveTasks bool
}

// TelemetryClient is the per-vehicle request/response channel the Fleet
// Monitor consumes (spec §6, external collaborator — interface only).
type TelemetryClient interface {
	// GetTelemetry issues one get_telemetry request and blocks for a
	// reply or ctx cancellation. Any transport/timeout error is
	// interpreted as a communication failure by the caller.
	GetTelemetry(ctx context.Context) (TelemetryReading, error)
	Close() error
}

// FailureCallback is invoked synchronously on the polling goroutine for
// every operational -> non-operational transition.
type FailureCallback func(vehicleID model.VehicleID, mode model.FailureMode)

// Config bundles the Monitor's operating parameters.
type Config struct {
	PollInterval  time.Duration
	RequestTimeout time.Duration

	BatteryHistoryCapacity  int
	PositionHistoryCapacity int

	Detectors DetectorConfig
}

// Monitor owns every registered vehicle's VehicleStatus record.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	vehicles map[model.VehicleID]*vehicleState

	subMu       sync.Mutex
	subscribers []FailureCallback

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns an unstarted Monitor.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Detectors.PollInterval = cfg.PollInterval
	cfg.Detectors.TimeoutThreshold = cfg.RequestTimeout
	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		vehicles: make(map[model.VehicleID]*vehicleState),
		stop:     make(chan struct{}),
	}
}

// Register inserts a new VehicleStatus, connected and operational.
// Fails with ErrAlreadyRegistered if the id exists.
func (m *Monitor) Register(id model.VehicleID, transport TelemetryClient, perms model.VehiclePermissions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vehicles[id]; exists {
		return fmt.Errorf("%w: id=%d", ErrAlreadyRegistered, id)
	}
	m.vehicles[id] = newVehicleState(id, transport, m.cfg.BatteryHistoryCapacity, m.cfg.PositionHistoryCapacity, perms)
	return nil
}

// Unregister closes the vehicle's transport and removes its record.
func (m *Monitor) Unregister(id model.VehicleID) error {
	m.mu.Lock()
	vs, exists := m.vehicles[id]
	if exists {
		delete(m.vehicles, id)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: id=%d", ErrUnknownVehicle, id)
	}
	if vs.transport != nil {
		return vs.transport.Close()
	}
	return nil
}

// SubscribeFailures adds cb to the set of callbacks invoked on each
// failure event.
func (m *Monitor) SubscribeFailures(cb FailureCallback) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, cb)
}

// Snapshot returns a consistent, self-contained FleetState copy of the
// current fleet (spec §4.5 snapshot()).
func (m *Monitor) Snapshot(now time.Time) model.FleetState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]model.VehicleID, 0, len(m.vehicles))
	for id := range m.vehicles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	state := model.FleetState{
		Timestamp:      now,
		Positions:      make(map[model.VehicleID]model.Position),
		Battery:        make(map[model.VehicleID]float64),
		SparePayloadKg: make(map[model.VehicleID]float64),
		Permissions:    make(map[model.VehicleID]model.VehiclePermissions),
	}

	var lost []model.TaskID
	for _, id := range ids {
		snap := m.vehicles[id].snapshot()
		state.Positions[id] = snap.Position
		state.Battery[id] = snap.Battery
		state.SparePayloadKg[id] = snap.SparePayloadKg
		state.Permissions[id] = snap.Permissions

		if snap.Operational {
			state.Operational = append(state.Operational, id)
		} else {
			state.Failed = append(state.Failed, id)
			lost = append(lost, snap.ActiveTasks...)
		}
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	state.LostTasks = lost
	return state
}

// Counts returns the current (operational, failed) vehicle counts.
func (m *Monitor) Counts() (operational, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, vs := range m.vehicles {
		if vs.isOperational() {
			operational++
		} else {
			failed++
		}
	}
	return
}

// Start launches the polling goroutine. Stop must be called to release
// it.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.pollLoop(ctx)
}

// Stop signals the polling goroutine to exit and waits for it.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce walks every registered vehicle, issues a telemetry request,
// applies the reply (or times out), and runs the detectors (spec §4.5
// Polling).
func (m *Monitor) pollOnce(ctx context.Context) {
	m.mu.RLock()
	ids := make([]model.VehicleID, 0, len(m.vehicles))
	snapshot := make(map[model.VehicleID]*vehicleState, len(m.vehicles))
	for id, vs := range m.vehicles {
		ids = append(ids, id)
		snapshot[id] = vs
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m.pollVehicle(ctx, snapshot[id])
	}
}

func (m *Monitor) pollVehicle(ctx context.Context, vs *vehicleState) {
	now := time.Now()

	if vs.isOperational() {
		reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		reading, err := vs.transport.GetTelemetry(reqCtx)
		cancel()

		if err == nil {
			vs.applyTelemetry(now, reading)
		} else {
			m.logger.Debug("telemetry request failed", zap.Uint64("vehicle_id", uint64(vs.id)), zap.Error(err))
		}
	}

	vs.mu.Lock()
	lastAt := vs.lastTelemetryAt
	batteryHist := vs.batteryHist.ordered()
	posHistLen := vs.positionHist.len()
	var posHist []model.Position
	if posHistLen >= 2 {
		posHist = vs.positionHist.last(2)
	}
	currentPos := vs.position
	vs.mu.Unlock()

	mode, fired := runDetectors(lastAt, now, batteryHist, posHist, currentPos, m.cfg.Detectors)
	if !fired {
		return
	}

	if vs.markFailed(mode) {
		m.logger.Info("vehicle failure detected",
			zap.Uint64("vehicle_id", uint64(vs.id)),
			zap.String("failure_mode", mode.String()),
		)
		m.dispatchFailure(vs.id, mode)
	}
}

// dispatchFailure calls every subscriber synchronously. A panicking
// subscriber is recovered, logged, and does not prevent the remaining
// subscribers from running (spec §4.5).
func (m *Monitor) dispatchFailure(id model.VehicleID, mode model.FailureMode) {
	m.subMu.Lock()
	subs := append([]FailureCallback(nil), m.subscribers...)
	m.subMu.Unlock()

	for _, cb := range subs {
		m.invokeSubscriber(cb, id, mode)
	}
}

func (m *Monitor) invokeSubscriber(cb FailureCallback, id model.VehicleID, mode model.FailureMode) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("failure subscriber panicked",
				zap.Uint64("vehicle_id", uint64(id)),
				zap.Any("panic", r),
			)
		}
	}()
	cb(id, mode)
}

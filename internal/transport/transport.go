// Package transport — transport.go
//
// Reference telemetry transport for the GCS fleet decision engine (spec
// §6, "External Interfaces"). Framing: one JSON message per
// newline-delimited unit over a net.Conn, request/response, each request
// carrying a monotonically increasing id.
//
// This package gives internal/fleetmonitor something real to poll
// against in tests and in a minimal deployment; it does not own
// production transport security (TLS, auth) — an embedding application
// is expected to wrap the net.Conn it hands to NewNewlineJSONClient with
// whatever transport security its fleet requires.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gcs-fleet/decision-engine/internal/fleetmonitor"
	"github.com/gcs-fleet/decision-engine/internal/model"
)

// telemetryRequest is the wire request for get_telemetry.
type telemetryRequest struct {
	Method    string `json:"method"`
	RequestID uint64 `json:"request_id"`
}

// telemetryResponse is the wire response to get_telemetry (spec §6).
type telemetryResponse struct {
	RequestID      uint64     `json:"request_id"`
	Position       [3]float64 `json:"position"`
	Attitude       *[4]float64 `json:"attitude,omitempty"`
	Battery        float64    `json:"battery"`
	SparePayloadKg *float64   `json:"spare_payload_kg,omitempty"`
	ActiveTaskIDs  []int64    `json:"active_task_ids,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// missionUpdate is the wire request for update_mission (spec §6, "Vehicle
// command dispatch").
type missionUpdate struct {
	Method      string        `json:"method"`
	TaskIDs     []int64       `json:"task_ids"`
	Waypoints   [][3]float64  `json:"waypoints"`
}

// NewlineJSONClient implements fleetmonitor.TelemetryClient over a
// net.Conn using newline-delimited JSON request/response framing.
type NewlineJSONClient struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
	nextID uint64
}

// NewNewlineJSONClient wraps an already-dialed connection. Callers own
// dialing and any transport security (TLS); this type only handles
// framing and request/response correlation.
func NewNewlineJSONClient(conn net.Conn) *NewlineJSONClient {
	return &NewlineJSONClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// GetTelemetry sends a get_telemetry request and waits for the matching
// response, honoring ctx's deadline by pushing it onto the underlying
// connection (spec §6: "any transport/timeout error is interpreted by
// the monitor as a communication failure").
func (c *NewlineJSONClient) GetTelemetry(ctx context.Context) (fleetmonitor.TelemetryReading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return fleetmonitor.TelemetryReading{}, fmt.Errorf("transport: set deadline: %w", err)
		}
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	id := atomic.AddUint64(&c.nextID, 1)
	req := telemetryRequest{Method: "get_telemetry", RequestID: id}

	data, err := json.Marshal(req)
	if err != nil {
		return fleetmonitor.TelemetryReading{}, fmt.Errorf("transport: marshal request: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fleetmonitor.TelemetryReading{}, fmt.Errorf("transport: write request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fleetmonitor.TelemetryReading{}, fmt.Errorf("transport: read response: %w", err)
	}

	var resp telemetryResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fleetmonitor.TelemetryReading{}, fmt.Errorf("transport: malformed telemetry record: %w", err)
	}
	if resp.Error != "" {
		return fleetmonitor.TelemetryReading{}, fmt.Errorf("transport: vehicle reported error: %s", resp.Error)
	}
	if resp.RequestID != id {
		return fleetmonitor.TelemetryReading{}, fmt.Errorf("transport: response id %d does not match request id %d", resp.RequestID, id)
	}

	reading := fleetmonitor.TelemetryReading{
		Position: model.Position{X: resp.Position[0], Y: resp.Position[1], Z: resp.Position[2]},
		Battery:  resp.Battery,
	}
	if resp.Attitude != nil {
		reading.HasAttitude = true
		reading.Attitude = model.Quaternion{W: resp.Attitude[0], X: resp.Attitude[1], Y: resp.Attitude[2], Z: resp.Attitude[3]}
	}
	if resp.SparePayloadKg != nil {
		reading.HasSparePayload = true
		reading.SparePayloadKg = *resp.SparePayloadKg
	}
	if resp.ActiveTaskIDs != nil {
		reading.HasActiveTasks = true
		ids := make([]model.TaskID, len(resp.ActiveTaskIDs))
		for i, v := range resp.ActiveTaskIDs {
			ids[i] = model.TaskID(v)
		}
		reading.ActiveTasks = ids
	}
	return reading, nil
}

// Close closes the underlying connection.
func (c *NewlineJSONClient) Close() error {
	return c.conn.Close()
}

// MissionDispatcher sends update_mission commands to vehicles after Act
// commits a plan (spec §6, "Vehicle command dispatch"). The core does
// not own this transport; this is a reference implementation an
// embedding application may use or replace.
type MissionDispatcher interface {
	UpdateMission(ctx context.Context, vehicle model.VehicleID, taskIDs []model.TaskID, waypoints []model.Position) error
}

// NewlineJSONDispatcher implements MissionDispatcher over a pool of
// per-vehicle net.Conns, same newline-delimited JSON framing as
// NewlineJSONClient.
type NewlineJSONDispatcher struct {
	mu    sync.Mutex
	conns map[model.VehicleID]net.Conn
}

// NewNewlineJSONDispatcher returns a dispatcher with no connections
// registered; callers add vehicle connections with AddVehicle.
func NewNewlineJSONDispatcher() *NewlineJSONDispatcher {
	return &NewlineJSONDispatcher{conns: make(map[model.VehicleID]net.Conn)}
}

// AddVehicle registers the connection used to dispatch update_mission
// commands to vehicle id.
func (d *NewlineJSONDispatcher) AddVehicle(id model.VehicleID, conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[id] = conn
}

// RemoveVehicle drops a vehicle's dispatch connection.
func (d *NewlineJSONDispatcher) RemoveVehicle(id model.VehicleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, id)
}

// UpdateMission sends an update_mission command to vehicle id with the
// given task ids and waypoints (spec §6).
func (d *NewlineJSONDispatcher) UpdateMission(ctx context.Context, vehicle model.VehicleID, taskIDs []model.TaskID, waypoints []model.Position) error {
	d.mu.Lock()
	conn, ok := d.conns[vehicle]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no dispatch connection registered for vehicle %d", vehicle)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("transport: set write deadline: %w", err)
		}
	}

	ids := make([]int64, len(taskIDs))
	for i, id := range taskIDs {
		ids[i] = int64(id)
	}
	wps := make([][3]float64, len(waypoints))
	for i, p := range waypoints {
		wps[i] = [3]float64{p.X, p.Y, p.Z}
	}

	msg := missionUpdate{Method: "update_mission", TaskIDs: ids, Waypoints: wps}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal update_mission: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("transport: write update_mission: %w", err)
	}
	return nil
}

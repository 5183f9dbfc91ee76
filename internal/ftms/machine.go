package ftms

import (
	"log"
	"sync"

	"github.com/lowaak/ftms-bike/ftms-bike-app/internal/events"
	"github.com/lowaak/ftms-bike/ftms-bike-app/internal/safe_map"
)

// ConnID is a stable identifier for a central connection, assigned by the
// transport. Authorization is tracked per ConnID so records can be discarded
// explicitly on disconnect instead of leaking.
type ConnID uint32

// ConnectionAuthorization tracks whether a connection has taken control of
// the machine via Request Control. Target-setting commands require it.
type ConnectionAuthorization struct {
	HasControl bool
}

// Transport is the narrow interface the machine needs from a BLE backend.
// SendControlResponse is the confirmed indication ending each command;
// the other two are fire-and-forget notifications to all subscribers.
type Transport interface {
	SendControlResponse(conn ConnID, data []byte) error
	BroadcastBikeData(data []byte) error
	NotifyTrainingStatus(data []byte) error
}

// MachineState is the single source of truth for the simulated bike. It is
// only ever mutated by the control point command path; the telemetry loop
// takes read-only snapshots.
type MachineState struct {
	ResistanceLevel  int16  // 0.1 unitless steps
	TargetPowerWatts int16  // watts
	SpeedCentiKmh    uint16 // 0.01 km/h
	CadenceHalfRpm   uint16 // 0.5 rpm
	HeartRateBpm     uint8  // 0 means no sensor
	Status           TrainingStatus
}

// Snapshot is an atomic copy of the machine state plus the number of live
// connection records, published to dashboard listeners.
type Snapshot struct {
	MachineState
	Connections int
}

// PowerMapper derives target power from a resistance level. Any replacement
// must be deterministic and stay within the derived-power clamp bounds.
type PowerMapper func(resistance int16) int16

// DefaultPowerMapper is the simulation placeholder mapping:
// clamp(50, 2000, 100 + resistance/10).
func DefaultPowerMapper(resistance int16) int16 {
	p := int32(100) + int32(resistance)/10
	if p < MinDerivedPowerWatts {
		p = MinDerivedPowerWatts
	}
	if p > MaxDerivedPowerWatts {
		p = MaxDerivedPowerWatts
	}
	return int16(p)
}

// Config holds the static machine capabilities, fixed at startup.
type Config struct {
	ResistanceRange SupportedRange
	PowerRange      SupportedRange
	HeartRateBpm    uint8       // 0 disables the heart rate field entirely
	PowerMapper     PowerMapper // nil selects DefaultPowerMapper
}

// Machine owns the FTMS state and the control point protocol. All command
// handling is serialized: one command runs to completion, including its
// response indication, before the next one is taken.
type Machine struct {
	cfg    Config
	logger *log.Logger

	// cmdMu serializes the whole command path (step + apply + respond).
	// mu guards state for snapshot readers.
	cmdMu sync.Mutex
	mu    sync.RWMutex
	state MachineState

	authByConn *safe_map.SafeMap[ConnID, *ConnectionAuthorization]

	transportMu sync.RWMutex
	transport   Transport

	stateEvent *events.ChannelEvent[Snapshot]
}

// NewMachine creates a machine in the Idle state with the reset baseline
// applied.
func NewMachine(cfg Config, logger *log.Logger) *Machine {
	if logger == nil {
		panic("Machine: logger cannot be nil")
	}
	if cfg.PowerMapper == nil {
		cfg.PowerMapper = DefaultPowerMapper
	}
	m := &Machine{
		cfg:        cfg,
		logger:     logger,
		authByConn: safe_map.NewSafeMap[ConnID, *ConnectionAuthorization](),
		stateEvent: events.NewChannelEvent[Snapshot](true),
	}
	m.state = m.deriveRide(MachineState{
		TargetPowerWatts: DefaultTargetPowerWatts,
		Status:           TrainingStatusIdle,
	})
	// Seed the sticky snapshot so the first listener sees the idle state.
	m.publishSnapshot()
	return m
}

// AttachTransport wires the BLE backend. Until a transport is attached,
// responses and notifications are dropped (useful for pure state tests).
func (m *Machine) AttachTransport(t Transport) {
	m.transportMu.Lock()
	m.transport = t
	m.transportMu.Unlock()
}

func (m *Machine) getTransport() Transport {
	m.transportMu.RLock()
	defer m.transportMu.RUnlock()
	return m.transport
}

// Snapshot returns an atomic copy of the current machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{MachineState: m.state, Connections: m.authByConn.Len()}
}

// ListenToState registers a channel for state snapshots; the current
// snapshot is replayed to new listeners.
func (m *Machine) ListenToState(ch chan<- Snapshot) func() {
	return m.stateEvent.Listen(ch)
}

// ConnectionCount returns the number of live authorization records.
func (m *Machine) ConnectionCount() int {
	return m.authByConn.Len()
}

// DropConnection discards the authorization record for a closed connection.
// A command from that connection still in flight will complete against the
// old record but its response is abandoned.
func (m *Machine) DropConnection(conn ConnID) {
	if m.authByConn.Delete(conn) {
		m.logger.Printf("Machine: dropped connection %d", conn)
		m.publishSnapshot()
	}
}

// DropAllConnections discards every authorization record. The BLE backend
// calls this on central disconnect, since the underlying stack does not
// correlate disconnect events with write connection ids.
func (m *Machine) DropAllConnections() {
	if m.authByConn.Len() == 0 {
		return
	}
	m.authByConn.Clear()
	m.logger.Printf("Machine: dropped all connections")
	m.publishSnapshot()
}

// Static characteristic values.

// FeatureValue returns the 16-byte Fitness Machine Feature bitmask for this
// configuration.
func (m *Machine) FeatureValue() []byte {
	machine := FeatureCadenceSupported | FeatureResistanceLevelSupported | FeaturePowerMeasurementSupported
	if m.cfg.HeartRateBpm > 0 {
		machine |= FeatureHeartRateSupported
	}
	target := TargetResistanceSupported | TargetPowerSupported
	return EncodeFeatureFlags(machine, target)
}

// ResistanceRangeValue returns the Supported Resistance Level Range bytes.
func (m *Machine) ResistanceRangeValue() []byte {
	return EncodeSupportedRange(m.cfg.ResistanceRange)
}

// PowerRangeValue returns the Supported Power Range bytes.
func (m *Machine) PowerRangeValue() []byte {
	return EncodeSupportedRange(m.cfg.PowerRange)
}

// TrainingStatusValue returns the current Training Status byte.
func (m *Machine) TrainingStatusValue() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return EncodeTrainingStatus(m.state.Status)
}

// deriveRide recomputes the simulated ride fields from power and status.
// This runs inside the serialized mutation path, so the telemetry loop only
// ever reads. Cadence follows the rough power curve used by trainer
// simulators (85 rpm base plus a watt-proportional term); speed is a simple
// monotonic function of power.
func (m *Machine) deriveRide(s MachineState) MachineState {
	s.HeartRateBpm = m.cfg.HeartRateBpm
	if s.Status != TrainingStatusActive {
		s.SpeedCentiKmh = 0
		s.CadenceHalfRpm = 0
		return s
	}
	power := int32(s.TargetPowerWatts)
	if power < 0 {
		power = 0
	}
	kmh := 10 + power/10
	rpm := 85 + power/30
	s.SpeedCentiKmh = uint16(kmh * 100)
	s.CadenceHalfRpm = uint16(rpm * 2)
	return s
}

func (m *Machine) publishSnapshot() {
	m.stateEvent.Notify(m.Snapshot())
}

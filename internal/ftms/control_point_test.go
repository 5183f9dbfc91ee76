package ftms

import (
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport records everything the machine sends. Hooks let tests
// interleave actions with the notification path.
type mockTransport struct {
	mu             sync.Mutex
	responses      [][]byte
	responseConns  []ConnID
	bikeData       [][]byte
	statuses       [][]byte
	onStatusNotify func()
}

func (t *mockTransport) SendControlResponse(conn ConnID, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, data)
	t.responseConns = append(t.responseConns, conn)
	return nil
}

func (t *mockTransport) BroadcastBikeData(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bikeData = append(t.bikeData, data)
	return nil
}

func (t *mockTransport) NotifyTrainingStatus(data []byte) error {
	t.mu.Lock()
	t.statuses = append(t.statuses, data)
	hook := t.onStatusNotify
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (t *mockTransport) responseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.responses)
}

func (t *mockTransport) lastResponse() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}

func (t *mockTransport) bikeDataCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bikeData)
}

func (t *mockTransport) statusCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.statuses)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestMachine(t *testing.T, cfg ...Config) (*Machine, *mockTransport) {
	t.Helper()
	c := Config{
		ResistanceRange: DefaultResistanceRange,
		PowerRange:      DefaultPowerRange,
	}
	if len(cfg) > 0 {
		c = cfg[0]
	}
	m := NewMachine(c, testLogger())
	transport := &mockTransport{}
	m.AttachTransport(transport)
	return m, transport
}

const testConn ConnID = 1

func requestControl(t *testing.T, m *Machine, transport *mockTransport, conn ConnID) {
	t.Helper()
	m.HandleControlPointWrite(conn, []byte{OpCodeRequestControl})
	require.Equal(t, []byte{0x80, 0x00, 0x01}, transport.lastResponse())
}

func TestMachine_InitialState(t *testing.T) {
	m, _ := newTestMachine(t)
	snap := m.Snapshot()
	assert.Equal(t, TrainingStatusIdle, snap.Status)
	assert.Equal(t, int16(0), snap.ResistanceLevel)
	assert.Equal(t, int16(DefaultTargetPowerWatts), snap.TargetPowerWatts)
	assert.Equal(t, uint16(0), snap.SpeedCentiKmh)
	assert.Equal(t, uint16(0), snap.CadenceHalfRpm)
	assert.Equal(t, 0, snap.Connections)
}

func TestMachine_RequestControl_Idempotent(t *testing.T) {
	m, transport := newTestMachine(t)

	m.HandleControlPointWrite(testConn, []byte{OpCodeRequestControl})
	m.HandleControlPointWrite(testConn, []byte{OpCodeRequestControl})

	require.Equal(t, 2, transport.responseCount())
	assert.Equal(t, []byte{0x80, 0x00, 0x01}, transport.responses[0])
	assert.Equal(t, []byte{0x80, 0x00, 0x01}, transport.responses[1])
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestMachine_SetTargetResistance_UpdatesDerivedPower(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)

	m.HandleControlPointWrite(testConn, []byte{OpCodeSetTargetResistance, 0x64, 0x00})

	assert.Equal(t, []byte{0x80, 0x04, 0x01}, transport.lastResponse())
	snap := m.Snapshot()
	assert.Equal(t, int16(100), snap.ResistanceLevel)
	assert.Equal(t, int16(110), snap.TargetPowerWatts)
}

func TestMachine_SetTargetResistance_WithoutControl(t *testing.T) {
	m, transport := newTestMachine(t)
	before := m.Snapshot()

	m.HandleControlPointWrite(testConn, []byte{OpCodeSetTargetResistance, 0x64, 0x00})

	assert.Equal(t, []byte{0x80, 0x04, 0x05}, transport.lastResponse())
	assert.Equal(t, before.MachineState, m.Snapshot().MachineState)
}

func TestMachine_ValidationOrder_AuthBeforeLength(t *testing.T) {
	m, transport := newTestMachine(t)

	// Truncated AND unauthorized: the authorization failure wins
	m.HandleControlPointWrite(testConn, []byte{OpCodeSetTargetPower, 0x64})
	assert.Equal(t, []byte{0x80, 0x05, 0x05}, transport.lastResponse())

	// With control granted the same write fails on length instead
	requestControl(t, m, transport, testConn)
	m.HandleControlPointWrite(testConn, []byte{OpCodeSetTargetPower, 0x64})
	assert.Equal(t, []byte{0x80, 0x05, 0x03}, transport.lastResponse())
}

func TestMachine_SetTargetResistance_OutOfRange(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)
	before := m.Snapshot()

	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetResistance, 1001))
	assert.Equal(t, []byte{0x80, 0x04, 0x03}, transport.lastResponse())

	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetResistance, -1))
	assert.Equal(t, []byte{0x80, 0x04, 0x03}, transport.lastResponse())

	assert.Equal(t, before.MachineState, m.Snapshot().MachineState)
}

func TestMachine_SetTargetPower(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)

	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetPower, 250))
	assert.Equal(t, []byte{0x80, 0x05, 0x01}, transport.lastResponse())
	assert.Equal(t, int16(250), m.Snapshot().TargetPowerWatts)

	// Below and above the supported power range
	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetPower, 24))
	assert.Equal(t, []byte{0x80, 0x05, 0x03}, transport.lastResponse())
	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetPower, 2001))
	assert.Equal(t, []byte{0x80, 0x05, 0x03}, transport.lastResponse())
	assert.Equal(t, int16(250), m.Snapshot().TargetPowerWatts)
}

func TestMachine_StartStopPause(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)
	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetPower, 110))

	m.HandleControlPointWrite(testConn, []byte{OpCodeStartOrResume})
	assert.Equal(t, []byte{0x80, 0x07, 0x01}, transport.lastResponse())
	snap := m.Snapshot()
	assert.Equal(t, TrainingStatusActive, snap.Status)
	assert.Equal(t, uint16(2100), snap.SpeedCentiKmh)
	assert.Equal(t, uint16(176), snap.CadenceHalfRpm)

	m.HandleControlPointWrite(testConn, []byte{OpCodeStopOrPause, StopParamPause})
	assert.Equal(t, []byte{0x80, 0x08, 0x01}, transport.lastResponse())
	snap = m.Snapshot()
	assert.Equal(t, TrainingStatusPaused, snap.Status)
	assert.Equal(t, uint16(0), snap.SpeedCentiKmh)
	assert.Equal(t, uint16(0), snap.CadenceHalfRpm)
	// Pause keeps the targets
	assert.Equal(t, int16(110), snap.TargetPowerWatts)

	m.HandleControlPointWrite(testConn, []byte{OpCodeStartOrResume})
	assert.Equal(t, TrainingStatusActive, m.Snapshot().Status)

	m.HandleControlPointWrite(testConn, []byte{OpCodeStopOrPause, StopParamStop})
	assert.Equal(t, TrainingStatusIdle, m.Snapshot().Status)
}

func TestMachine_StopOrPause_BadParameter(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)
	m.HandleControlPointWrite(testConn, []byte{OpCodeStartOrResume})

	m.HandleControlPointWrite(testConn, []byte{OpCodeStopOrPause, 0x03})
	assert.Equal(t, []byte{0x80, 0x08, 0x03}, transport.lastResponse())
	assert.Equal(t, TrainingStatusActive, m.Snapshot().Status)

	m.HandleControlPointWrite(testConn, []byte{OpCodeStopOrPause})
	assert.Equal(t, []byte{0x80, 0x08, 0x03}, transport.lastResponse())
	assert.Equal(t, TrainingStatusActive, m.Snapshot().Status)
}

func TestMachine_Reset_RestoresBaselineKeepsControl(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)
	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetResistance, 500))
	m.HandleControlPointWrite(testConn, []byte{OpCodeStartOrResume})

	m.HandleControlPointWrite(testConn, []byte{OpCodeReset})
	assert.Equal(t, []byte{0x80, 0x01, 0x01}, transport.lastResponse())
	snap := m.Snapshot()
	assert.Equal(t, int16(0), snap.ResistanceLevel)
	assert.Equal(t, int16(DefaultTargetPowerWatts), snap.TargetPowerWatts)
	assert.Equal(t, TrainingStatusIdle, snap.Status)

	// Control survives a reset
	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetPower, 200))
	assert.Equal(t, []byte{0x80, 0x05, 0x01}, transport.lastResponse())
}

func TestMachine_UnknownOpCode(t *testing.T) {
	m, transport := newTestMachine(t)
	before := m.Snapshot()

	m.HandleControlPointWrite(testConn, []byte{0xFF, 0x01, 0x02})
	assert.Equal(t, []byte{0x80, 0xFF, 0x02}, transport.lastResponse())
	assert.Equal(t, before.MachineState, m.Snapshot().MachineState)
}

func TestMachine_UnimplementedOpCode(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)

	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetInclination, 50))
	assert.Equal(t, []byte{0x80, 0x03, 0x02}, transport.lastResponse())
}

func TestMachine_EmptyWrite_Ignored(t *testing.T) {
	m, transport := newTestMachine(t)
	before := m.Snapshot()

	m.HandleControlPointWrite(testConn, nil)
	m.HandleControlPointWrite(testConn, []byte{})

	assert.Equal(t, 0, transport.responseCount())
	assert.Equal(t, before.MachineState, m.Snapshot().MachineState)
	// No authorization record is created for a write with no op code
	assert.Equal(t, 0, m.ConnectionCount())
}

func TestMachine_PanickingPowerMapper_NoPartialMutation(t *testing.T) {
	m, transport := newTestMachine(t, Config{
		ResistanceRange: DefaultResistanceRange,
		PowerRange:      DefaultPowerRange,
		PowerMapper: func(resistance int16) int16 {
			panic("mapper blew up")
		},
	})
	requestControl(t, m, transport, testConn)
	before := m.Snapshot()

	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetResistance, 100))

	assert.Equal(t, []byte{0x80, 0x04, 0x04}, transport.lastResponse())
	assert.Equal(t, before.MachineState, m.Snapshot().MachineState)

	// The machine keeps serving commands afterwards
	m.HandleControlPointWrite(testConn, []byte{OpCodeStartOrResume})
	assert.Equal(t, []byte{0x80, 0x07, 0x01}, transport.lastResponse())
}

func TestMachine_TrainingStatusNotifiedOnChangeOnly(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)

	m.HandleControlPointWrite(testConn, []byte{OpCodeStartOrResume})
	require.Equal(t, 1, transport.statusCount())
	assert.Equal(t, []byte{byte(TrainingStatusActive)}, transport.statuses[0])

	// Already Active: no second notification
	m.HandleControlPointWrite(testConn, []byte{OpCodeStartOrResume})
	assert.Equal(t, 1, transport.statusCount())

	m.HandleControlPointWrite(testConn, []byte{OpCodeStopOrPause, StopParamStop})
	require.Equal(t, 2, transport.statusCount())
	assert.Equal(t, []byte{byte(TrainingStatusIdle)}, transport.statuses[1])
}

func TestMachine_ConnectionDroppedMidCommand_AbandonsResponse(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)
	require.Equal(t, 1, transport.responseCount())

	// Tear the connection down from inside the status notification, which
	// fires between the state change and the response indication.
	transport.onStatusNotify = func() {
		m.DropConnection(testConn)
	}

	m.HandleControlPointWrite(testConn, []byte{OpCodeStartOrResume})

	assert.Equal(t, 1, transport.responseCount())
	assert.Equal(t, TrainingStatusActive, m.Snapshot().Status)
	assert.Equal(t, 0, m.ConnectionCount())
}

func TestMachine_AuthorizationIsPerConnection(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, ConnID(1))

	// A second connection has no control even while the first does
	m.HandleControlPointWrite(ConnID(2), EncodeSetInt16Command(OpCodeSetTargetPower, 150))
	assert.Equal(t, []byte{0x80, 0x05, 0x05}, transport.lastResponse())

	m.HandleControlPointWrite(ConnID(1), EncodeSetInt16Command(OpCodeSetTargetPower, 150))
	assert.Equal(t, []byte{0x80, 0x05, 0x01}, transport.lastResponse())

	assert.Equal(t, 2, m.ConnectionCount())
}

func TestMachine_DropAllConnections_RevokesControl(t *testing.T) {
	m, transport := newTestMachine(t)
	requestControl(t, m, transport, testConn)

	m.DropAllConnections()
	assert.Equal(t, 0, m.ConnectionCount())

	// Control must be re-requested after reconnect
	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetPower, 150))
	assert.Equal(t, []byte{0x80, 0x05, 0x05}, transport.lastResponse())
}

func TestMachine_DerivedPowerClampedToSupportedRange(t *testing.T) {
	m, transport := newTestMachine(t, Config{
		ResistanceRange: DefaultResistanceRange,
		PowerRange:      SupportedRange{Min: 120, Max: 200, Increment: 1},
	})
	requestControl(t, m, transport, testConn)

	// Mapper yields 100 for resistance 0, below the configured minimum
	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetResistance, 0))
	assert.Equal(t, int16(120), m.Snapshot().TargetPowerWatts)

	// And 200 for resistance 1000, right at the maximum
	m.HandleControlPointWrite(testConn, EncodeSetInt16Command(OpCodeSetTargetResistance, 1000))
	assert.Equal(t, int16(200), m.Snapshot().TargetPowerWatts)
}

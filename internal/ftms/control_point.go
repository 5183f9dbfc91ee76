package ftms

// Control Point command handling. Each write is decoded, stepped through the
// protocol state machine, applied, and answered with an indication before the
// next command is taken. The step itself is a pure function of
// (state, authorization, command); HandleControlPointWrite owns the side
// effects.

// HandleControlPointWrite processes one raw Control Point write from the
// given connection. The authorization record is created lazily on a
// connection's first write. Malformed empty writes are logged and ignored;
// there is no op code to echo in a response.
func (m *Machine) HandleControlPointWrite(conn ConnID, data []byte) {
	cmd, err := DecodeControlPointCommand(data)
	if err != nil {
		m.logger.Printf("Machine: conn %d sent empty control point write, ignoring", conn)
		return
	}

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	auth, existed := m.authByConn.GetOrSet(conn, &ConnectionAuthorization{})
	if !existed {
		m.logger.Printf("Machine: new connection %d", conn)
	}

	m.mu.RLock()
	before := m.state
	m.mu.RUnlock()

	after, hasControl, response := m.runStep(before, auth.HasControl, cmd)

	if after != before {
		m.mu.Lock()
		m.state = after
		m.mu.Unlock()
	}
	auth.HasControl = hasControl

	if after.Status != before.Status {
		m.notifyTrainingStatus(after.Status)
	}

	// The connection may have been torn down while the command was in
	// flight; a response to nowhere is abandoned silently.
	if response != nil {
		if !m.authByConn.Has(conn) {
			m.logger.Printf("Machine: conn %d gone, abandoning response to op 0x%02X", conn, cmd.OpCode)
		} else if t := m.getTransport(); t != nil {
			if err := t.SendControlResponse(conn, response); err != nil {
				m.logger.Printf("Machine: failed to indicate response to conn %d: %v", conn, err)
			}
		}
	}

	if after != before || !existed {
		m.publishSnapshot()
	}
}

// runStep invokes the pure step and converts any panic inside it into an
// OperationFailed response with the pre-command state intact, so a bug in a
// handler never leaves partial mutation visible or kills the process.
func (m *Machine) runStep(state MachineState, hasControl bool, cmd Command) (st MachineState, hc bool, response []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("Machine: op 0x%02X handler panicked: %v", cmd.OpCode, r)
			st = state
			hc = hasControl
			response = EncodeControlPointResponse(cmd.OpCode, ResultOperationFailed)
		}
	}()
	return m.step(state, hasControl, cmd)
}

// step is the control point state machine: a pure function from
// (state, authorization, command) to (state, authorization, response bytes).
// Validation order is fixed: authorization, then payload length, then value
// range, so malformed or unauthorized input always gets the same response.
func (m *Machine) step(state MachineState, hasControl bool, cmd Command) (MachineState, bool, []byte) {
	switch cmd.OpCode {
	case OpCodeRequestControl:
		// Idempotent: re-requesting control is always a success.
		return state, true, EncodeControlPointResponse(cmd.OpCode, ResultSuccess)

	case OpCodeReset:
		state.ResistanceLevel = 0
		state.TargetPowerWatts = DefaultTargetPowerWatts
		state.Status = TrainingStatusIdle
		return m.deriveRide(state), hasControl, EncodeControlPointResponse(cmd.OpCode, ResultSuccess)

	case OpCodeSetTargetResistance:
		if !hasControl {
			return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultControlNotPermitted)
		}
		level, err := cmd.Int16Param()
		if err != nil {
			return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultInvalidParameter)
		}
		if !m.cfg.ResistanceRange.Contains(level) {
			return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultInvalidParameter)
		}
		state.ResistanceLevel = level
		state.TargetPowerWatts = m.clampToPowerRange(m.cfg.PowerMapper(level))
		return m.deriveRide(state), hasControl, EncodeControlPointResponse(cmd.OpCode, ResultSuccess)

	case OpCodeSetTargetPower:
		if !hasControl {
			return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultControlNotPermitted)
		}
		watts, err := cmd.Int16Param()
		if err != nil {
			return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultInvalidParameter)
		}
		if !m.cfg.PowerRange.Contains(watts) {
			return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultInvalidParameter)
		}
		state.TargetPowerWatts = watts
		return m.deriveRide(state), hasControl, EncodeControlPointResponse(cmd.OpCode, ResultSuccess)

	case OpCodeStartOrResume:
		state.Status = TrainingStatusActive
		return m.deriveRide(state), hasControl, EncodeControlPointResponse(cmd.OpCode, ResultSuccess)

	case OpCodeStopOrPause:
		sub, err := cmd.ByteParam()
		if err != nil {
			return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultInvalidParameter)
		}
		switch sub {
		case StopParamStop:
			state.Status = TrainingStatusIdle
		case StopParamPause:
			state.Status = TrainingStatusPaused
		default:
			return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultInvalidParameter)
		}
		return m.deriveRide(state), hasControl, EncodeControlPointResponse(cmd.OpCode, ResultSuccess)

	default:
		return state, hasControl, EncodeControlPointResponse(cmd.OpCode, ResultOpCodeNotSupported)
	}
}

// clampToPowerRange keeps derived power inside the advertised supported
// power range, preserving the invariant that TargetPowerWatts is always
// within it.
func (m *Machine) clampToPowerRange(watts int16) int16 {
	if watts < m.cfg.PowerRange.Min {
		return m.cfg.PowerRange.Min
	}
	if watts > m.cfg.PowerRange.Max {
		return m.cfg.PowerRange.Max
	}
	return watts
}

func (m *Machine) notifyTrainingStatus(s TrainingStatus) {
	t := m.getTransport()
	if t == nil {
		return
	}
	if err := t.NotifyTrainingStatus(EncodeTrainingStatus(s)); err != nil {
		m.logger.Printf("Machine: failed to notify training status %s: %v", s, err)
	}
}

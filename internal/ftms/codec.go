package ftms

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec errors. ErrEmptyCommand means there was no op code at all, so no
// response can be built; ErrTruncated means a recognized op code arrived with
// fewer payload bytes than it requires.
var (
	ErrEmptyCommand = errors.New("empty control point command")
	ErrTruncated    = errors.New("truncated control point command")
)

// Command is a decoded Control Point write. Payload holds the raw bytes after
// the op code; per-op parsing happens later so that the authorization check
// can run before payload validation (the FTMS response for an unauthorized
// short SetTargetPower is ControlNotPermitted, not InvalidParameter).
type Command struct {
	OpCode  byte
	Payload []byte
}

// DecodeControlPointCommand splits a Control Point write into op code and
// payload. Only emptiness is rejected here.
func DecodeControlPointCommand(data []byte) (Command, error) {
	if len(data) == 0 {
		return Command{}, ErrEmptyCommand
	}
	return Command{OpCode: data[0], Payload: data[1:]}, nil
}

// Int16Param reads the command's little-endian sint16 parameter (resistance
// and power targets).
func (c Command) Int16Param() (int16, error) {
	if len(c.Payload) < 2 {
		return 0, fmt.Errorf("%w: op 0x%02X needs 2 payload bytes, got %d", ErrTruncated, c.OpCode, len(c.Payload))
	}
	return int16(binary.LittleEndian.Uint16(c.Payload[:2])), nil
}

// ByteParam reads the command's single-byte parameter (stop/pause sub-value).
func (c Command) ByteParam() (byte, error) {
	if len(c.Payload) < 1 {
		return 0, fmt.Errorf("%w: op 0x%02X needs 1 payload byte, got 0", ErrTruncated, c.OpCode)
	}
	return c.Payload[0], nil
}

// EncodeControlPointResponse builds the indication sent back after a command:
// [0x80, request op code, result code, optional response values]. The leading
// 0x80 distinguishes a response from a fresh command on the same
// characteristic.
func EncodeControlPointResponse(requestOpCode byte, result byte, values ...byte) []byte {
	out := make([]byte, 0, 3+len(values))
	out = append(out, OpCodeResponse, requestOpCode, result)
	return append(out, values...)
}

// EncodeSetInt16Command builds a target-setting command for an sint16 value.
// The emulator itself never sends commands; tests use this for round trips.
func EncodeSetInt16Command(opCode byte, value int16) []byte {
	return []byte{opCode, byte(value & 0xFF), byte((value >> 8) & 0xFF)}
}

// BikeData is the subset of Indoor Bike Data fields this machine reports.
// HasHeartRate tracks the flag bit so that a configured-off sensor (heart
// rate 0) is omitted from the packet entirely.
type BikeData struct {
	SpeedCentiKmh  uint16 // 0.01 km/h resolution
	CadenceHalfRpm uint16 // 0.5 rpm resolution
	PowerWatts     int16
	HasHeartRate   bool
	HeartRateBpm   uint8
}

// EncodeIndoorBikeData serializes a notification packet: a uint16 flags word
// followed by exactly the fields whose bits are set, in FTMS field order
// (speed, cadence, power, heart rate). Speed's presence is signalled by the
// inverted More Data bit being clear.
func EncodeIndoorBikeData(d BikeData) []byte {
	var flags uint16 = ibdFlagInstantaneousCadence | ibdFlagInstantaneousPower
	if d.HasHeartRate {
		flags |= ibdFlagHeartRate
	}

	size := 2 + 2 + 2 + 2
	if d.HasHeartRate {
		size++
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], flags)
	binary.LittleEndian.PutUint16(buf[2:4], d.SpeedCentiKmh)
	binary.LittleEndian.PutUint16(buf[4:6], d.CadenceHalfRpm)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(d.PowerWatts))
	if d.HasHeartRate {
		buf[8] = d.HeartRateBpm
	}
	return buf
}

// ParseIndoorBikeData decodes an Indoor Bike Data packet back into the fields
// this machine emits. The packet length must line up with the flags word
// exactly; flag bits for fields the machine never sends are rejected.
func ParseIndoorBikeData(buf []byte) (BikeData, error) {
	if len(buf) < 2 {
		return BikeData{}, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf[0:2])
	offset := 2

	var d BikeData

	// Bit 0 (More Data) inverted: 0 means Instantaneous Speed is present.
	if flags&ibdFlagMoreData == 0 {
		if offset+2 > len(buf) {
			return BikeData{}, fmt.Errorf("buffer too short for speed at offset %d", offset)
		}
		d.SpeedCentiKmh = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		if offset+2 > len(buf) {
			return BikeData{}, fmt.Errorf("buffer too short for cadence at offset %d", offset)
		}
		d.CadenceHalfRpm = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		if offset+2 > len(buf) {
			return BikeData{}, fmt.Errorf("buffer too short for power at offset %d", offset)
		}
		d.PowerWatts = int16(binary.LittleEndian.Uint16(buf[offset:]))
		offset += 2
	}
	if flags&ibdFlagHeartRate != 0 {
		if offset+1 > len(buf) {
			return BikeData{}, fmt.Errorf("buffer too short for heart rate at offset %d", offset)
		}
		d.HasHeartRate = true
		d.HeartRateBpm = buf[offset]
		offset++
	}

	unsupported := flags &^ uint16(ibdFlagMoreData|ibdFlagInstantaneousCadence|ibdFlagInstantaneousPower|ibdFlagHeartRate)
	if unsupported != 0 {
		return BikeData{}, fmt.Errorf("unsupported indoor bike data flags: 0x%04X", unsupported)
	}
	if offset != len(buf) {
		return BikeData{}, fmt.Errorf("indoor bike data length %d does not match flags (want %d)", len(buf), offset)
	}
	return d, nil
}

// EncodeSupportedRange serializes a Supported Resistance Level Range or
// Supported Power Range characteristic value: [min: i16][max: i16][inc: i16],
// little-endian.
func EncodeSupportedRange(r SupportedRange) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.Min))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.Max))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(r.Increment))
	return buf
}

// EncodeFeatureFlags serializes the static Fitness Machine Feature block:
// a 16-byte bitmask made of the machine feature word followed by the
// target-setting feature word, both little-endian.
func EncodeFeatureFlags(machineFeatures, targetFeatures uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], machineFeatures)
	binary.LittleEndian.PutUint64(buf[8:16], targetFeatures)
	return buf
}

// EncodeTrainingStatus serializes the Training Status characteristic value.
func EncodeTrainingStatus(s TrainingStatus) []byte {
	return []byte{byte(s)}
}

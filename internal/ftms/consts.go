package ftms

// Bluetooth Service and Characteristic UUIDs for the Fitness Machine Service
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	ServiceUUIDFTMS = "00001826-0000-1000-8000-00805f9b34fb"

	CharUUIDIndoorBikeData           = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDTrainingStatus           = "00002ad3-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedResistanceRange = "00002ad6-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange      = "00002ad8-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint         = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature              = "00002acc-0000-1000-8000-00805f9b34fb"
)

// FTMS Control Point op codes
const (
	OpCodeRequestControl       byte = 0x00
	OpCodeReset                byte = 0x01
	OpCodeSetTargetSpeed       byte = 0x02
	OpCodeSetTargetInclination byte = 0x03
	OpCodeSetTargetResistance  byte = 0x04
	OpCodeSetTargetPower       byte = 0x05
	OpCodeSetTargetHeartRate   byte = 0x06
	OpCodeStartOrResume        byte = 0x07
	OpCodeStopOrPause          byte = 0x08
	OpCodeResponse             byte = 0x80
)

// FTMS Control Point result codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)

// Stop or Pause (0x08) sub-values
const (
	StopParamStop  byte = 0x01
	StopParamPause byte = 0x02
)

// TrainingStatus is the single-byte Training Status characteristic value.
type TrainingStatus byte

const (
	TrainingStatusIdle      TrainingStatus = 0x01
	TrainingStatusActive    TrainingStatus = 0x02
	TrainingStatusPaused    TrainingStatus = 0x03
	TrainingStatusCompleted TrainingStatus = 0x04
)

func (s TrainingStatus) String() string {
	switch s {
	case TrainingStatusIdle:
		return "Idle"
	case TrainingStatusActive:
		return "Active"
	case TrainingStatusPaused:
		return "Paused"
	case TrainingStatusCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Indoor Bike Data flag bit positions (FTMS 1.0).
// Bit 0 is inverted: 0 means Instantaneous Speed IS present.
const (
	ibdFlagMoreData             = 1 << 0
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

// Fitness Machine Feature bits (first word of the feature block)
const (
	FeatureCadenceSupported          uint64 = 1 << 1
	FeatureResistanceLevelSupported  uint64 = 1 << 7
	FeatureHeartRateSupported        uint64 = 1 << 10
	FeaturePowerMeasurementSupported uint64 = 1 << 14
)

// Target Setting Feature bits (second word of the feature block)
const (
	TargetResistanceSupported uint64 = 1 << 2
	TargetPowerSupported      uint64 = 1 << 3
)

// SupportedRange is the static [min, max, increment] triple backing the
// Supported Resistance Level Range and Supported Power Range characteristics.
// Fixed at startup, read-only afterwards.
type SupportedRange struct {
	Min       int16
	Max       int16
	Increment int16
}

// Contains reports whether v lies within the range. The increment is
// advisory for clients and deliberately not enforced here; trainers in the
// wild accept any value between min and max.
func (r SupportedRange) Contains(v int16) bool {
	return v >= r.Min && v <= r.Max
}

// Default supported ranges. Resistance is in 0.1 unitless steps
// (0..100.0), power in watts.
var (
	DefaultResistanceRange = SupportedRange{Min: 0, Max: 1000, Increment: 10}
	DefaultPowerRange      = SupportedRange{Min: 25, Max: 2000, Increment: 1}
)

// DefaultTargetPowerWatts is the baseline target power applied on Reset.
const DefaultTargetPowerWatts = 100

// Derived power clamp bounds for the resistance→power mapping.
const (
	MinDerivedPowerWatts = 50
	MaxDerivedPowerWatts = 2000
)

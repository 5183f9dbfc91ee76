package ble

import (
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/ftms-bike/ftms-bike-app/internal/ftms"

	"tinygo.org/x/bluetooth"
)

// Peripheral publishes the Fitness Machine Service over the local BLE
// adapter and routes characteristic traffic to and from the machine.
type Peripheral struct {
	adapter    *bluetooth.Adapter
	machine    *ftms.Machine
	deviceName string
	logger     *log.Logger

	charIndoorBikeData bluetooth.Characteristic
	charTrainingStatus bluetooth.Characteristic
	charControlPoint   bluetooth.Characteristic

	adv *bluetooth.Advertisement

	mu          sync.Mutex
	advertising bool
}

// Verify Peripheral satisfies the machine's transport contract
var _ ftms.Transport = (*Peripheral)(nil)

func NewPeripheral(adapter *bluetooth.Adapter, machine *ftms.Machine, deviceName string, logger *log.Logger) *Peripheral {
	if adapter == nil {
		panic("Peripheral: adapter cannot be nil")
	}
	if machine == nil {
		panic("Peripheral: machine cannot be nil")
	}
	if logger == nil {
		panic("Peripheral: logger cannot be nil")
	}
	return &Peripheral{
		adapter:    adapter,
		machine:    machine,
		deviceName: deviceName,
		logger:     logger,
	}
}

// Start enables the adapter, registers the GATT service and begins
// advertising. The machine is attached as the transport consumer before the
// first central can connect.
func (p *Peripheral) Start() error {
	// Track central connections. The host stack does not tell us which
	// connection dropped, so every disconnect clears all granted control;
	// centrals must re-request control after reconnecting anyway.
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		if connected {
			p.logger.Printf("Central connected: %s", addressStr)
		} else {
			p.logger.Printf("Central disconnected: %s", addressStr)
			p.machine.DropAllConnections()
		}
	})

	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	if err := p.registerService(); err != nil {
		return err
	}

	p.machine.AttachTransport(p)

	return p.startAdvertising()
}

func (p *Peripheral) registerService() error {
	serviceUuid, err := bluetooth.ParseUUID(ftms.ServiceUUIDFTMS)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	uuids := make(map[string]bluetooth.UUID)
	for _, s := range []string{
		ftms.CharUUIDFTMSFeature,
		ftms.CharUUIDIndoorBikeData,
		ftms.CharUUIDTrainingStatus,
		ftms.CharUUIDSupportedResistanceRange,
		ftms.CharUUIDSupportedPowerRange,
		ftms.CharUUIDFTMSControlPoint,
	} {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("invalid characteristic UUID %s: %w", s, err)
		}
		uuids[s] = u
	}

	err = p.adapter.AddService(&bluetooth.Service{
		UUID: serviceUuid,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  uuids[ftms.CharUUIDFTMSFeature],
				Flags: bluetooth.CharacteristicReadPermission,
				Value: p.machine.FeatureValue(),
			},
			{
				Handle: &p.charIndoorBikeData,
				UUID:   uuids[ftms.CharUUIDIndoorBikeData],
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &p.charTrainingStatus,
				UUID:   uuids[ftms.CharUUIDTrainingStatus],
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Value:  p.machine.TrainingStatusValue(),
			},
			{
				UUID:  uuids[ftms.CharUUIDSupportedResistanceRange],
				Flags: bluetooth.CharacteristicReadPermission,
				Value: p.machine.ResistanceRangeValue(),
			},
			{
				UUID:  uuids[ftms.CharUUIDSupportedPowerRange],
				Flags: bluetooth.CharacteristicReadPermission,
				Value: p.machine.PowerRangeValue(),
			},
			{
				Handle: &p.charControlPoint,
				UUID:   uuids[ftms.CharUUIDFTMSControlPoint],
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicIndicatePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					if offset != 0 {
						p.logger.Printf("Peripheral: ignoring control point write at offset %d", offset)
						return
					}
					p.machine.HandleControlPointWrite(ftms.ConnID(client), value)
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register fitness machine service: %w", err)
	}

	p.logger.Printf("Peripheral: fitness machine service registered")
	return nil
}

func (p *Peripheral) startAdvertising() error {
	serviceUuid, err := bluetooth.ParseUUID(ftms.ServiceUUIDFTMS)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	adv := p.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.deviceName,
		ServiceUUIDs: []bluetooth.UUID{serviceUuid},
	})
	if err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	p.mu.Lock()
	p.adv = adv
	p.advertising = true
	p.mu.Unlock()

	p.logger.Printf("Peripheral: advertising as %q", p.deviceName)
	return nil
}

// SendControlResponse indicates a control point response. The host stack
// delivers indications to every subscribed central; since only subscribed
// centrals issue control point writes this matches the expected receiver.
func (p *Peripheral) SendControlResponse(conn ftms.ConnID, data []byte) error {
	_, err := p.charControlPoint.Write(data)
	if err != nil {
		return fmt.Errorf("control point indication failed: %w", err)
	}
	return nil
}

// BroadcastBikeData notifies the Indoor Bike Data characteristic.
func (p *Peripheral) BroadcastBikeData(data []byte) error {
	_, err := p.charIndoorBikeData.Write(data)
	if err != nil {
		return fmt.Errorf("bike data notification failed: %w", err)
	}
	return nil
}

// NotifyTrainingStatus notifies the Training Status characteristic.
func (p *Peripheral) NotifyTrainingStatus(data []byte) error {
	_, err := p.charTrainingStatus.Write(data)
	if err != nil {
		return fmt.Errorf("training status notification failed: %w", err)
	}
	return nil
}

// Shutdown stops advertising. Connected centrals are left to drop on their
// own when the process exits.
func (p *Peripheral) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adv != nil && p.advertising {
		if err := p.adv.Stop(); err != nil {
			p.logger.Printf("Peripheral: failed to stop advertising: %v", err)
		}
		p.advertising = false
	}
	p.logger.Printf("Peripheral: shutdown complete")
}

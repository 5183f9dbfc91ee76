package ftms

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/lowaak/ftms-bike/ftms-bike-app/internal/go_func_utils"
)

// Telemetry periodically snapshots machine state, encodes an Indoor Bike
// Data packet and broadcasts it to all subscribers. A dropped notification
// is not an error; nothing here ever mutates machine state.
type Telemetry struct {
	machine  *Machine
	logger   *log.Logger
	interval time.Duration
	jitter   bool

	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewTelemetry creates the telemetry generator. jitter adds a small per-tick
// wobble to speed and cadence at encode time while riding, so subscribed
// apps see a live ride rather than frozen numbers. It never touches stored
// state, which keeps the control point path deterministic.
func NewTelemetry(machine *Machine, logger *log.Logger, interval time.Duration, jitter bool) *Telemetry {
	if machine == nil {
		panic("Telemetry: machine cannot be nil")
	}
	if logger == nil {
		panic("Telemetry: logger cannot be nil")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Telemetry{
		machine:  machine,
		logger:   logger,
		interval: interval,
		jitter:   jitter,
		doneChan: make(chan struct{}),
	}
}

// Start launches the broadcast loop.
func (t *Telemetry) Start() {
	t.wg.Add(1)
	go_func_utils.SafeGo(t.logger, func() { t.run() })
}

// Shutdown stops the loop and waits for it to exit. Safe to call twice.
func (t *Telemetry) Shutdown() {
	t.shutdownOnce.Do(func() {
		close(t.doneChan)
		t.wg.Wait()
		t.logger.Printf("Telemetry: shutdown complete")
	})
}

func (t *Telemetry) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.doneChan:
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick broadcasts one Indoor Bike Data packet from the current snapshot.
// Exposed separately so tests can drive it without a timer.
func (t *Telemetry) Tick() {
	transport := t.machine.getTransport()
	if transport == nil {
		return
	}

	snap := t.machine.Snapshot()
	data := BikeData{
		SpeedCentiKmh:  snap.SpeedCentiKmh,
		CadenceHalfRpm: snap.CadenceHalfRpm,
		PowerWatts:     snap.TargetPowerWatts,
		HasHeartRate:   snap.HeartRateBpm > 0,
		HeartRateBpm:   snap.HeartRateBpm,
	}
	if t.jitter && snap.Status == TrainingStatusActive {
		data = wobble(data)
	}

	if err := transport.BroadcastBikeData(EncodeIndoorBikeData(data)); err != nil {
		// Fire-and-forget: log and carry on.
		t.logger.Printf("Telemetry: broadcast failed: %v", err)
	}
}

// wobble nudges speed and cadence by a raw unit or two per tick, the way a
// real rider never holds perfectly constant numbers.
func wobble(d BikeData) BikeData {
	if d.SpeedCentiKmh > 0 {
		d.SpeedCentiKmh = shifted(d.SpeedCentiKmh, 20)
	}
	if d.CadenceHalfRpm > 0 {
		d.CadenceHalfRpm = shifted(d.CadenceHalfRpm, 4)
	}
	return d
}

func shifted(v uint16, span int) uint16 {
	delta := rand.Intn(2*span+1) - span
	n := int(v) + delta
	if n < 0 {
		n = 0
	}
	if n > 0xFFFF {
		n = 0xFFFF
	}
	return uint16(n)
}

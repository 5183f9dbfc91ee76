package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/ftms-bike/ftms-bike-app/internal/ble"
	"github.com/lowaak/ftms-bike/ftms-bike-app/internal/ftms"
	"github.com/lowaak/ftms-bike/ftms-bike-app/internal/go_func_utils"
)

var adapter = bluetooth.DefaultAdapter

func loadConfig() *viper.Viper {
	v := viper.New()

	pflag.String("device-name", "FTMS Bike", "advertised BLE device name")
	pflag.Duration("tick-interval", time.Second, "telemetry broadcast interval")
	pflag.Uint8("heart-rate", 0, "simulated heart rate in bpm (0 omits the field)")
	pflag.Int16("resistance-min", ftms.DefaultResistanceRange.Min, "minimum resistance level")
	pflag.Int16("resistance-max", ftms.DefaultResistanceRange.Max, "maximum resistance level")
	pflag.Int16("resistance-increment", ftms.DefaultResistanceRange.Increment, "resistance level increment")
	pflag.Int16("power-min", ftms.DefaultPowerRange.Min, "minimum target power in watts")
	pflag.Int16("power-max", ftms.DefaultPowerRange.Max, "maximum target power in watts")
	pflag.Int16("power-increment", ftms.DefaultPowerRange.Increment, "target power increment in watts")
	pflag.Bool("sim-jitter", true, "wobble broadcast speed/cadence while riding")
	pflag.String("log-file", defaultLogPath(), "rolling log file path")
	pflag.Bool("headless", false, "run without the terminal dashboard")
	pflag.Parse()

	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		panic("failed to bind flags: " + err.Error())
	}

	v.SetEnvPrefix("FTMS_BIKE")
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(home, ".ftms-bike"))
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				panic("failed to read config file: " + err.Error())
			}
		}
	}

	return v
}

func defaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ftms-bike.log"
	}
	return filepath.Join(home, ".ftms-bike", "ftms-bike.log")
}

func main() {
	v := loadConfig()
	headless := v.GetBool("headless")

	rolling := &lumberjack.Logger{
		Filename:   v.GetString("log-file"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	defer rolling.Close()

	var logSink io.Writer = rolling
	var uiLog *uiLogWriter
	if !headless {
		uiLog = newUILogWriter()
		logSink = io.MultiWriter(rolling, uiLog)
	}
	logger := log.New(logSink, "", log.LstdFlags)

	machineCfg := ftms.Config{
		ResistanceRange: ftms.SupportedRange{
			Min:       int16(v.GetInt("resistance-min")),
			Max:       int16(v.GetInt("resistance-max")),
			Increment: int16(v.GetInt("resistance-increment")),
		},
		PowerRange: ftms.SupportedRange{
			Min:       int16(v.GetInt("power-min")),
			Max:       int16(v.GetInt("power-max")),
			Increment: int16(v.GetInt("power-increment")),
		},
		HeartRateBpm: uint8(v.GetUint("heart-rate")),
	}

	machine := ftms.NewMachine(machineCfg, logger)
	peripheral := ble.NewPeripheral(adapter, machine, v.GetString("device-name"), logger)
	must("start BLE peripheral", peripheral.Start())

	telemetry := ftms.NewTelemetry(machine, logger, v.GetDuration("tick-interval"), v.GetBool("sim-jitter"))
	telemetry.Start()

	logger.Printf("ftms-bike up: advertising %q, tick %s", v.GetString("device-name"), v.GetDuration("tick-interval"))

	if headless {
		runHeadless(logger)
	} else {
		runDashboard(machine, uiLog, logger)
	}

	telemetry.Shutdown()
	peripheral.Shutdown()
	machine.DropAllConnections()
}

func runHeadless(logger *log.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Printf("received %s, shutting down", s)
}

// uiLogWriter forwards log lines to the dashboard's log pane once it exists.
// Lines written before the pane is attached go to the file sink only.
type uiLogWriter struct {
	lines chan string
}

func newUILogWriter() *uiLogWriter {
	return &uiLogWriter{lines: make(chan string, 256)}
}

func (w *uiLogWriter) Write(p []byte) (int, error) {
	select {
	case w.lines <- string(p):
	default:
		// Dashboard is not draining; drop rather than stall the logger.
	}
	return len(p), nil
}

func runDashboard(machine *ftms.Machine, uiLog *uiLogWriter, logger *log.Logger) {
	app := tview.NewApplication()

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(500).
		SetChangedFunc(func() {
			app.Draw()
		})
	logView.SetBorder(true).SetTitle(" Logs ")

	stateTable := tview.NewTable()
	stateTable.SetBorder(true).SetTitle(" Machine State ")
	rows := []string{"Status", "Resistance", "Target Power", "Speed", "Cadence", "Heart Rate", "Connections"}
	for i, label := range rows {
		stateTable.SetCell(i, 0, tview.NewTableCell(label).SetTextColor(tcell.ColorYellow))
		stateTable.SetCell(i, 1, tview.NewTableCell("-"))
	}

	renderSnapshot := func(s ftms.Snapshot) {
		set := func(row int, format string, args ...interface{}) {
			stateTable.GetCell(row, 1).SetText(fmt.Sprintf(format, args...))
		}
		set(0, "%s", s.Status)
		set(1, "%d", s.ResistanceLevel)
		set(2, "%d W", s.TargetPowerWatts)
		set(3, "%.2f km/h", float64(s.SpeedCentiKmh)/100)
		set(4, "%.1f rpm", float64(s.CadenceHalfRpm)/2)
		if s.HeartRateBpm > 0 {
			set(5, "%d bpm", s.HeartRateBpm)
		} else {
			set(5, "-")
		}
		set(6, "%d", s.Connections)
	}
	renderSnapshot(machine.Snapshot())

	stateChan := make(chan ftms.Snapshot, 8)
	unlisten := machine.ListenToState(stateChan)
	defer unlisten()

	go_func_utils.SafeGo(logger, func() {
		for snap := range stateChan {
			s := snap
			app.QueueUpdateDraw(func() {
				renderSnapshot(s)
			})
		}
	})

	go_func_utils.SafeGo(logger, func() {
		for line := range uiLog.lines {
			fmt.Fprint(logView, tview.Escape(line))
		}
	})

	flex := tview.NewFlex().
		AddItem(stateTable, 0, 1, true).
		AddItem(logView, 0, 1, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Tab to switch focus between panes
		if event.Key() == tcell.KeyTab {
			if stateTable.HasFocus() {
				app.SetFocus(logView)
			} else {
				app.SetFocus(stateTable)
			}
			return nil
		}
		// Escape to quit
		if event.Key() == tcell.KeyEscape {
			app.Stop()
			return nil
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(stateTable).Run(); err != nil {
		panic(err)
	}
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}

// Command detectorsim runs one simulated detector: it maintains an
// outbound session to a signal controller, replaying a fixture
// measurement sequence as realtime and statistics uploads.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/roadsense/detectorbridge/pkg/config"
	"github.com/roadsense/detectorbridge/pkg/detector"
	"github.com/roadsense/detectorbridge/pkg/gbtframe"
)

var (
	serverHost  = pflag.StringP("server", "s", "", "signal controller host (overrides config server_host)")
	serverPort  = pflag.IntP("port", "p", 0, "signal controller port (overrides config server_port, default 40000)")
	adminCode   = pflag.Uint32P("admin-code", "a", 0, "administrative-region code (overrides config admin_code)")
	deviceType  = pflag.StringP("device-type", "t", "coil", "device type: coil, magnetic, ultrasonic, video, microwave, radar, rfid")
	deviceID    = pflag.Uint16P("device-id", "i", 0, "this detector's device serial (overrides config device_id)")
	logLevel    = pflag.StringP("log-level", "l", "", "log level: debug, info, warn, error (overrides config log_level)")
	logFile     = pflag.StringP("log-file", "f", "", "write logs to this file instead of stderr (overrides config log_file)")
	configPath  = pflag.StringP("config", "c", "", "path to a detectorbridge YAML config file")
	fixturePath = pflag.StringP("fixture", "x", "", "path to a CBOR measurement fixture (omit to use a flat default reading)")
	help        = pflag.BoolP("help", "h", false, "print this help text and exit")
)

var deviceTypes = map[string]gbtframe.DeviceType{
	"coil":       gbtframe.DeviceCoil,
	"magnetic":   gbtframe.DeviceMagnetic,
	"ultrasonic": gbtframe.DeviceUltrasonic,
	"video":      gbtframe.DeviceVideo,
	"microwave":  gbtframe.DeviceMicrowave,
	"radar":      gbtframe.DeviceRadar,
	"rfid":       gbtframe.DeviceRFID,
}

func main() {
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("detectorsim: %v", err)
	}

	host := cfg.ServerHost
	if *serverHost != "" {
		host = *serverHost
	}
	port := cfg.ServerPort
	if port == 0 {
		port = 40000
	}
	if *serverPort != 0 {
		port = *serverPort
	}
	admin := cfg.AdminCode
	if *adminCode != 0 {
		admin = *adminCode
	}
	serial := cfg.DeviceID
	if *deviceID != 0 {
		serial = *deviceID
	}

	dt, ok := deviceTypes[strings.ToLower(*deviceType)]
	if !ok {
		log.Fatalf("detectorsim: unknown device type %q", *deviceType)
	}

	logPath := cfg.LogFile
	if *logFile != "" {
		logPath = *logFile
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("detectorsim: opening log file %s: %v", logPath, err)
		}
		defer f.Close()
		log.SetOutput(f)
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("detectorsim: starting (log level %s)", orDefault(level, "info"))

	id := gbtframe.NewDeviceID(admin, dt, serial)
	log.Printf("detectorsim: identity %s", id)

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = config.DefaultChannels()
	}
	channelIDs := make([]uint8, len(channels))
	for i, ch := range channels {
		channelIDs[i] = ch.ID
	}

	source, err := buildSource(*fixturePath, channelIDs)
	if err != nil {
		log.Fatalf("detectorsim: %v", err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client := detector.NewClient(id, addr, channelIDs, source)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("detectorsim: shutting down")
		client.Stop()
	}()

	log.Printf("detectorsim: connecting to %s as %s", addr, id)
	client.Run()
}

// staticSource hands back the same reading for every channel on every
// tick; it exists so detectorsim runs out of the box without a
// fixture file.
type staticSource struct{ snap detector.ChannelSnapshot }

func (s staticSource) Next(channelID uint8) (detector.ChannelSnapshot, error) {
	snap := s.snap
	snap.ChannelID = channelID
	return snap, nil
}

func buildSource(fixturePath string, channels []uint8) (detector.MeasurementSource, error) {
	if fixturePath == "" {
		return staticSource{snap: detector.ChannelSnapshot{
			VehicleCountA: 1,
			VehicleCountB: 2,
			VehicleCountC: 0,
			TimeOccupancy: 120,
			VehicleSpeed:  45,
			VehicleLength: 48,
			Headway:       30,
			GapTime:       25,
		}}, nil
	}
	src, err := detector.LoadFixtureSource(fixturePath)
	if err != nil {
		return nil, fmt.Errorf("loading fixture: %w", err)
	}
	return src, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

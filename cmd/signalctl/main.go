// Command signalctl runs the signal-controller side of the GB/T
// 43229-2023 link: it listens for detector connections, hands out
// session slots, and polls them for heartbeats and uploads.
package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/roadsense/detectorbridge/pkg/config"
	"github.com/roadsense/detectorbridge/pkg/gbtframe"
	"github.com/roadsense/detectorbridge/pkg/session"
)

var (
	port       = pflag.IntP("port", "p", 0, "TCP port to listen on (overrides config listen_port, default 40000)")
	adminCode  = pflag.Uint32P("admin-code", "a", 0, "administrative-region code (overrides config admin_code)")
	deviceID   = pflag.Uint16P("device-id", "i", 0, "this controller's device serial (overrides config device_id)")
	logLevel   = pflag.StringP("log-level", "l", "", "log level: debug, info, warn, error (overrides config log_level)")
	logFile    = pflag.StringP("log-file", "f", "", "write logs to this file instead of stderr (overrides config log_file)")
	configPath = pflag.StringP("config", "c", "", "path to a detectorbridge YAML config file")
	help       = pflag.BoolP("help", "h", false, "print this help text and exit")
)

func main() {
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("signalctl: %v", err)
	}

	listenPort := cfg.ListenPort
	if listenPort == 0 {
		listenPort = session.DefaultPort
	}
	if *port != 0 {
		listenPort = *port
	}
	admin := cfg.AdminCode
	if *adminCode != 0 {
		admin = *adminCode
	}
	serial := cfg.DeviceID
	if *deviceID != 0 {
		serial = *deviceID
	}

	logPath := cfg.LogFile
	if *logFile != "" {
		logPath = *logFile
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("signalctl: opening log file %s: %v", logPath, err)
		}
		defer f.Close()
		log.SetOutput(f)
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("signalctl: starting (log level %s)", orDefault(level, "info"))

	id := gbtframe.NewDeviceID(admin, gbtframe.DeviceSignalController, serial)
	log.Printf("signalctl: identity %s", id)

	addr := &net.TCPAddr{Port: listenPort}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		log.Fatalf("signalctl: listen on port %d: %v", listenPort, err)
	}
	log.Printf("signalctl: listening on %s", ln.Addr())

	srv, err := session.NewServer(ln, id)
	if err != nil {
		log.Fatalf("signalctl: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("signalctl: shutting down")
		srv.Stop()
	}()

	srv.Run()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

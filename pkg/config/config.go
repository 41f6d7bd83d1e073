// Package config loads the optional YAML file that seeds default
// device identity and channel layout for both signalctl and
// detectorsim, so operators aren't forced to spell every admin code
// and channel count out on the command line every time.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Channel describes one detection channel a detector reports on.
type Channel struct {
	ID   uint8  `yaml:"id"`
	Name string `yaml:"name"`
}

// File is the on-disk shape of a detectorbridge config file.
type File struct {
	// AdminCode is the administrative-region code new DeviceIDs are
	// built with unless overridden on the command line.
	AdminCode uint32 `yaml:"admin_code"`

	// DeviceID is the device-serial portion of this process's own
	// identity.
	DeviceID uint16 `yaml:"device_id"`

	// ServerHost/ServerPort are the detector client's default dial
	// target.
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`

	// ListenPort is the controller's default listening port.
	ListenPort int `yaml:"listen_port"`

	// LogLevel and LogFile seed the ambient logging setup.
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Channels lists the detection channels a detector process reports
	// on; empty means "use a single default channel."
	Channels []Channel `yaml:"channels"`
}

// Load reads and parses a YAML config file. A missing path is not an
// error: it returns a zero-value File so callers can layer CLI flag
// defaults on top unconditionally.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return f, nil
}

// DefaultChannels is used whenever a config file doesn't list any.
func DefaultChannels() []Channel {
	return []Channel{{ID: 1, Name: "default"}}
}

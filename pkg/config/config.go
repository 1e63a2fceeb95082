// Package config loads the local startup configuration (serial port,
// baud rate, the node table, and retry tuning) from an INI file, the
// same file format the teacher used for EDS object dictionaries, here
// repurposed for this system's own much smaller settings surface.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/canservo/candrive/pkg/serial"
)

// NodeEntry describes one drive to bring up at startup.
type NodeEntry struct {
	Name   string
	NodeID uint8
}

// Config is everything cmd/candrive needs to open a port and register
// its configured drives.
type Config struct {
	PortBackend string
	PortName    string
	BaudRate    int

	Nodes []NodeEntry

	BusyRetryMax uint8
	ToRetryMax   uint8

	MQTTBroker string
	MQTTBase   string
}

// Default returns the configuration used when no file is given or a
// key is missing from one: a single node at ID 1 on a loopback port,
// safe to run without any hardware attached.
func Default() Config {
	return Config{
		PortBackend:  "loopback",
		PortName:     "/dev/ttyUSB0",
		BaudRate:     serial.DefaultBaudRate,
		Nodes:        []NodeEntry{{Name: "drive1", NodeID: 1}},
		BusyRetryMax: 3,
		ToRetryMax:   1,
	}
}

// Load reads path as an INI file and overlays it on Default(), so a
// config file only needs to set the keys it cares to change.
//
//	[serial]
//	backend = uart
//	port = /dev/ttyUSB0
//	baud = 115200
//
//	[retry]
//	busy_max = 3
//	timeout_max = 1
//
//	[mqtt]
//	broker = tcp://localhost:1883
//	base = candrive
//
//	[node.drive1]
//	id = 1
//
//	[node.drive2]
//	id = 2
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	if sec, err := f.GetSection("serial"); err == nil {
		if k := sec.Key("backend"); k.String() != "" {
			cfg.PortBackend = k.String()
		}
		if k := sec.Key("port"); k.String() != "" {
			cfg.PortName = k.String()
		}
		if k := sec.Key("baud"); k.String() != "" {
			baud, err := k.Int()
			if err != nil {
				return Config{}, fmt.Errorf("config: serial.baud: %w", err)
			}
			cfg.BaudRate = baud
		}
	}

	if sec, err := f.GetSection("retry"); err == nil {
		if k := sec.Key("busy_max"); k.String() != "" {
			v, err := k.Uint()
			if err != nil {
				return Config{}, fmt.Errorf("config: retry.busy_max: %w", err)
			}
			cfg.BusyRetryMax = uint8(v)
		}
		if k := sec.Key("timeout_max"); k.String() != "" {
			v, err := k.Uint()
			if err != nil {
				return Config{}, fmt.Errorf("config: retry.timeout_max: %w", err)
			}
			cfg.ToRetryMax = uint8(v)
		}
	}

	if sec, err := f.GetSection("mqtt"); err == nil {
		cfg.MQTTBroker = sec.Key("broker").String()
		cfg.MQTTBase = sec.Key("base").String()
	}

	var nodes []NodeEntry
	for _, sec := range f.Sections() {
		name := sec.Name()
		if len(name) <= 5 || name[:5] != "node." {
			continue
		}
		id, err := sec.Key("id").Uint()
		if err != nil {
			return Config{}, fmt.Errorf("config: %s.id: %w", name, err)
		}
		nodes = append(nodes, NodeEntry{Name: name[5:], NodeID: uint8(id)})
	}
	if len(nodes) > 0 {
		cfg.Nodes = nodes
	}

	return cfg, nil
}

// Command candrive-remote exposes a single drive over MQTT, bridging
// target_pos/target_speed/command topics to the Drive Controller.
package main

import (
	"flag"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/pkg/config"
	"github.com/canservo/candrive/pkg/drive"
	"github.com/canservo/candrive/pkg/frame"
	"github.com/canservo/candrive/pkg/remote"
	"github.com/canservo/candrive/pkg/router"
	"github.com/canservo/candrive/pkg/serial"
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("config", "", "path to an INI config file")
	nodeID := flag.Int("node", 1, "node ID to expose")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}
	if cfg.MQTTBroker == "" || cfg.MQTTBase == "" {
		log.Fatal("config must set [mqtt] broker and base")
	}

	port, err := serial.Open(cfg.PortBackend, serial.Options{PortName: cfg.PortName, BaudRate: cfg.BaudRate})
	if err != nil {
		log.WithError(err).Fatal("failed to open serial port")
	}

	f := frame.New(port)
	f.Open()
	r := router.New(f)

	h := r.Register(uint8(*nodeID))
	if h == router.Unregistered {
		log.Fatal("node table full")
	}
	d := drive.New(r, h)
	d.SetBusyRetryMax(cfg.BusyRetryMax)
	d.SetToRetryMax(cfg.ToRetryMax)

	rd, err := remote.New(d, cfg.MQTTBroker, cfg.MQTTBase)
	if err != nil {
		log.WithError(err).Fatal("failed to start MQTT bridge")
	}
	defer rd.Close()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	log.WithField("base", cfg.MQTTBase).Info("candrive-remote running")

	for now := range ticker.C {
		if err := f.Update(now); err != nil {
			log.WithError(err).Warn("framer error")
		}
		r.Update(now)
		rd.Update(now)
	}
}

// Command candrive brings up one or more drives on a single serial
// link and keeps them alive with a periodic tick loop. This loop is the
// only source of time for the stack: every layer beneath it (pkg/frame,
// pkg/router, pkg/sdo, pkg/node, pkg/drive) is driven purely by the now
// value it hands down each tick, and none of them starts a goroutine.
package main

import (
	"flag"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/pkg/config"
	"github.com/canservo/candrive/pkg/drive"
	"github.com/canservo/candrive/pkg/frame"
	"github.com/canservo/candrive/pkg/router"
	"github.com/canservo/candrive/pkg/serial"
)

func main() {
	log.SetLevel(log.InfoLevel)

	portName := flag.String("port", "", "serial port device (overrides config file)")
	baud := flag.Int("baud", 0, "baud rate (overrides config file)")
	configPath := flag.String("config", "", "path to an INI config file (defaults built in if omitted)")
	backend := flag.String("backend", "", "port backend name: uart or loopback (overrides config file)")
	tickEvery := flag.Duration("tick", time.Millisecond, "tick period")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}
	if *portName != "" {
		cfg.PortName = *portName
	}
	if *baud != 0 {
		cfg.BaudRate = *baud
	}
	if *backend != "" {
		cfg.PortBackend = *backend
	}

	port, err := serial.Open(cfg.PortBackend, serial.Options{PortName: cfg.PortName, BaudRate: cfg.BaudRate})
	if err != nil {
		log.WithError(err).Fatal("failed to open serial port")
	}

	f := frame.New(port)
	f.Open()
	r := router.New(f)

	drives := make(map[string]*drive.Drive, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		h := r.Register(n.NodeID)
		if h == router.Unregistered {
			log.WithField("node", n.Name).Fatal("node table full, could not register")
		}
		d := drive.New(r, h)
		d.SetBusyRetryMax(cfg.BusyRetryMax)
		d.SetToRetryMax(cfg.ToRetryMax)
		drives[n.Name] = d
		log.WithFields(log.Fields{"node": n.Name, "id": n.NodeID}).Info("registered drive")
	}

	ticker := time.NewTicker(*tickEvery)
	defer ticker.Stop()

	log.WithField("port", cfg.PortName).Info("candrive running")

	for now := range ticker.C {
		if err := f.Update(now); err != nil {
			log.WithError(err).Warn("framer error")
		}
		r.Update(now)
		for _, d := range drives {
			d.SetActTime(now)
		}
	}
}

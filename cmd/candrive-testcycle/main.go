// Command candrive-testcycle exercises a single drive through a
// repeating enable/move/home sequence, for bench-testing a link
// without an external supervisor.
package main

import (
	"flag"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/pkg/drive"
	"github.com/canservo/candrive/pkg/frame"
	"github.com/canservo/candrive/pkg/router"
	"github.com/canservo/candrive/pkg/serial"
	"github.com/canservo/candrive/pkg/testcycle"
)

func main() {
	log.SetLevel(log.InfoLevel)

	portName := flag.String("port", "/dev/ttyUSB0", "serial port device")
	baud := flag.Int("baud", serial.DefaultBaudRate, "baud rate")
	backend := flag.String("backend", "uart", "port backend name: uart or loopback")
	nodeID := flag.Int("node", 1, "node ID to exercise")
	minPos := flag.Int("min", 0, "minimum test position")
	maxPos := flag.Int("max", 100000, "maximum test position")
	homingMethod := flag.Int("homing-method", 6, "CiA 402 homing method")
	flag.Parse()

	port, err := serial.Open(*backend, serial.Options{PortName: *portName, BaudRate: *baud})
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

	cycle := testcycle.New(d, "bench", int32(*minPos), int32(*maxPos), int8(*homingMethod), 1)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for now := range ticker.C {
		if err := f.Update(now); err != nil {
			log.WithError(err).Warn("framer error")
		}
		r.Update(now)
		if cycle.DoCycle(now) {
			log.WithField("turns", cycle.Turns()).Info("turn complete")
		}
	}
}

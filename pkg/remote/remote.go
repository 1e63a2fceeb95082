// Package remote bridges a Drive Controller to an MQTT broker, letting
// an external supervisor set targets and issue commands without
// linking against this module. Grounded on original_source's
// MCRemoteControlled, which does the same job over the firmware's own
// embedded MQTT broker; here the roles invert (this process is the
// MQTT client, an external broker does the routing) and the transport
// is github.com/eclipse/paho.mqtt.golang.
package remote

import (
	"encoding/binary"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/canservo/candrive/pkg/drive"
)

// Command mirrors original_source/MCRemoteControlled's MCRemoteCommands
// enum, trimmed to the subset this bridge actually dispatches (status
// push and periodic value refresh are handled internally instead of
// being driven by an incoming command).
type Command uint8

const (
	CmdNone Command = iota
	CmdDisable
	CmdEnable
	CmdMoveAbs
	CmdMoveHome
	CmdMoveRel
	CmdCheckInPos
	CmdMoveSpeed
	CmdHalt
	CmdGoHome
)

// RemoteDrive subscribes a Drive to three command topics under base
// and periodically publishes its status, without ever blocking the
// tick loop: every MQTT callback only stages a pending command or
// target, consumed on the next Update.
type RemoteDrive struct {
	log *log.Entry

	client mqtt.Client
	drive  *drive.Drive
	base   string

	pending     Command
	targetPos   int32
	targetSpeed int32
	haveTarget  bool

	lastPublish  time.Time
	publishEvery time.Duration
}

// New connects to broker and subscribes base/target_pos,
// base/target_speed, and base/command for d. The caller still owns
// calling Update(now) every tick. Apart from what the MQTT client
// library runs for network I/O, the only goroutines this type starts
// are the short-lived ones publishStatus uses to log a failed publish.
func New(d *drive.Drive, broker, base string) (*RemoteDrive, error) {
	rd := &RemoteDrive{
		log:          log.WithFields(log.Fields{"layer": "remote", "base": base}),
		drive:        d,
		base:         base,
		publishEvery: 2 * time.Second,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetAutoReconnect(true).
		SetClientID(fmt.Sprintf("candrive-%s", base))

	opts.SetDefaultPublishHandler(func(mqtt.Client, mqtt.Message) {})
	rd.client = mqtt.NewClient(opts)

	if tok := rd.client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("remote: connect %s: %w", broker, tok.Error())
	}

	if err := rd.subscribe(base+"/target_pos", rd.onTargetPos); err != nil {
		return nil, err
	}
	if err := rd.subscribe(base+"/target_speed", rd.onTargetSpeed); err != nil {
		return nil, err
	}
	if err := rd.subscribe(base+"/command", rd.onCommand); err != nil {
		return nil, err
	}

	return rd, nil
}

func (rd *RemoteDrive) subscribe(topic string, handler mqtt.MessageHandler) error {
	tok := rd.client.Subscribe(topic, 0, handler)
	if tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("remote: subscribe %s: %w", topic, tok.Error())
	}
	return nil
}

func (rd *RemoteDrive) onTargetPos(_ mqtt.Client, msg mqtt.Message) {
	v, ok := decodeInt32(msg.Payload())
	if !ok {
		rd.log.Warn("target_pos payload too short, ignoring")
		return
	}
	rd.targetPos = v
	rd.haveTarget = true
}

func (rd *RemoteDrive) onTargetSpeed(_ mqtt.Client, msg mqtt.Message) {
	v, ok := decodeInt32(msg.Payload())
	if !ok {
		rd.log.Warn("target_speed payload too short, ignoring")
		return
	}
	rd.targetSpeed = v
}

func (rd *RemoteDrive) onCommand(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if len(payload) < 1 {
		return
	}
	rd.pending = Command(payload[0])
}

func decodeInt32(payload []byte) (int32, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(payload)), true
}

// Update consumes the most recently staged command or target, drives
// the owned Drive one tick, and periodically publishes status.
func (rd *RemoteDrive) Update(now time.Time) {
	rd.drive.SetActTime(now)

	switch rd.pending {
	case CmdDisable:
		if rd.drive.DisableDrive() != drive.Waiting {
			rd.pending = CmdNone
		}
	case CmdEnable:
		if rd.drive.EnableDrive() != drive.Waiting {
			rd.pending = CmdNone
		}
	case CmdMoveAbs:
		if rd.haveTarget && rd.drive.StartAbsMove(rd.targetPos) != drive.Waiting {
			rd.pending = CmdNone
		}
	case CmdMoveRel:
		if rd.haveTarget && rd.drive.StartRelMove(rd.targetPos) != drive.Waiting {
			rd.pending = CmdNone
		}
	case CmdMoveSpeed:
		if rd.drive.MoveAtSpeed(rd.targetSpeed) != drive.Waiting {
			rd.pending = CmdNone
		}
	case CmdGoHome, CmdMoveHome:
		if rd.drive.DoHoming(0) != drive.Waiting {
			rd.pending = CmdNone
		}
	case CmdHalt:
		if rd.drive.StopDrive() != drive.Waiting {
			rd.pending = CmdNone
		}
	case CmdCheckInPos:
		if rd.drive.IsInPos() != drive.Waiting {
			rd.pending = CmdNone
		}
	}

	if now.Sub(rd.lastPublish) >= rd.publishEvery {
		rd.publishStatus()
		rd.lastPublish = now
	}
}

func (rd *RemoteDrive) publishStatus() {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, rd.drive.GetSW())
	tok := rd.client.Publish(rd.base+"/status", 0, false, payload)
	go func() {
		if tok.Wait() && tok.Error() != nil {
			rd.log.WithError(tok.Error()).Warn("status publish failed")
		}
	}()
}

// Close disconnects from the broker.
func (rd *RemoteDrive) Close() {
	rd.client.Disconnect(250)
}

package reflector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/labjack"
)

// Time limit for talking to the LabJack.
const CommunicationTimeout = 5 * time.Second

// Wait before trying to reconnect after a lost connection.
const ReconnectWait = 60 * time.Second

// Default digital output channels driving the actuator.
const (
	DefaultOpenChannel  = "CIO0"
	DefaultCloseChannel = "CIO1"
)

// CIOState is the value of the CIO_STATE register after actuation. CIO2 and
// CIO3 idle high on their pull-ups, so the two positions read as 13 (0b1101,
// open line asserted) and 14 (0b1110, close line asserted).
type CIOState uint16

const (
	CIOStateOpen   CIOState = 13
	CIOStateClosed CIOState = 14
)

// ErrUnknownCIOState is returned when the line state after actuation matches
// neither position.
var ErrUnknownCIOState = errors.New("reflector is in unknown state")

// Controller drives the reflector screen through a LabJack device: one
// digital output asserts open, another asserts close, and CIO_STATE reads
// the result back.
type Controller struct {
	OpenChannel  string
	CloseChannel string

	device *labjack.Device
	logger *zap.Logger

	mu    sync.Mutex
	state Status
}

// NewController validates the channel configuration and prepares a
// controller. No network traffic happens until Connect.
func NewController(device *labjack.Device, openChannel, closeChannel string, logger *zap.Logger) (*Controller, error) {
	channels := make([]string, 0, 2)
	for _, name := range []string{openChannel, closeChannel} {
		reg, err := labjack.ResolveName(name)
		if err != nil {
			return nil, err
		}
		if reg.Type != labjack.TypeUint16 || !reg.Writable {
			return nil, fmt.Errorf("channel %s is not a digital output", reg.Name)
		}
		channels = append(channels, reg.Name)
	}
	if channels[0] == channels[1] {
		return nil, fmt.Errorf("open and close channels must differ, both are %s", channels[0])
	}

	return &Controller{
		OpenChannel:  channels[0],
		CloseChannel: channels[1],
		device:       device,
		logger:       logger,
		state:        StatusUnknown,
	}, nil
}

// Connect opens the device and reads both configured channels once, so a
// bad channel configuration fails here instead of at the first command.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.device.Connect(ctx); err != nil {
		return err
	}

	for _, name := range []string{c.OpenChannel, c.CloseChannel} {
		if _, err := c.device.ReadName(ctx, name); err != nil {
			c.device.Disconnect()
			return err
		}
	}

	return nil
}

// Disconnect releases the device. Idempotent.
func (c *Controller) Disconnect() error {
	return c.device.Disconnect()
}

// Connected reports whether the device is connected.
func (c *Controller) Connected() bool {
	return c.device.Connected()
}

// Probe verifies the device link by reading the CIO line states.
func (c *Controller) Probe(ctx context.Context) error {
	_, err := c.device.ReadName(ctx, "CIO_STATE")
	return err
}

// Open drives the reflector to its open position.
func (c *Controller) Open(ctx context.Context) error {
	return c.actuate(ctx, true)
}

// Close drives the reflector to its closed position.
func (c *Controller) Close(ctx context.Context) error {
	return c.actuate(ctx, false)
}

// State returns the last position read back from the hardware.
func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// actuate writes the channel pair and verifies the resulting line state.
// The close channel is written first in both directions.
func (c *Controller) actuate(ctx context.Context, open bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	begin, err := c.device.ReadName(ctx, "CIO_STATE")
	if err != nil {
		return err
	}
	c.logger.Info("reflector line state before actuation", zap.Float64("cioState", begin))

	if open {
		if err := c.device.WriteName(ctx, c.CloseChannel, 0); err != nil {
			return err
		}
		if err := c.device.WriteName(ctx, c.OpenChannel, 1); err != nil {
			return err
		}
	} else {
		if err := c.device.WriteName(ctx, c.CloseChannel, 1); err != nil {
			return err
		}
		if err := c.device.WriteName(ctx, c.OpenChannel, 0); err != nil {
			return err
		}
	}

	end, err := c.device.ReadName(ctx, "CIO_STATE")
	if err != nil {
		return err
	}
	c.logger.Info("reflector line state after actuation", zap.Float64("cioState", end))

	switch CIOState(end) {
	case CIOStateOpen:
		c.state = StatusOpen
	case CIOStateClosed:
		c.state = StatusClosed
	default:
		return fmt.Errorf("%w: CIO_STATE=%d", ErrUnknownCIOState, uint16(end))
	}

	return nil
}

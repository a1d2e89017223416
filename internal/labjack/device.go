package labjack

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultPort is the Modbus TCP port the T-series devices listen on.
const DefaultPort = "502"

// unitID is ignored by the T-series but echoed back in every response.
const unitID uint8 = 1

// productIDs maps a device type to the value of its PRODUCT_ID register.
var productIDs = map[string]float64{
	"T4": 4,
	"T7": 7,
	"T8": 8,
}

// Device is one LabJack T-series unit addressed by channel and register
// names. Values are exchanged as float64 regardless of register width,
// matching how the vendor tooling presents the map.
type Device struct {
	DeviceType string
	Identifier string

	client     *Client
	mu         sync.RWMutex
	lastValues map[string]float64
	connected  bool
}

// NewDevice prepares a device handle without touching the network.
// deviceType is T4, T7, T8 or ANY; identifier is a host or host:port.
func NewDevice(deviceType string, identifier string, timeout time.Duration) *Device {
	address := identifier
	if _, _, err := net.SplitHostPort(identifier); err != nil {
		address = net.JoinHostPort(identifier, DefaultPort)
	}

	return &Device{
		DeviceType: deviceType,
		Identifier: identifier,
		client:     NewClient(address, timeout),
		lastValues: make(map[string]float64),
	}
}

// Connect dials the device, verifies it is the expected model and enables
// digital writes on all lines. Connecting twice is a no-op.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}

	if err := d.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Identifier, err)
	}

	if err := d.setup(ctx); err != nil {
		d.client.Close()
		return err
	}

	d.connected = true
	return nil
}

// setup runs the post-dial handshake. Lines carry externally pulled-up
// signals, so inhibit and analog mode are cleared before anything writes.
func (d *Device) setup(ctx context.Context) error {
	if want, ok := productIDs[d.DeviceType]; ok {
		id, err := d.readRegister(ctx, namedRegisters["PRODUCT_ID"])
		if err != nil {
			return fmt.Errorf("failed to identify device %s: %w", d.Identifier, err)
		}
		if id != want {
			return fmt.Errorf("device %s reports PRODUCT_ID %.0f, want %s", d.Identifier, id, d.DeviceType)
		}
	}

	for _, name := range []string{"DIO_INHIBIT", "DIO_ANALOG_ENABLE"} {
		if err := d.writeRegister(ctx, namedRegisters[name], 0); err != nil {
			return fmt.Errorf("failed to clear %s on %s: %w", name, d.Identifier, err)
		}
	}

	return nil
}

// Disconnect closes the connection. Disconnecting twice is a no-op.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	err := d.client.Close()
	d.connected = false
	return err
}

// Connected reports whether the device handle is open.
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// ReadName reads one channel or register by name.
func (d *Device) ReadName(ctx context.Context, name string) (float64, error) {
	reg, err := ResolveName(name)
	if err != nil {
		return 0, err
	}

	d.mu.RLock()
	connected := d.connected
	d.mu.RUnlock()
	if !connected {
		return 0, fmt.Errorf("read %s: %w", reg.Name, ErrNotConnected)
	}

	value, err := d.readRegister(ctx, reg)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", reg.Name, err)
	}

	d.mu.Lock()
	d.lastValues[reg.Name] = value
	d.mu.Unlock()

	return value, nil
}

// WriteName writes one channel or register by name.
func (d *Device) WriteName(ctx context.Context, name string, value float64) error {
	reg, err := ResolveName(name)
	if err != nil {
		return err
	}
	if !reg.Writable {
		return fmt.Errorf("register %s is read-only", reg.Name)
	}

	d.mu.RLock()
	connected := d.connected
	d.mu.RUnlock()
	if !connected {
		return fmt.Errorf("write %s: %w", reg.Name, ErrNotConnected)
	}

	if err := d.writeRegister(ctx, reg, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", reg.Name, err)
	}

	return nil
}

// LastValue returns the most recently read value of a register, if any.
func (d *Device) LastValue(name string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, exists := d.lastValues[name]
	return value, exists
}

func (d *Device) readRegister(ctx context.Context, reg Register) (float64, error) {
	regs, err := d.client.ReadHoldingRegisters(ctx, unitID, reg.Address, reg.Type.registerWidth())
	if err != nil {
		return 0, err
	}
	return reg.decodeValue(regs)
}

func (d *Device) writeRegister(ctx context.Context, reg Register, value float64) error {
	values := reg.encodeValue(value)
	if len(values) == 1 {
		return d.client.WriteSingleRegister(ctx, unitID, reg.Address, values[0])
	}
	return d.client.WriteMultipleRegisters(ctx, unitID, reg.Address, values)
}

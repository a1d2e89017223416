package labjack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrNotConnected is returned by operations that require an open connection.
var ErrNotConnected = errors.New("labjack not connected")

// Client is a minimal Modbus TCP client for the T-series register map.
// All requests are serialized; the devices answer one transaction at a time.
type Client struct {
	address       string
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address:       address,
		timeout:       timeout,
		transactionID: 0,
	}
}

// Connect opens the TCP connection. Connecting twice is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

// Close shuts the connection down. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

// Connected reports whether the TCP connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendFrame sends a request frame and waits for its response.
func (c *Client) SendFrame(ctx context.Context, request *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotConnected
	}

	// Unique transaction ID per request
	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.conn.SetWriteDeadline(deadline)

	if _, err := c.conn.Write(request.Encode()); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	c.conn.SetReadDeadline(deadline)

	// MBAP header first, then exactly the announced remainder.
	header := make([]byte, 7)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	length := int(header[4])<<8 | int(header[5])
	if length < 2 || length > 253 {
		return nil, fmt.Errorf("invalid frame length: %d", length)
	}

	body := make([]byte, length-1) // UnitID already part of the header
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(append(header, body...))
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if response.TransactionID != request.TransactionID {
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}

	return response, nil
}

// ReadHoldingRegisters reads quantity registers starting at startAddr.
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	request := ReadHoldingRegistersRequest(0, unitID, startAddr, quantity)

	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return nil, err
	}

	return response.ParseRegisterResponse()
}

// WriteSingleRegister writes one 16-bit register.
func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	request := WriteSingleRegisterRequest(0, unitID, addr, value)

	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return err
	}

	return response.Exception()
}

// WriteMultipleRegisters writes consecutive registers in one transaction.
func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddr uint16, values []uint16) error {
	request := WriteMultipleRegistersRequest(0, unitID, startAddr, values)

	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return err
	}

	return response.Exception()
}

package labjack

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"sync"
)

// Exception codes the simulator raises.
const (
	excIllegalFunction    = 0x01
	excIllegalDataAddress = 0x02
	excServerFailure      = 0x04
)

// WriteOp is one register write received by the simulator.
type WriteOp struct {
	Addr   uint16
	Values []uint16
}

// Simulator is an in-process stand-in for a T4: a Modbus TCP server on a
// loopback port with the digital lines idling high, the way the real
// hardware reads with its pull-ups and nothing driving the lines.
type Simulator struct {
	listener net.Listener

	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	lines      [23]bool
	analog     map[int]float64
	dacs       map[int]float64
	wide       map[uint16]uint32
	writes     []WriteOp
	failWrites bool
	failReads  bool
	closed     bool

	productID       float64
	firmwareVersion float64
	serialNumber    uint32
}

// StartSimulator listens on an ephemeral loopback port and serves until
// Close is called.
func StartSimulator() (*Simulator, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		listener:        listener,
		conns:           make(map[net.Conn]struct{}),
		analog:          make(map[int]float64),
		dacs:            make(map[int]float64),
		wide:            make(map[uint16]uint32),
		productID:       4,
		firmwareVersion: 1.0023,
		serialNumber:    440010000,
	}
	for i := range s.lines {
		s.lines[i] = true
	}

	go s.serve()
	return s, nil
}

// Addr returns the host:port the simulator listens on.
func (s *Simulator) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the listener and drops all connections.
func (s *Simulator) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
}

// DropConnections closes every active connection but keeps listening, so
// clients observe a lost connection and may reconnect.
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// FailWrites makes all register writes answer with a server failure
// exception until reset.
func (s *Simulator) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// FailReads makes all register reads answer with a server failure
// exception until reset.
func (s *Simulator) FailReads(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = fail
}

// SetProductID overrides the reported PRODUCT_ID.
func (s *Simulator) SetProductID(id float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.productID = id
}

// SetLine forces a digital line level, e.g. to present a line state no
// actuator position produces.
func (s *Simulator) SetLine(name string, high bool) error {
	reg, err := ResolveName(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[reg.Address-2000] = high
	return nil
}

// Line reports a digital line level.
func (s *Simulator) Line(name string) (bool, error) {
	reg, err := ResolveName(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines[reg.Address-2000], nil
}

// SetAnalog sets the value an analog input reads back.
func (s *Simulator) SetAnalog(name string, value float64) error {
	reg, err := ResolveName(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.analog[int(reg.Address/2)] = value
	return nil
}

// Writes returns a snapshot of all register writes received so far.
func (s *Simulator) Writes() []WriteOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WriteOp, len(s.writes))
	copy(out, s.writes)
	return out
}

// ClearWrites discards the recorded writes.
func (s *Simulator) ClearWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

func (s *Simulator) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handle(conn)
	}
}

func (s *Simulator) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := int(binary.BigEndian.Uint16(header[4:6]))
		if length < 2 || length > 253 {
			return
		}

		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		request, err := DecodeFrame(append(header, body...))
		if err != nil {
			return
		}

		response := s.dispatch(request)
		if _, err := conn.Write(response.Encode()); err != nil {
			return
		}
	}
}

func (s *Simulator) dispatch(request *Frame) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	response := &Frame{
		TransactionID: request.TransactionID,
		ProtocolID:    0x0000,
		UnitID:        request.UnitID,
		FunctionCode:  request.FunctionCode,
	}

	switch request.FunctionCode {
	case FuncCodeReadHoldingRegisters:
		if len(request.Data) < 4 {
			return exception(response, excIllegalDataAddress)
		}
		if s.failReads {
			return exception(response, excServerFailure)
		}
		addr := binary.BigEndian.Uint16(request.Data[0:2])
		quantity := binary.BigEndian.Uint16(request.Data[2:4])

		regs := make([]uint16, 0, quantity)
		for i := uint16(0); i < quantity; i++ {
			value, ok := s.readRegister(addr + i)
			if !ok {
				return exception(response, excIllegalDataAddress)
			}
			regs = append(regs, value)
		}

		data := make([]byte, 1+2*len(regs))
		data[0] = uint8(2 * len(regs))
		for i, v := range regs {
			binary.BigEndian.PutUint16(data[1+2*i:3+2*i], v)
		}
		response.Data = data

	case FuncCodeWriteSingleRegister:
		if len(request.Data) < 4 {
			return exception(response, excIllegalDataAddress)
		}
		if s.failWrites {
			return exception(response, excServerFailure)
		}
		addr := binary.BigEndian.Uint16(request.Data[0:2])
		value := binary.BigEndian.Uint16(request.Data[2:4])

		if !s.writeRegisters(addr, []uint16{value}) {
			return exception(response, excIllegalDataAddress)
		}
		response.Data = request.Data[0:4]

	case FuncCodeWriteMultipleRegisters:
		if len(request.Data) < 5 {
			return exception(response, excIllegalDataAddress)
		}
		if s.failWrites {
			return exception(response, excServerFailure)
		}
		addr := binary.BigEndian.Uint16(request.Data[0:2])
		quantity := binary.BigEndian.Uint16(request.Data[2:4])
		if len(request.Data) < int(5+2*quantity) {
			return exception(response, excIllegalDataAddress)
		}

		values := make([]uint16, quantity)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(request.Data[5+2*i : 7+2*i])
		}
		if !s.writeRegisters(addr, values) {
			return exception(response, excIllegalDataAddress)
		}
		response.Data = request.Data[0:4]

	default:
		return exception(response, excIllegalFunction)
	}

	return response
}

func exception(response *Frame, code uint8) *Frame {
	response.FunctionCode |= exceptionBit
	response.Data = []byte{code}
	return response
}

// readRegister resolves one 16-bit register of the simulated map.
// Callers hold s.mu.
func (s *Simulator) readRegister(addr uint16) (uint16, bool) {
	switch {
	case addr < 1000: // AIN pairs
		return float32Half(s.analog[int(addr/2)], addr%2 == 0), true
	case addr >= 1000 && addr < 1004: // DAC pairs
		return float32Half(s.dacs[int(addr-1000)/2], addr%2 == 0), true
	case addr >= 2000 && addr < 2023:
		if s.lines[addr-2000] {
			return 1, true
		}
		return 0, true
	case addr == 2500:
		return s.lineBits(0, 8), true
	case addr == 2501:
		return s.lineBits(8, 8), true
	case addr == 2502:
		return s.lineBits(16, 4), true
	case addr == 2503:
		return s.lineBits(20, 3), true
	case addr == 2800 || addr == 2801:
		state := uint32(s.lineBits(16, 7))<<16 | uint32(s.lineBits(8, 8))<<8 | uint32(s.lineBits(0, 8))
		return uint32Half(state, addr == 2800), true
	case addr == 2850 || addr == 2851:
		return uint32Half(s.wide[2850], addr == 2850), true
	case addr == 2880 || addr == 2881:
		return uint32Half(s.wide[2880], addr == 2880), true
	case addr == 2900 || addr == 2901:
		return uint32Half(s.wide[2900], addr == 2900), true
	case addr == 60000 || addr == 60001:
		return float32Half(s.productID, addr == 60000), true
	case addr == 60004 || addr == 60005:
		return float32Half(s.firmwareVersion, addr == 60004), true
	case addr == 60028 || addr == 60029:
		return uint32Half(s.serialNumber, addr == 60028), true
	}
	return 0, false
}

// writeRegisters applies one write request. Callers hold s.mu.
func (s *Simulator) writeRegisters(addr uint16, values []uint16) bool {
	s.writes = append(s.writes, WriteOp{Addr: addr, Values: values})

	switch {
	case (addr == 1000 || addr == 1002) && len(values) == 2:
		bits := uint32(values[0])<<16 | uint32(values[1])
		s.dacs[int(addr-1000)/2] = float64(math.Float32frombits(bits))
	case addr >= 2000 && int(addr)+len(values) <= 2023:
		for i, v := range values {
			s.lines[int(addr)-2000+i] = v != 0
		}
	case addr == 2502 && len(values) == 1:
		for i := 0; i < 4; i++ {
			s.lines[16+i] = values[0]&(1<<i) != 0
		}
	case (addr == 2850 || addr == 2880 || addr == 2900) && len(values) == 2:
		s.wide[addr] = uint32(values[0])<<16 | uint32(values[1])
	case (addr == 2850 || addr == 2880 || addr == 2900) && len(values) == 1:
		s.wide[addr] = uint32(values[0])
	default:
		return false
	}
	return true
}

// lineBits packs count line levels starting at first into an integer.
// Callers hold s.mu.
func (s *Simulator) lineBits(first, count int) uint16 {
	var bits uint16
	for i := 0; i < count; i++ {
		if s.lines[first+i] {
			bits |= 1 << i
		}
	}
	return bits
}

func float32Half(value float64, high bool) uint16 {
	bits := math.Float32bits(float32(value))
	if high {
		return uint16(bits >> 16)
	}
	return uint16(bits & 0xFFFF)
}

func uint32Half(value uint32, high bool) uint16 {
	if high {
		return uint16(value >> 16)
	}
	return uint16(value & 0xFFFF)
}

package labjack

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RegisterType describes how a register's value is encoded on the wire.
type RegisterType int

const (
	TypeUint16 RegisterType = iota
	TypeUint32
	TypeFloat32
)

// registerWidth returns the number of 16-bit registers the type spans.
func (t RegisterType) registerWidth() uint16 {
	if t == TypeUint16 {
		return 1
	}
	return 2
}

// Register is a resolved entry of the T-series Modbus map.
type Register struct {
	Name     string
	Address  uint16
	Type     RegisterType
	Writable bool
}

// Line channel blocks of the T-series map. Each digital line occupies one
// register; analog channels occupy two (FLOAT32).
var channelOffsets = map[string]struct {
	base     uint16
	maxLine  int
	regType  RegisterType
	writable bool
}{
	"AIN": {base: 0, maxLine: 254, regType: TypeFloat32, writable: false},
	"DAC": {base: 1000, maxLine: 1, regType: TypeFloat32, writable: true},
	"DIO": {base: 2000, maxLine: 22, regType: TypeUint16, writable: true},
	"FIO": {base: 2000, maxLine: 7, regType: TypeUint16, writable: true},
	"EIO": {base: 2008, maxLine: 7, regType: TypeUint16, writable: true},
	"CIO": {base: 2016, maxLine: 3, regType: TypeUint16, writable: true},
	"MIO": {base: 2020, maxLine: 2, regType: TypeUint16, writable: true},
}

// Named whole-port and identity registers used by the controller.
var namedRegisters = map[string]Register{
	"FIO_STATE":         {Address: 2500, Type: TypeUint16, Writable: true},
	"EIO_STATE":         {Address: 2501, Type: TypeUint16, Writable: true},
	"CIO_STATE":         {Address: 2502, Type: TypeUint16, Writable: true},
	"MIO_STATE":         {Address: 2503, Type: TypeUint16, Writable: true},
	"DIO_STATE":         {Address: 2800, Type: TypeUint32, Writable: true},
	"DIO_DIRECTION":     {Address: 2850, Type: TypeUint32, Writable: true},
	"DIO_ANALOG_ENABLE": {Address: 2880, Type: TypeUint32, Writable: true},
	"DIO_INHIBIT":       {Address: 2900, Type: TypeUint32, Writable: true},
	"PRODUCT_ID":        {Address: 60000, Type: TypeFloat32, Writable: false},
	"FIRMWARE_VERSION":  {Address: 60004, Type: TypeFloat32, Writable: false},
	"SERIAL_NUMBER":     {Address: 60028, Type: TypeUint32, Writable: false},
}

// ResolveName maps a channel or register name such as "CIO0", "AIN3" or
// "DIO_INHIBIT" to its Modbus address and encoding.
func ResolveName(name string) (Register, error) {
	name = strings.ToUpper(strings.TrimSpace(name))

	if reg, ok := namedRegisters[name]; ok {
		reg.Name = name
		return reg, nil
	}

	if len(name) < 4 {
		return Register{}, fmt.Errorf("unknown channel %q", name)
	}

	prefix := name[:3]
	block, ok := channelOffsets[prefix]
	if !ok {
		return Register{}, fmt.Errorf("unknown channel %q", name)
	}

	line, err := strconv.Atoi(name[3:])
	if err != nil {
		return Register{}, fmt.Errorf("invalid channel %q: line number %q is not numeric", name, name[3:])
	}
	if line < 0 || line > block.maxLine {
		return Register{}, fmt.Errorf("invalid channel %q: line %d out of range 0..%d", name, line, block.maxLine)
	}

	addr := block.base
	if block.regType == TypeFloat32 {
		// Analog channels are two registers wide, so their addresses
		// advance in steps of two.
		addr += uint16(2 * line)
	} else {
		addr += uint16(line)
	}

	return Register{
		Name:     name,
		Address:  addr,
		Type:     block.regType,
		Writable: block.writable,
	}, nil
}

// encodeValue converts a value to its wire registers.
func (r Register) encodeValue(value float64) []uint16 {
	switch r.Type {
	case TypeFloat32:
		bits := math.Float32bits(float32(value))
		return []uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}
	case TypeUint32:
		v := uint32(value)
		return []uint16{uint16(v >> 16), uint16(v & 0xFFFF)}
	default:
		return []uint16{uint16(value)}
	}
}

// decodeValue converts wire registers back to a value.
func (r Register) decodeValue(regs []uint16) (float64, error) {
	if len(regs) < int(r.Type.registerWidth()) {
		return 0, fmt.Errorf("register %s: got %d registers, want %d", r.Name, len(regs), r.Type.registerWidth())
	}
	switch r.Type {
	case TypeFloat32:
		bits := uint32(regs[0])<<16 | uint32(regs[1])
		return float64(math.Float32frombits(bits)), nil
	case TypeUint32:
		return float64(uint32(regs[0])<<16 | uint32(regs[1])), nil
	default:
		return float64(regs[0]), nil
	}
}

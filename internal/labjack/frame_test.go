package labjack

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	request := ReadHoldingRegistersRequest(42, 1, 2502, 1)

	decoded, err := DecodeFrame(request.Encode())
	require.NoError(t, err)

	assert.Equal(t, uint16(42), decoded.TransactionID)
	assert.Equal(t, uint16(0), decoded.ProtocolID)
	assert.Equal(t, uint8(1), decoded.UnitID)
	assert.Equal(t, uint8(FuncCodeReadHoldingRegisters), decoded.FunctionCode)
	assert.Equal(t, []byte{0x09, 0xC6, 0x00, 0x01}, decoded.Data)
}

func TestDecodeFrameTooShort(t *testing.T) {
	_, err := DecodeFrame([]byte{0x00, 0x01, 0x00})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestDecodeFrameBadProtocolID(t *testing.T) {
	frame := ReadHoldingRegistersRequest(1, 1, 0, 1)
	raw := frame.Encode()
	raw[2] = 0xDE
	raw[3] = 0xAD

	_, err := DecodeFrame(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol ID")
}

func TestWriteSingleRegisterRequestEncoding(t *testing.T) {
	request := WriteSingleRegisterRequest(7, 1, 2016, 1)
	raw := request.Encode()

	// MBAP length counts unit ID + function code + data
	assert.Equal(t, []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x06, 0x01, 0x06, 0x07, 0xE0, 0x00, 0x01}, raw)
}

func TestWriteMultipleRegistersRequestEncoding(t *testing.T) {
	request := WriteMultipleRegistersRequest(3, 1, 2900, []uint16{0x0000, 0x0000})
	raw := request.Encode()

	require.Len(t, raw, 7+1+5+4)
	assert.Equal(t, uint8(FuncCodeWriteMultipleRegisters), raw[7])
	assert.Equal(t, []byte{0x0B, 0x54}, raw[8:10], "start address")
	assert.Equal(t, []byte{0x00, 0x02}, raw[10:12], "register count")
	assert.Equal(t, uint8(4), raw[12], "byte count")
}

func TestParseRegisterResponse(t *testing.T) {
	frame := &Frame{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x04, 0x00, 0x0D, 0x00, 0x0E},
	}

	regs, err := frame.ParseRegisterResponse()
	require.NoError(t, err)
	assert.Equal(t, []uint16{13, 14}, regs)
}

func TestParseRegisterResponseIncomplete(t *testing.T) {
	frame := &Frame{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x04, 0x00, 0x0D},
	}

	_, err := frame.ParseRegisterResponse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestParseRegisterResponseException(t *testing.T) {
	frame := &Frame{
		FunctionCode: FuncCodeReadHoldingRegisters | 0x80,
		Data:         []byte{excIllegalDataAddress},
	}

	_, err := frame.ParseRegisterResponse()
	require.Error(t, err)

	var exc *ExceptionError
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, uint8(excIllegalDataAddress), exc.Code)
	assert.Contains(t, exc.Error(), "0x02")
}
